package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Network describes one upstream IRC network provisioned on the bouncer for
// every user. Addr uses soju's address syntax, e.g. "ircs://irc.libera.chat"
// or "irc+insecure://irc.example.net:6667".
type Network struct {
	Name string `yaml:"name"`
	Addr string `yaml:"addr"`
}

// Networks returns the upstream networks to provision. When IRCNetworksFile
// is set it is parsed as a YAML list of networks; otherwise the single
// env-configured network is returned.
func (s Settings) Networks() ([]Network, error) {
	if s.IRCNetworksFile == "" {
		return []Network{{Name: s.IRCNetworkName, Addr: s.IRCAddr}}, nil
	}

	data, err := os.ReadFile(s.IRCNetworksFile)
	if err != nil {
		return nil, fmt.Errorf("read networks file: %w", err)
	}

	var file struct {
		Networks []Network `yaml:"networks"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse networks file: %w", err)
	}
	if len(file.Networks) == 0 {
		return nil, fmt.Errorf("networks file %s declares no networks", s.IRCNetworksFile)
	}
	for i, n := range file.Networks {
		if n.Name == "" || n.Addr == "" {
			return nil, fmt.Errorf("networks file entry %d: name and addr are required", i)
		}
	}
	return file.Networks, nil
}
