// Package bouncer provisions persistent per-user accounts on a soju IRC
// bouncer through its sojuctl control command, and renders the irssi client
// config that attaches a terminal session to the account.
package bouncer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/swepipe/webirc/internal/config"
	"github.com/swepipe/webirc/internal/crypto"
	"github.com/swepipe/webirc/internal/database"
)

// runSojuctl is swappable in tests so no real bouncer is needed.
var runSojuctl = func(ctx context.Context, configPath string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "sojuctl", append([]string{"-config", configPath}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("sojuctl %s: %v: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

type Manager struct {
	configPath  string
	sessionsDir string
	sojuAddr    string
	networks    []config.Network

	mu          sync.Mutex
	provisioned map[string]bool
}

func NewManager(configPath, sessionsDir, sojuAddr string, networks []config.Network) *Manager {
	return &Manager{
		configPath:  configPath,
		sessionsDir: sessionsDir,
		sojuAddr:    sojuAddr,
		networks:    networks,
		provisioned: make(map[string]bool),
	}
}

// UserDir returns the per-user home directory holding the client config.
func (m *Manager) UserDir(username string) string {
	return filepath.Join(m.sessionsDir, username)
}

// EnsureAccount makes sure a bouncer account, its upstream networks and the
// client config exist for username. Idempotent: safe to call on every
// request. Errors are wrapped as ErrTransient or ErrPermanent.
func (m *Manager) EnsureAccount(ctx context.Context, username string) error {
	m.mu.Lock()
	done := m.provisioned[username]
	m.mu.Unlock()
	if done {
		return nil
	}

	if username == "" || strings.ContainsAny(username, "/ \t") {
		return fmt.Errorf("%w: invalid account name %q", ErrPermanent, username)
	}

	userDir := m.UserDir(username)
	configPath := filepath.Join(userDir, "config")

	// Dev mode runs without a bouncer: a bare user directory is all the
	// terminal needs.
	if config.Cfg.DevMode {
		if err := os.MkdirAll(userDir, 0700); err != nil {
			return fmt.Errorf("%w: create user dir: %v", ErrTransient, err)
		}
		m.markProvisioned(username)
		return nil
	}

	// Provisioned in a previous run; the rendered config is the marker.
	if _, err := os.Stat(configPath); err == nil {
		m.markProvisioned(username)
		return nil
	}

	password, err := m.accountPassword(username)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	if out, err := runSojuctl(ctx, m.configPath, "user", "create", "-username", username, "-password", password); err != nil {
		if !strings.Contains(out, "already exists") && !strings.Contains(err.Error(), "already exists") {
			return classify(fmt.Errorf("create account: %w", err))
		}
	}

	for _, n := range m.networks {
		out, err := runSojuctl(ctx, m.configPath,
			"user", "run", username,
			"network", "create", "-name", n.Name, "-addr", n.Addr, "-nick", username)
		if err != nil {
			if strings.Contains(out, "already exists") || strings.Contains(err.Error(), "already exists") {
				continue
			}
			return classify(fmt.Errorf("create network %s: %w", n.Name, err))
		}
	}

	if err := os.MkdirAll(userDir, 0700); err != nil {
		return fmt.Errorf("%w: create user dir: %v", ErrTransient, err)
	}
	if err := os.WriteFile(configPath, []byte(m.renderClientConfig(username, password)), 0600); err != nil {
		return fmt.Errorf("%w: write client config: %v", ErrTransient, err)
	}

	log.Printf("[bouncer] provisioned account %s (%d network(s))", username, len(m.networks))
	m.markProvisioned(username)
	return nil
}

// DeleteAccount removes the bouncer account and the user directory. Missing
// accounts are not an error; clear must be idempotent.
func (m *Manager) DeleteAccount(ctx context.Context, username string) error {
	m.mu.Lock()
	delete(m.provisioned, username)
	m.mu.Unlock()

	if !config.Cfg.DevMode {
		if _, err := runSojuctl(ctx, m.configPath, "user", "delete", username); err != nil {
			log.Printf("[bouncer] delete account %s: %v", username, err)
		}
	}

	userDir := m.UserDir(username)
	if err := os.RemoveAll(userDir); err != nil {
		return fmt.Errorf("%w: remove user dir: %v", ErrTransient, err)
	}
	return nil
}

func (m *Manager) markProvisioned(username string) {
	m.mu.Lock()
	m.provisioned[username] = true
	m.mu.Unlock()
}

// accountPassword returns the user's stored SASL password, generating and
// persisting an encrypted one on first provision so a wiped config can be
// re-rendered against the existing bouncer account.
func (m *Manager) accountPassword(username string) (string, error) {
	if u, err := database.GetUser(username); err == nil && u.BouncerPassword != "" {
		if pw, err := crypto.Decrypt(u.BouncerPassword); err == nil && pw != "" {
			return pw, nil
		}
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	password := hex.EncodeToString(buf)

	encrypted, err := crypto.Encrypt(password)
	if err != nil {
		return "", fmt.Errorf("encrypt password: %w", err)
	}
	if err := database.SetBouncerPassword(username, encrypted); err != nil {
		return "", fmt.Errorf("store password: %w", err)
	}
	return password, nil
}

// renderClientConfig produces the irssi config connecting through the
// bouncer with SASL, one chatnet per upstream network.
func (m *Manager) renderClientConfig(username, password string) string {
	host, port := splitAddr(m.sojuAddr)

	var b strings.Builder
	b.WriteString("chatnets = {\n")
	for _, n := range m.networks {
		fmt.Fprintf(&b, `  %s = {
    type = "IRC";
    sasl_mechanism = "PLAIN";
    sasl_username = "%s/%s";
    sasl_password = "%s";
  };
`, n.Name, username, n.Name, password)
	}
	b.WriteString("};\n\nservers = (")
	for i, n := range m.networks {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, `{
  address = "%s";
  port = %s;
  use_ssl = no;
  chatnet = "%s";
  autoconnect = yes;
}`, host, port, n.Name)
	}
	fmt.Fprintf(&b, `);

settings = {
  core = {
    real_name = "%s";
    user_name = "%s";
    nick = "%s";
  };
  "fe-text" = { term_charset = "UTF-8"; };
  "fe-common/core" = { term_charset = "UTF-8"; };
};
`, username, username, username)
	return b.String()
}

// classify sorts control-channel failures into retryable and fatal.
func classify(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "invalid"),
		strings.Contains(msg, "malformed"):
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	default:
		// Unreachable socket, timeout, bouncer restarting: worth a retry.
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
}

// splitAddr splits "host:port" with a default port, keeping bare IPv6
// addresses intact.
func splitAddr(addr string) (host, port string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, "6667"
	}
	return host, port
}
