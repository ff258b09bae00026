package config

import (
	"log"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	Port      int    `envconfig:"PORT" default:"3001"`
	DataPath  string `envconfig:"DATA_PATH" default:"./data"`
	PublicDir string `envconfig:"PUBLIC_DIR" default:"./public"`

	// Cloudflare Access identity
	CFTeamDomain string        `envconfig:"CF_TEAM_DOMAIN" default:""`
	CFAud        string        `envconfig:"CF_AUD" default:""`
	JWKSCacheTTL time.Duration `envconfig:"JWKS_CACHE_TTL" default:"6h"`

	// Dev mode skips JWT validation entirely.
	DevMode bool   `envconfig:"DEV_MODE" default:"false"`
	DevUser string `envconfig:"DEV_USER" default:"devuser"`

	// Comma-separated usernames granted admin.
	AdminUsers string `envconfig:"ADMIN_USERS" default:""`

	// Bouncer (soju)
	SojuAddr       string `envconfig:"SOJU_ADDR" default:"soju:6667"`
	SojuConfig     string `envconfig:"SOJU_CONFIG" default:"/etc/soju/config"`
	IRCAddr        string `envconfig:"IRC_ADDR" default:"irc+insecure://irc.libera.chat"`
	IRCNetworkName string `envconfig:"IRC_NETWORK_NAME" default:"libera"`
	// Optional YAML file declaring additional upstream networks.
	IRCNetworksFile string `envconfig:"IRC_NETWORKS_FILE" default:""`

	// Terminal runtime (ttyd)
	TTYDBasePort int `envconfig:"TTYD_BASE_PORT" default:"7100"`
	TTYDPortSpan int `envconfig:"TTYD_PORT_SPAN" default:"1000"`

	// Session lifecycle
	IdleTimeout      time.Duration `envconfig:"IDLE_TIMEOUT" default:"2h"`
	ReadyTimeout     time.Duration `envconfig:"READY_TIMEOUT" default:"5s"`
	ProvisionRetries int           `envconfig:"PROVISION_RETRIES" default:"3"`
	ProvisionBackoff time.Duration `envconfig:"PROVISION_BACKOFF" default:"500ms"`

	// Registry
	DefaultMaxUsers int `envconfig:"DEFAULT_MAX_USERS" default:"50"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("WEBIRC", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// AdminSet parses AdminUsers into a lookup set of normalized usernames.
func (s Settings) AdminSet() map[string]bool {
	set := make(map[string]bool)
	for _, u := range strings.Split(s.AdminUsers, ",") {
		u = strings.ToLower(strings.TrimSpace(u))
		if u != "" {
			set[u] = true
		}
	}
	return set
}
