package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Identity and target server. Names match the legacy deployment's .env.
	Identity        string `envconfig:"MC_EMAIL"`
	ServerAddress   string `envconfig:"MC_SERVER_IP"`
	CredentialCache string `envconfig:"CREDENTIAL_CACHE" default:".cache/credentials.json"`

	// Identity provider token endpoint
	AuthURL          string `envconfig:"AUTH_URL" default:"http://localhost:8765/token"`
	AuthClientSecret string `envconfig:"AUTH_CLIENT_SECRET"`

	// Protocol gateway
	GatewayURL  string        `envconfig:"GATEWAY_URL" default:"ws://localhost:25580/ws"`
	SendTimeout time.Duration `envconfig:"SEND_TIMEOUT" default:"10s"`

	// Count-then-announce behavior
	Threshold       uint   `envconfig:"CHAT_INTERVAL" default:"100"`
	AnnouncePrefix  string `envconfig:"ANNOUNCE_PREFIX" default:"Cat Fact: "`
	IgnoredPrefixes string `envconfig:"IGNORED_PREFIXES" default:"&d,&5"` // whisper/command channel markers
	ProgressEvery   uint64 `envconfig:"PROGRESS_EVERY" default:"50"`

	// Session resilience
	PollInterval     time.Duration `envconfig:"WATCHDOG_POLL_INTERVAL" default:"5s"`
	StaleAfter       time.Duration `envconfig:"WATCHDOG_STALE_AFTER" default:"30s"`
	Backoff          time.Duration `envconfig:"RECONNECT_BACKOFF" default:"30s"`
	ResetOnReconnect bool          `envconfig:"RESET_ON_RECONNECT" default:"false"`

	// Fact store
	FactsDBPath   string `envconfig:"FACTS_DB_PATH" default:"/data/catfacts.db"`
	FactsSeedPath string `envconfig:"FACTS_SEED_PATH"`

	// Pending submissions older than PendingRetention are pruned every RetentionInterval.
	PendingRetention  time.Duration `envconfig:"PENDING_RETENTION" default:"720h"`
	RetentionInterval time.Duration `envconfig:"RETENTION_INTERVAL" default:"1h"`

	// HTTP API
	HTTPAddr       string        `envconfig:"HTTP_ADDR" default:":8080"`
	APIKey         string        `envconfig:"API_KEY"`
	SubmitCooldown time.Duration `envconfig:"SUBMIT_COOLDOWN" default:"10m"`

	// Slack review channel (optional; submissions are not announced without it)
	SlackBotToken      string `envconfig:"SLACK_BOT_TOKEN"`
	SlackSigningSecret string `envconfig:"SLACK_SIGNING_SECRET"`
	SlackReviewChannel string `envconfig:"SLACK_REVIEW_CHANNEL"`
}

// SlackEnabled returns true if the review channel is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackReviewChannel != ""
}

// IgnoredPrefixList returns the parsed list of reserved chat markers.
func (c *Config) IgnoredPrefixList() []string {
	if c.IgnoredPrefixes == "" {
		return nil
	}
	parts := strings.Split(c.IgnoredPrefixes, ",")
	prefixes := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			prefixes = append(prefixes, p)
		}
	}
	return prefixes
}

// Validate checks the invariants the supervisor relies on.
func (c *Config) Validate() error {
	if c.Identity == "" {
		return fmt.Errorf("MC_EMAIL is required")
	}
	if c.ServerAddress == "" {
		return fmt.Errorf("MC_SERVER_IP is required")
	}
	if c.Threshold < 1 {
		return fmt.Errorf("CHAT_INTERVAL must be >= 1, got %d", c.Threshold)
	}
	if c.PollInterval <= 0 || c.StaleAfter <= 0 || c.Backoff <= 0 {
		return fmt.Errorf("watchdog and backoff durations must be positive")
	}
	if c.PollInterval > c.StaleAfter {
		return fmt.Errorf("WATCHDOG_POLL_INTERVAL (%s) must not exceed WATCHDOG_STALE_AFTER (%s)", c.PollInterval, c.StaleAfter)
	}
	return nil
}

// Load reads an optional .env file, then configuration from environment variables.
func Load() (*Config, error) {
	// A missing .env is normal in containers; real env vars always win.
	_ = godotenv.Load()
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix and validates it.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
