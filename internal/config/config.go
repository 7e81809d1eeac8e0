package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"portal/internal/constants"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Sync      SyncConfig      `yaml:"sync"`
	Log       LogConfig       `yaml:"log"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	BaseURL string `yaml:"base_url"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	JWTSecret      string        `yaml:"jwt_secret"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
}

// SyncConfig holds the cadences and thresholds of the conversation engine.
// The three poll intervals are independent timers, not a shared clock.
type SyncConfig struct {
	ThreadPollInterval    time.Duration `yaml:"thread_poll_interval"`
	UnreadPollInterval    time.Duration `yaml:"unread_poll_interval"`
	DashboardPollInterval time.Duration `yaml:"dashboard_poll_interval"`
	NearBottomThreshold   float64       `yaml:"near_bottom_threshold"`
	AttachmentMaxBytes    int64         `yaml:"attachment_max_bytes"`
	RelayBuffer           int           `yaml:"relay_buffer"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
	// UpstreamURL points views at a remote portal API instead of the local database.
	UpstreamURL   string `yaml:"upstream_url"`
	UpstreamToken string `yaml:"upstream_token"`
}

type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

type WebSocketConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	CommandRate    float64  `yaml:"command_rate"`  // commands per second
	CommandBurst   int      `yaml:"command_burst"` // burst allowance
}

// Load reads the YAML file at path. A .env file next to the working directory
// is loaded first so its values can feed the PORTAL_* overrides.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.setDefaults()

	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PORTAL_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("PORTAL_DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("PORTAL_UPSTREAM_URL"); v != "" {
		c.Sync.UpstreamURL = v
	}
	if v := os.Getenv("PORTAL_UPSTREAM_TOKEN"); v != "" {
		c.Sync.UpstreamToken = v
	}
	if v := os.Getenv("PORTAL_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if c.Sync.AttachmentMaxBytes < 0 {
		return fmt.Errorf("sync.attachment_max_bytes must be >= 0")
	}
	if c.Sync.NearBottomThreshold < 0 {
		return fmt.Errorf("sync.near_bottom_threshold must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Name == "" {
		c.Server.Name = "School Portal"
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = fmt.Sprintf("http://%s:%d", c.Server.Host, c.Server.Port)
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data/portal.db"
	}
	if c.Auth.AccessTokenTTL == 0 {
		c.Auth.AccessTokenTTL = 12 * time.Hour
	}
	if c.Sync.ThreadPollInterval == 0 {
		c.Sync.ThreadPollInterval = constants.DefaultThreadPollInterval
	}
	if c.Sync.UnreadPollInterval == 0 {
		c.Sync.UnreadPollInterval = constants.DefaultUnreadPollInterval
	}
	if c.Sync.DashboardPollInterval == 0 {
		c.Sync.DashboardPollInterval = constants.DefaultDashboardPollInterval
	}
	if c.Sync.NearBottomThreshold == 0 {
		c.Sync.NearBottomThreshold = constants.DefaultNearBottomThreshold
	}
	if c.Sync.AttachmentMaxBytes == 0 {
		c.Sync.AttachmentMaxBytes = constants.DefaultAttachmentMaxBytes
	}
	if c.Sync.RelayBuffer == 0 {
		c.Sync.RelayBuffer = constants.RelaySubscriberBufferSize
	}
	if c.Sync.RequestTimeout == 0 {
		c.Sync.RequestTimeout = constants.DefaultRequestTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.WebSocket.CommandRate == 0 {
		c.WebSocket.CommandRate = 5
	}
	if c.WebSocket.CommandBurst == 0 {
		c.WebSocket.CommandBurst = 10
	}
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
