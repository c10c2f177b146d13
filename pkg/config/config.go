package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

//go:embed config.toml.sample
var configTemplate string

// Config is the daemon configuration. Values come from built-in defaults,
// then the TOML file, then WOLFWARDEN_* environment variables (highest
// precedence).
type Config struct {
	BindAddr          string   `toml:"bind_addr" env:"BIND_ADDR"`
	StorageDir        string   `toml:"storage_dir" env:"STORAGE_DIR"`
	HeartbeatInterval Duration `toml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	SubscriberBuffer  int      `toml:"subscriber_buffer" env:"SUBSCRIBER_BUFFER"`
	RetainRawEvents   bool     `toml:"retain_raw_events" env:"RETAIN_RAW_EVENTS"`

	Upstream UpstreamConfig `toml:"upstream" envPrefix:"UPSTREAM_"`
	Auth     AuthConfig     `toml:"auth" envPrefix:"AUTH_"`
}

// UpstreamConfig describes the host process reachable over a Unix socket.
type UpstreamConfig struct {
	SocketPath     string   `toml:"socket_path" env:"SOCKET_PATH"`
	EventsPath     string   `toml:"events_path" env:"EVENTS_PATH"`
	ConnectTimeout Duration `toml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	ReadTimeout    Duration `toml:"read_timeout" env:"READ_TIMEOUT"`
	RetryAttempts  int      `toml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryBaseDelay Duration `toml:"retry_base_delay" env:"RETRY_BASE_DELAY"`
	RetryMaxDelay  Duration `toml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
}

// AuthConfig selects how stream requests resolve the user identity.
// Mode "header" trusts the X-Warden-User header (local deployments behind a
// trusted proxy); mode "jwt" verifies an HS256 bearer token and reads the
// subject claim.
type AuthConfig struct {
	Mode      string `toml:"mode" env:"MODE"`
	JWTSecret string `toml:"jwt_secret" env:"JWT_SECRET"`
}

// Duration wraps time.Duration so TOML and env values can use "500ms" syntax.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Default returns the built-in configuration.
func Default() (*Config, error) {
	storageDir, err := GetDefaultStorageDir()
	if err != nil {
		return nil, err
	}
	return &Config{
		BindAddr:          "127.0.0.1:8484",
		StorageDir:        storageDir,
		HeartbeatInterval: Duration{15 * time.Second},
		SubscriberBuffer:  64,
		Upstream: UpstreamConfig{
			SocketPath:     "/var/run/wolf/wolf.sock",
			EventsPath:     "/api/v1/events",
			ConnectTimeout: Duration{2 * time.Second},
			ReadTimeout:    Duration{10 * time.Second},
			RetryAttempts:  3,
			RetryBaseDelay: Duration{500 * time.Millisecond},
			RetryMaxDelay:  Duration{30 * time.Second},
		},
		Auth: AuthConfig{Mode: "header"},
	}, nil
}

// Load reads the config file (if present), applies environment overrides,
// and validates the result.
func Load(configPath string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	if _, statErr := os.Stat(configPath); statErr == nil {
		data, readErr := os.ReadFile(configPath)
		if readErr != nil {
			return nil, fmt.Errorf("reading config file: %w", readErr)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshaling config: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "WOLFWARDEN_"}); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("bind_addr is required")
	}
	if c.Upstream.SocketPath == "" {
		return fmt.Errorf("upstream.socket_path is required")
	}
	if c.Upstream.RetryAttempts < 1 {
		return fmt.Errorf("upstream.retry_attempts must be at least 1")
	}
	if c.HeartbeatInterval.Duration <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("subscriber_buffer must be positive")
	}
	switch c.Auth.Mode {
	case "header":
	case "jwt":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth.mode is jwt")
		}
	default:
		return fmt.Errorf("auth.mode must be %q or %q, got %q", "header", "jwt", c.Auth.Mode)
	}
	return nil
}

// SaveTemplate writes the annotated sample config with the resolved storage
// directory substituted in.
func (c *Config) SaveTemplate(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	template := strings.Replace(configTemplate, "/home/user/.local/share/wolfwarden", c.StorageDir, 1)
	return os.WriteFile(configPath, []byte(template), 0644)
}

// GetDefaultConfigPath returns the XDG-style location of the config file.
func GetDefaultConfigPath() (string, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "wolfwarden", "config.toml"), nil
}

// GetDefaultStorageDir returns the XDG-style data directory for databases.
func GetDefaultStorageDir() (string, error) {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	dir := filepath.Join(dataDir, "wolfwarden")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating storage directory: %w", err)
	}
	return dir, nil
}
