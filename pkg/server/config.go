package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ServerConfig holds the runtime configuration of the gateway.
type ServerConfig struct {
	HTTPAddr       string
	DatabasePath   string
	AllowedOrigins []string
	JWTSecret      string

	MaxMessageLength int   // bytes of message text
	MaxFrameBytes    int64 // largest inbound frame
	MessageRateLimit float64
	MessageBurst     int
	SendBuffer       int // queued outbound frames per session
	HistoryLimit     int

	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	HandlerTimeout time.Duration

	MetricsEnabled bool
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":3001",
		DatabasePath:     "~/.syntaxy/syntaxy.db",
		MaxMessageLength: 4000,
		MaxFrameBytes:    8 * 1024 * 1024, // inline media data URLs
		MessageRateLimit: 10,              // frames per second
		MessageBurst:     20,
		SendBuffer:       256,
		HistoryLimit:     100,
		WriteTimeout:     10 * time.Second,
		PingInterval:     54 * time.Second,
		PongTimeout:      60 * time.Second,
		HandlerTimeout:   10 * time.Second,
		MetricsEnabled:   true,
	}
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Auth    AuthSection    `toml:"auth"`
	Limits  LimitsSection  `toml:"limits"`
	Metrics MetricsSection `toml:"metrics"`
}

type ServerSection struct {
	HTTPAddr       string   `toml:"http_addr"`
	DatabasePath   string   `toml:"database_path"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type AuthSection struct {
	// Prefer JWT_SECRET in the environment or .env over this field.
	JWTSecret string `toml:"jwt_secret"`
}

type LimitsSection struct {
	MaxMessageLength    int     `toml:"max_message_length"`
	MaxFrameBytes       int64   `toml:"max_frame_bytes"`
	MessageRateLimit    float64 `toml:"message_rate_limit"`
	MessageBurst        int     `toml:"message_burst"`
	SendBuffer          int     `toml:"send_buffer"`
	HistoryLimit        int     `toml:"history_limit"`
	WriteTimeoutSeconds int     `toml:"write_timeout_seconds"`
}

type MetricsSection struct {
	Enabled bool `toml:"enabled"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	d := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			HTTPAddr:       d.HTTPAddr,
			DatabasePath:   d.DatabasePath,
			AllowedOrigins: []string{},
		},
		Limits: LimitsSection{
			MaxMessageLength:    d.MaxMessageLength,
			MaxFrameBytes:       d.MaxFrameBytes,
			MessageRateLimit:    d.MessageRateLimit,
			MessageBurst:        d.MessageBurst,
			SendBuffer:          d.SendBuffer,
			HistoryLimit:        d.HistoryLimit,
			WriteTimeoutSeconds: int(d.WriteTimeout / time.Second),
		},
		Metrics: MetricsSection{Enabled: true},
	}
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// Running with defaults is fine when the directory is read-only
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Syntaxy Gateway Configuration
# This file was auto-generated with default values
# Secrets belong in the environment (JWT_SECRET) or a .env file

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig. Zero values fall back to defaults.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if s := strings.TrimSpace(c.Server.HTTPAddr); s != "" {
		cfg.HTTPAddr = s
	}
	if s := strings.TrimSpace(c.Server.DatabasePath); s != "" {
		cfg.DatabasePath = s
	}
	if len(c.Server.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = c.Server.AllowedOrigins
	}
	if c.Auth.JWTSecret != "" {
		cfg.JWTSecret = c.Auth.JWTSecret
	}
	if c.Limits.MaxMessageLength > 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.MaxFrameBytes > 0 {
		cfg.MaxFrameBytes = c.Limits.MaxFrameBytes
	}
	if c.Limits.MessageRateLimit > 0 {
		cfg.MessageRateLimit = c.Limits.MessageRateLimit
	}
	if c.Limits.MessageBurst > 0 {
		cfg.MessageBurst = c.Limits.MessageBurst
	}
	if c.Limits.SendBuffer > 0 {
		cfg.SendBuffer = c.Limits.SendBuffer
	}
	if c.Limits.HistoryLimit > 0 {
		cfg.HistoryLimit = c.Limits.HistoryLimit
	}
	if c.Limits.WriteTimeoutSeconds > 0 {
		cfg.WriteTimeout = time.Duration(c.Limits.WriteTimeoutSeconds) * time.Second
	}
	cfg.MetricsEnabled = c.Metrics.Enabled

	return cfg
}

// ApplyEnv overrides file values with environment variables. getenv is
// os.Getenv in production.
func (c *ServerConfig) ApplyEnv(getenv func(string) string) {
	if v := getenv("JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := getenv("SYNTAXY_HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	} else if v := getenv("PORT"); v != "" {
		c.HTTPAddr = ":" + v
	}
	if v := getenv("SYNTAXY_DB"); v != "" {
		c.DatabasePath = v
	}
}

// GetDatabasePath returns the database path with ~ expanded
func (c *ServerConfig) GetDatabasePath() (string, error) {
	return expandHome(c.DatabasePath)
}

// Validate checks the values the server cannot run without.
func (c *ServerConfig) Validate() error {
	var problems []string
	if c.JWTSecret == "" {
		problems = append(problems, "jwt secret is not set (JWT_SECRET)")
	}
	if c.MaxMessageLength <= 0 {
		problems = append(problems, fmt.Sprintf("invalid max message length: %d", c.MaxMessageLength))
	}
	if c.MessageRateLimit <= 0 || c.MessageBurst <= 0 {
		problems = append(problems, "message rate limit and burst must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n  • %s", strings.Join(problems, "\n  • "))
	}
	return nil
}
