package client

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the client config file
type TOMLConfig struct {
	Connection ConnectionSection `toml:"connection"`
	Local      LocalSection      `toml:"local"`
	Cache      CacheSection      `toml:"cache"`
	UI         UISection         `toml:"ui"`
}

type ConnectionSection struct {
	ServerURL     string `toml:"server_url"`
	Token         string `toml:"token"` // prefer SYNTAXY_TOKEN in the environment
	AutoReconnect bool   `toml:"auto_reconnect"`
	MaxAttempts   int    `toml:"max_attempts"`
}

type LocalSection struct {
	StateDB string `toml:"state_db"`
}

type CacheSection struct {
	SaveDebounceMS     int `toml:"save_debounce_ms"`
	SettingsDebounceMS int `toml:"settings_debounce_ms"`
	CompressWorkers    int `toml:"compress_workers"`
}

type UISection struct {
	ShowTimestamps  bool   `toml:"show_timestamps"`
	TimestampFormat string `toml:"timestamp_format"` // 'relative' or 'absolute'
	Notifications   bool   `toml:"notifications"`
}

// ConfigError represents a structured configuration error
type ConfigError struct {
	Path       string
	Message    string
	LineNumber int // 0 if not a parse error
}

func (e *ConfigError) Error() string {
	if e.LineNumber > 0 {
		return fmt.Sprintf("%s (line %d)", e.Message, e.LineNumber)
	}
	return e.Message
}

// getXDGDataHome returns the XDG data directory
func getXDGDataHome() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return xdg
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".local", "share")
}

// DefaultConfigPath returns the XDG location of the client config file.
func DefaultConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "syntaxy", "client.toml")
	}
	return "~/.config/syntaxy/client.toml"
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Connection: ConnectionSection{
			ServerURL:     "http://localhost:3001",
			AutoReconnect: true,
			MaxAttempts:   MaxReconnectAttempts,
		},
		Local: LocalSection{
			StateDB: filepath.Join(getXDGDataHome(), "syntaxy", "state.db"),
		},
		Cache: CacheSection{
			SaveDebounceMS:     int(DefaultSaveWindow / time.Millisecond),
			SettingsDebounceMS: int(DefaultSettingsWindow / time.Millisecond),
			CompressWorkers:    4,
		},
		UI: UISection{
			ShowTimestamps:  true,
			TimestampFormat: "relative",
			Notifications:   true,
		},
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

// LoadClientConfig loads configuration from a TOML file, creates default if not found
func LoadClientConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// An unwritable config dir is not fatal; run on defaults.
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	// Start from defaults so sections missing from the file keep them
	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, &ConfigError{
			Path:       path,
			Message:    cleanErrorMessage(err.Error()),
			LineNumber: extractLineNumber(err.Error()),
		}
	}

	if err := validateConfig(&config); err != nil {
		return TOMLConfig{}, &ConfigError{Path: path, Message: err.Error()}
	}
	return config, nil
}

// ApplyEnv overrides file values with SYNTAXY_SERVER_URL and SYNTAXY_TOKEN.
func (c *TOMLConfig) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("SYNTAXY_SERVER_URL")); v != "" {
		c.Connection.ServerURL = v
	}
	if v := strings.TrimSpace(os.Getenv("SYNTAXY_TOKEN")); v != "" {
		c.Connection.Token = v
	}
}

// extractLineNumber tries to extract a line number from a TOML parse error
func extractLineNumber(errMsg string) int {
	re := regexp.MustCompile(`line (\d+)`)
	matches := re.FindStringSubmatch(errMsg)
	if len(matches) > 1 {
		if num, err := strconv.Atoi(matches[1]); err == nil {
			return num
		}
	}
	return 0
}

func cleanErrorMessage(errMsg string) string {
	return strings.TrimPrefix(errMsg, "toml: ")
}

func validateConfig(config *TOMLConfig) error {
	var errors []string

	if u, err := url.Parse(config.Connection.ServerURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errors = append(errors, fmt.Sprintf("Invalid server url: %q (must be http:// or https://)", config.Connection.ServerURL))
	}
	if config.Connection.MaxAttempts < 1 {
		errors = append(errors, "Max reconnect attempts must be at least 1")
	}
	if config.Cache.SaveDebounceMS < 0 || config.Cache.SettingsDebounceMS < 0 {
		errors = append(errors, "Debounce windows cannot be negative")
	}
	if config.UI.TimestampFormat != "" && config.UI.TimestampFormat != "relative" && config.UI.TimestampFormat != "absolute" {
		errors = append(errors, fmt.Sprintf("Invalid timestamp format: %q (must be 'relative' or 'absolute')", config.UI.TimestampFormat))
	}
	if strings.TrimSpace(config.Local.StateDB) == "" {
		errors = append(errors, "State database path cannot be empty")
	}

	if len(errors) > 0 {
		return fmt.Errorf("Configuration validation failed:\n  • %s", strings.Join(errors, "\n  • "))
	}
	return nil
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

	header := `# Syntaxy Client Configuration
# This file was auto-generated with default values
# Edit as needed - changes take effect on next client start

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// GetStateDBPath returns the state database path with ~ expanded
func (c *TOMLConfig) GetStateDBPath() (string, error) {
	return expandHome(c.Local.StateDB)
}

// CacheOptions converts the [cache] section.
func (c *TOMLConfig) CacheOptions() CacheOptions {
	return CacheOptions{
		SaveWindow:     time.Duration(c.Cache.SaveDebounceMS) * time.Millisecond,
		SettingsWindow: time.Duration(c.Cache.SettingsDebounceMS) * time.Millisecond,
	}
}
