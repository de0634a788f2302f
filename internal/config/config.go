package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Device   DeviceConfig `yaml:"device"`
	Link     LinkConfig   `yaml:"link"`
	Update   UpdateConfig `yaml:"update"`
	OTA      OTAConfig    `yaml:"ota"`
	LogLevel string       `yaml:"log_level"`
}

// DeviceConfig holds discovery and reconnection settings.
type DeviceConfig struct {
	NameFilter        string        `yaml:"name_filter"` // substring matched against advertised names
	ScanTimeout       time.Duration `yaml:"scan_timeout"`
	TokenPath         string        `yaml:"token_path"`
	MaxBackoff        int           `yaml:"max_backoff"` // seconds
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
}

// LinkConfig holds command session and initialization settings.
type LinkConfig struct {
	MTU              int           `yaml:"mtu"`
	QueryTimeout     time.Duration `yaml:"query_timeout"`
	InitPollInterval time.Duration `yaml:"init_poll_interval"`
	InitTimeout      time.Duration `yaml:"init_timeout"`
}

// UpdateConfig holds catalog and update sequencing settings.
type UpdateConfig struct {
	BaseURL              string        `yaml:"base_url"`
	APIVersion           string        `yaml:"api_version"`
	Token                string        `yaml:"token"` // release channel
	Compatibility        int           `yaml:"compatibility"`
	CheckTimeout         time.Duration `yaml:"check_timeout"`
	DownloadTimeout      time.Duration `yaml:"download_timeout"`
	MinBattery           int           `yaml:"min_battery"`
	WaitForCharge        bool          `yaml:"wait_for_charge"`
	RebootDelay          time.Duration `yaml:"reboot_delay"`
	LegacyRebootDelay    time.Duration `yaml:"legacy_reboot_delay"`
	LegacyFirmwarePrefix string        `yaml:"legacy_firmware_prefix"`
	CacheDir             string        `yaml:"cache_dir"`
	ReachabilityHost     string        `yaml:"reachability_host"` // host:port dialed before checking; empty disables
}

// OTAConfig holds firmware transfer settings.
type OTAConfig struct {
	BlockSize     int           `yaml:"block_size"`
	StatusTimeout time.Duration `yaml:"status_timeout"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "glasslink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		Device: DeviceConfig{
			ScanTimeout:       10 * time.Second,
			TokenPath:         filepath.Join(DefaultConfigDir(), "device.yaml"),
			MaxBackoff:        30,
			ReconnectAttempts: 10,
		},
		Link: LinkConfig{
			MTU:              20,
			QueryTimeout:     5 * time.Second,
			InitPollInterval: 200 * time.Millisecond,
			InitTimeout:      5 * time.Second,
		},
		Update: UpdateConfig{
			BaseURL:              "https://updates.glasslink.dev",
			APIVersion:           "v1",
			Token:                "stable",
			Compatibility:        1,
			CheckTimeout:         10 * time.Second,
			DownloadTimeout:      2 * time.Minute,
			MinBattery:           10,
			WaitForCharge:        true,
			RebootDelay:          5 * time.Second,
			LegacyRebootDelay:    15 * time.Second,
			LegacyFirmwarePrefix: "3.",
			CacheDir:             filepath.Join(home, ".cache", "glasslink"),
			ReachabilityHost:     "updates.glasslink.dev:443",
		},
		OTA: OTAConfig{
			BlockSize:     240,
			StatusTimeout: 10 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Device.TokenPath = expandTilde(cfg.Device.TokenPath)
	cfg.Update.CacheDir = expandTilde(cfg.Update.CacheDir)

	return cfg, nil
}

// WriteDefault writes the default config to the default path unless a file
// already exists there. It returns the path.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	header := "# glasslink configuration\n# Durations use Go syntax (5s, 200ms).\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.ScanTimeout <= 0 {
		return fmt.Errorf("device.scan_timeout must be > 0")
	}
	if c.Device.TokenPath == "" {
		return fmt.Errorf("device.token_path must not be empty")
	}
	if c.Device.MaxBackoff <= 0 {
		return fmt.Errorf("device.max_backoff must be > 0")
	}

	if c.Link.MTU < 1 || c.Link.MTU > 512 {
		return fmt.Errorf("link.mtu must be between 1 and 512, got %d", c.Link.MTU)
	}
	if c.Link.QueryTimeout <= 0 {
		return fmt.Errorf("link.query_timeout must be > 0")
	}
	if c.Link.InitPollInterval <= 0 {
		return fmt.Errorf("link.init_poll_interval must be > 0")
	}
	if c.Link.InitTimeout < c.Link.InitPollInterval {
		return fmt.Errorf("link.init_timeout must be at least link.init_poll_interval")
	}

	u, err := url.Parse(c.Update.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("update.base_url must be an http(s) URL, got %q", c.Update.BaseURL)
	}
	if c.Update.APIVersion == "" {
		return fmt.Errorf("update.api_version must not be empty")
	}
	if c.Update.Token == "" {
		return fmt.Errorf("update.token must not be empty")
	}
	if c.Update.MinBattery < 0 || c.Update.MinBattery > 100 {
		return fmt.Errorf("update.min_battery must be between 0 and 100, got %d", c.Update.MinBattery)
	}
	if c.Update.CheckTimeout <= 0 || c.Update.DownloadTimeout <= 0 {
		return fmt.Errorf("update.check_timeout and update.download_timeout must be > 0")
	}
	if c.Update.RebootDelay < 0 || c.Update.LegacyRebootDelay < 0 {
		return fmt.Errorf("update reboot delays must not be negative")
	}

	if c.OTA.BlockSize < 1 || c.OTA.BlockSize > 0xFFFF {
		return fmt.Errorf("ota.block_size must be between 1 and 65535, got %d", c.OTA.BlockSize)
	}
	if c.OTA.StatusTimeout <= 0 {
		return fmt.Errorf("ota.status_timeout must be > 0")
	}

	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}

// ParseLevel maps a log_level value to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log_level must be debug, info, warn, or error, got %q", level)
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
