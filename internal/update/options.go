package update

import (
	"log/slog"
	"time"

	"github.com/chaz8081/glasslink/internal/download"
	"github.com/chaz8081/glasslink/internal/ota"
)

// Defaults for the coordinator configuration.
const (
	DefaultMinBattery        = 10
	DefaultRebootDelay       = 5 * time.Second
	DefaultLegacyRebootDelay = 15 * time.Second
	DefaultLegacyPrefix      = "3."
	DefaultDisconnectTimeout = 10 * time.Second
)

// Pinned is a firmware image supplied by the caller instead of the catalog.
type Pinned struct {
	Version string
	Image   []byte
}

// Config holds the coordinator configuration.
type Config struct {
	// MinBattery is the battery percentage required to proceed.
	MinBattery int

	// WaitForCharge pauses on low battery instead of failing with
	// ErrLowBattery.
	WaitForCharge bool

	// DisconnectTimeout bounds the wait for the device to drop the link
	// after the reboot command.
	DisconnectTimeout time.Duration

	// RebootDelay is waited after the device disconnects for its reboot.
	// Devices whose firmware version starts with LegacyPrefix wait
	// LegacyRebootDelay instead.
	RebootDelay       time.Duration
	LegacyRebootDelay time.Duration
	LegacyPrefix      string

	// AutoAuthorize skips the authorization prompt.
	AutoAuthorize bool

	// SkipConfiguration stops after the firmware phase.
	SkipConfiguration bool

	// Firmware pins the image to flash (optional).
	Firmware *Pinned

	// Cache stores downloaded artifacts (optional).
	Cache *download.Cache

	// Listener receives every state change (optional). It is called from the
	// coordinator's goroutine and should return quickly.
	Listener func(Event)

	// OTA options passed to the firmware orchestrator.
	OTA []ota.Option

	// Logger is used for logging operations (optional).
	Logger *slog.Logger
}

func defaultConfig() Config {
	return Config{
		MinBattery:        DefaultMinBattery,
		WaitForCharge:     true,
		RebootDelay:       DefaultRebootDelay,
		LegacyRebootDelay: DefaultLegacyRebootDelay,
		LegacyPrefix:      DefaultLegacyPrefix,
		DisconnectTimeout: DefaultDisconnectTimeout,
	}
}

// Option is a functional option for configuring the Coordinator.
type Option func(*Config)

// WithMinBattery sets the battery threshold (0-100).
func WithMinBattery(percent int) Option {
	return func(c *Config) {
		if percent >= 0 && percent <= 100 {
			c.MinBattery = percent
		}
	}
}

// WithWaitForCharge selects whether low battery pauses or fails.
func WithWaitForCharge(wait bool) Option {
	return func(c *Config) { c.WaitForCharge = wait }
}

// WithRebootDelays sets the normal and legacy reboot delays and the
// firmware version prefix identifying legacy devices.
func WithRebootDelays(normal, legacy time.Duration, legacyPrefix string) Option {
	return func(c *Config) {
		if normal >= 0 {
			c.RebootDelay = normal
		}
		if legacy >= 0 {
			c.LegacyRebootDelay = legacy
		}
		c.LegacyPrefix = legacyPrefix
	}
}

// WithAutoAuthorize skips the authorization prompt.
func WithAutoAuthorize() Option {
	return func(c *Config) { c.AutoAuthorize = true }
}

// WithoutConfiguration skips the configuration phase.
func WithoutConfiguration() Option {
	return func(c *Config) { c.SkipConfiguration = true }
}

// WithFirmware pins the firmware image to flash.
func WithFirmware(version string, image []byte) Option {
	return func(c *Config) { c.Firmware = &Pinned{Version: version, Image: image} }
}

// WithCache stores downloads in cache.
func WithCache(cache *download.Cache) Option {
	return func(c *Config) { c.Cache = cache }
}

// WithListener sets the state listener.
func WithListener(fn func(Event)) Option {
	return func(c *Config) { c.Listener = fn }
}

// WithOTAOptions passes options to the firmware orchestrator.
func WithOTAOptions(opts ...ota.Option) Option {
	return func(c *Config) { c.OTA = append(c.OTA, opts...) }
}

// WithDisconnectTimeout bounds the wait for the reboot disconnect.
func WithDisconnectTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.DisconnectTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}
