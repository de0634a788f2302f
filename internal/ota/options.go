package ota

import (
	"log/slog"
	"time"
)

// DefaultBlockSize is the patch block size used unless configured.
const DefaultBlockSize = 240

// Progress reports how far a transfer has advanced.
type Progress struct {
	Stage       Stage
	Block       int // blocks acknowledged so far
	TotalBlocks int
	BytesSent   int
	TotalBytes  int
	Percent     int // 0-100
}

// ProgressCallback is called from the orchestrator's goroutine; it should
// return quickly.
type ProgressCallback func(Progress)

// Config holds the orchestrator configuration.
type Config struct {
	// BlockSize bounds the bytes sent per patch-length negotiation.
	BlockSize int

	// StatusTimeout bounds each wait for a status notification.
	StatusTimeout time.Duration

	// Progress is called after each stage and acknowledged block (optional).
	Progress ProgressCallback

	// Logger is used for logging operations (optional).
	Logger *slog.Logger
}

func defaultConfig() Config {
	return Config{
		BlockSize:     DefaultBlockSize,
		StatusTimeout: 10 * time.Second,
	}
}

// Option is a functional option for configuring the Orchestrator.
type Option func(*Config)

// WithBlockSize sets the patch block size. Non-positive values and sizes
// that do not fit the 16-bit patch length are ignored.
func WithBlockSize(size int) Option {
	return func(c *Config) {
		if size > 0 && size <= 0xFFFF {
			c.BlockSize = size
		}
	}
}

// WithStatusTimeout sets how long to wait for each status notification.
func WithStatusTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.StatusTimeout = timeout
		}
	}
}

// WithProgress sets a callback to track transfer progress.
func WithProgress(cb ProgressCallback) Option {
	return func(c *Config) {
		c.Progress = cb
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
