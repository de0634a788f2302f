package ble

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// maxBackoffShift bounds the exponent so 1<<attempt cannot overflow.
const maxBackoffShift = 30

// backoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	max := time.Duration(maxSeconds) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// ConnectOptions configures Open and Reconnect.
type ConnectOptions struct {
	MaxBackoff  int // max reconnect backoff in seconds (default 30)
	MaxAttempts int // 0 retries until ctx is done
	Init        InitOptions
	Session     SessionOptions
}

// DefaultConnectOptions returns sensible defaults.
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{
		MaxBackoff: 30,
		Init:       DefaultInitOptions(),
		Session:    DefaultSessionOptions(),
	}
}

// Open connects to the device with the given id, initializes it and
// attaches a command session.
func Open(ctx context.Context, adapter Adapter, id string, opts ConnectOptions) (*Session, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}
	conn, err := adapter.Connect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w", id, err)
	}
	link, err := Initialize(ctx, conn, opts.Init)
	if err != nil {
		_ = conn.Disconnect()
		return nil, fmt.Errorf("ble: initialize %s: %w", id, err)
	}
	slog.Info("[BLE] connected", "device", id)
	return NewSession(link, opts.Session), nil
}

// Reconnect opens a session to a previously seen device, retrying with
// exponential backoff. The first attempt is immediate.
func Reconnect(ctx context.Context, adapter Adapter, tok Token, opts ConnectOptions) (*Session, error) {
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30
	}
	var lastErr error
	for attempt := 0; opts.MaxAttempts <= 0 || attempt < opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, opts.MaxBackoff)
			slog.Info("[BLE] reconnect backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("ble: reconnect to %s: %w", tok.ID, ctx.Err())
			case <-time.After(delay):
			}
		}

		s, err := Open(ctx, adapter, tok.ID, opts)
		if err == nil {
			slog.Info("[BLE] reconnected", "device", tok.ID, "name", tok.Name)
			return s, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ble: reconnect to %s: %w", tok.ID, ctx.Err())
		}
		slog.Warn("[BLE] reconnect failed", "error", err, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("ble: reconnect to %s: giving up after %d attempts: %w", tok.ID, opts.MaxAttempts, lastErr)
}

// ScanForDevices scans for glasses advertising the command service.
func ScanForDevices(adapter Adapter, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	devices, err := adapter.Scan(ctx, CommandServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}
