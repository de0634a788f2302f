package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var errInitFinished = errors.New("initialization already finished")

// InitOptions configures device initialization.
type InitOptions struct {
	PollInterval time.Duration // retry cadence for a failed discovery group
	Timeout      time.Duration // absolute deadline for readiness
	Logger       *slog.Logger
}

// DefaultInitOptions returns sensible defaults.
func DefaultInitOptions() InitOptions {
	return InitOptions{
		PollInterval: 200 * time.Millisecond,
		Timeout:      5 * time.Second,
	}
}

// initializer owns the readiness state machine for one connection.
type initializer struct {
	link *Link
	opts InitOptions
	log  *slog.Logger

	changed chan struct{}

	mu      sync.Mutex
	done    bool
	lastErr error
}

// Initialize discovers the command service, the device information service
// and the battery service concurrently, subscribes the command service's
// notify characteristics and waits until the readiness record is complete.
// Readiness is re-evaluated on every discovery event. If the device is not
// ready within opts.Timeout, ErrInitializationTimeout is returned, wrapping
// the last discovery error if any.
//
// Notifications received before a Session is attached are dropped.
func Initialize(ctx context.Context, conn Connection, opts InitOptions) (*Link, error) {
	def := DefaultInitOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	in := &initializer{
		link:    newLink(conn),
		opts:    opts,
		log:     log,
		changed: make(chan struct{}, 1),
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	log.Debug("[INIT] discovering", "device", conn.ID())
	go in.retry(ctx, "command service", in.discoverCommandService)
	go in.retry(ctx, "device information", in.discoverDeviceInfo)
	go in.retry(ctx, "battery", in.discoverBattery)

	for {
		if in.link.Readiness().Ready() {
			in.finish()
			log.Info("[INIT] device ready", "device", conn.ID(), "model", in.link.Info().Model)
			return in.link, nil
		}
		select {
		case <-in.changed:
		case <-ctx.Done():
			lastErr := in.finish()
			in.teardown()
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("ble: initialize: %w", ctx.Err())
			}
			log.Warn("[INIT] device not ready before deadline", "device", conn.ID(), "error", lastErr)
			if lastErr != nil {
				return nil, fmt.Errorf("%w: %w", ErrInitializationTimeout, lastErr)
			}
			return nil, ErrInitializationTimeout
		}
	}
}

// finish marks the state machine terminal; later discovery results have no
// effect. It returns the last discovery error.
func (in *initializer) finish() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.done = true
	return in.lastErr
}

func (in *initializer) finished() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.done
}

func (in *initializer) signal() {
	select {
	case in.changed <- struct{}{}:
	default:
	}
}

// retry runs a discovery group until it succeeds, the deadline passes or the
// state machine terminates.
func (in *initializer) retry(ctx context.Context, group string, discover func() error) {
	for {
		err := discover()
		if in.finished() {
			return
		}
		if err == nil {
			in.log.Debug("[INIT] discovered", "group", group)
			in.signal()
			return
		}
		in.mu.Lock()
		in.lastErr = fmt.Errorf("ble: discover %s: %w", group, err)
		in.mu.Unlock()
		in.log.Debug("[INIT] discovery failed, retrying", "group", group, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(in.opts.PollInterval):
		}
	}
}

func (in *initializer) discoverCommandService() error {
	l := in.link
	l.mu.RLock()
	rx, tx, flow := l.rx, l.tx, l.flow
	txOn, flowOn := l.txNotifying, l.flowNotifying
	l.mu.RUnlock()

	var err error
	if rx == nil {
		if rx, err = l.conn.DiscoverCharacteristic(CommandServiceUUID, RXCharUUID); err != nil {
			return err
		}
		l.mu.Lock()
		l.rx = rx
		l.mu.Unlock()
		in.signal()
	}
	if tx == nil {
		if tx, err = l.conn.DiscoverCharacteristic(CommandServiceUUID, TXCharUUID); err != nil {
			return err
		}
		l.mu.Lock()
		l.tx = tx
		l.mu.Unlock()
		in.signal()
	}
	if flow == nil {
		if flow, err = l.conn.DiscoverCharacteristic(CommandServiceUUID, FlowControlCharUUID); err != nil {
			return err
		}
		l.mu.Lock()
		l.flow = flow
		l.mu.Unlock()
		in.signal()
	}
	if !txOn {
		if err := in.subscribe(tx, l.onTX, &l.txNotifying); err != nil {
			return fmt.Errorf("subscribe TX: %w", err)
		}
		in.signal()
	}
	if !flowOn {
		if err := in.subscribe(flow, l.onFlow, &l.flowNotifying); err != nil {
			return fmt.Errorf("subscribe flow control: %w", err)
		}
	}
	return nil
}

// subscribe enables notifications on c and records it in *on. It holds
// in.mu so that finish, and the teardown after it, cannot run in between;
// once the state machine has ended nothing new is subscribed.
func (in *initializer) subscribe(c Characteristic, cb func([]byte), on *bool) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.done {
		return errInitFinished
	}
	if err := c.Subscribe(cb); err != nil {
		return err
	}
	in.link.mu.Lock()
	*on = true
	in.link.mu.Unlock()
	return nil
}

func (in *initializer) discoverDeviceInfo() error {
	l := in.link
	chars, err := l.conn.DiscoverCharacteristics(DeviceInfoServiceUUID)
	if err != nil {
		return err
	}
	byUUID := make(map[string]Characteristic, len(chars))
	for _, c := range chars {
		byUUID[strings.ToLower(c.UUID())] = c
	}

	l.mu.RLock()
	info := l.info
	l.mu.RUnlock()

	fields := []struct {
		uuid string
		dst  *string
	}{
		{ManufacturerUUID, &info.Manufacturer},
		{ModelNumberUUID, &info.Model},
		{SerialNumberUUID, &info.Serial},
		{HardwareRevisionUUID, &info.HardwareRevision},
		{FirmwareRevisionUUID, &info.FirmwareRevision},
		{SoftwareRevisionUUID, &info.SoftwareRevision},
	}
	var missing []string
	for _, f := range fields {
		if *f.dst != "" {
			continue
		}
		c, ok := byUUID[f.uuid]
		if !ok {
			missing = append(missing, f.uuid)
			continue
		}
		v, err := readString(c)
		if err != nil || v == "" {
			missing = append(missing, f.uuid)
			continue
		}
		*f.dst = v
	}

	l.mu.Lock()
	l.info = info
	l.mu.Unlock()
	in.signal()

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrCharacteristicNotFound, strings.Join(missing, ", "))
	}
	return nil
}

func (in *initializer) discoverBattery() error {
	c, err := in.link.conn.DiscoverCharacteristic(BatteryServiceUUID, BatteryLevelUUID)
	if err != nil {
		return err
	}
	in.link.mu.Lock()
	in.link.battery = c
	in.link.mu.Unlock()
	return nil
}

// teardown releases the notify subscriptions of a link that never became
// ready.
func (in *initializer) teardown() {
	l := in.link
	l.mu.Lock()
	tx, flow := l.tx, l.flow
	txOn, flowOn := l.txNotifying, l.flowNotifying
	l.txNotifying, l.flowNotifying = false, false
	l.mu.Unlock()
	if txOn {
		_ = tx.Unsubscribe()
	}
	if flowOn {
		_ = flow.Unsubscribe()
	}
}
