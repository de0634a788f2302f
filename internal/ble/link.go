package ble

import (
	"fmt"
	"strings"
	"sync"
)

// DeviceInfo holds the six Device Information strings the glasses must
// expose before they are considered usable.
type DeviceInfo struct {
	Manufacturer     string
	Model            string
	Serial           string
	HardwareRevision string
	FirmwareRevision string
	SoftwareRevision string
}

// complete reports whether every field is populated.
func (d DeviceInfo) complete() bool {
	return d.Manufacturer != "" && d.Model != "" && d.Serial != "" &&
		d.HardwareRevision != "" && d.FirmwareRevision != "" && d.SoftwareRevision != ""
}

// Readiness is a snapshot of the device readiness record.
type Readiness struct {
	HasRX          bool
	HasTX          bool
	HasFlowControl bool
	HasBattery     bool
	TXNotifying    bool
	FlowNotifying  bool
	Info           DeviceInfo
}

// Ready is true only when every required handle is present, both
// notify characteristics are notifying and every info field is populated.
func (r Readiness) Ready() bool {
	return r.HasRX && r.HasTX && r.HasFlowControl && r.HasBattery &&
		r.TXNotifying && r.FlowNotifying && r.Info.complete()
}

// Dispatcher receives the command service's notifications.
type Dispatcher interface {
	HandleNotification(data []byte)
	HandleFlowControl(data []byte)
}

type dropDispatcher struct{}

func (dropDispatcher) HandleNotification([]byte) {}
func (dropDispatcher) HandleFlowControl([]byte) {}

// Link is an initialized connection: the discovered command-service handles,
// the battery characteristic and the device information. Command-service
// notifications go to the installed Dispatcher, which drops them by default.
type Link struct {
	conn Connection

	mu            sync.RWMutex
	rx            Characteristic
	tx            Characteristic
	flow          Characteristic
	battery       Characteristic
	txNotifying   bool
	flowNotifying bool
	info          DeviceInfo
	dispatcher    Dispatcher
}

func newLink(conn Connection) *Link {
	return &Link{conn: conn, dispatcher: dropDispatcher{}}
}

// Connection returns the underlying transport connection.
func (l *Link) Connection() Connection { return l.conn }

// RX returns the command write characteristic.
func (l *Link) RX() Characteristic {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rx
}

// Info returns the device information read during initialization.
func (l *Link) Info() DeviceInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.info
}

// Readiness returns the current readiness record.
func (l *Link) Readiness() Readiness {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Readiness{
		HasRX:          l.rx != nil,
		HasTX:          l.tx != nil,
		HasFlowControl: l.flow != nil,
		HasBattery:     l.battery != nil,
		TXNotifying:    l.txNotifying,
		FlowNotifying:  l.flowNotifying,
		Info:           l.info,
	}
}

// SetDispatcher installs d as the notification target and returns a func
// restoring the previous one. A nil d installs the dropping dispatcher.
func (l *Link) SetDispatcher(d Dispatcher) (restore func()) {
	if d == nil {
		d = dropDispatcher{}
	}
	l.mu.Lock()
	prev := l.dispatcher
	l.dispatcher = d
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.dispatcher == d {
				l.dispatcher = prev
			}
			l.mu.Unlock()
		})
	}
}

func (l *Link) currentDispatcher() Dispatcher {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dispatcher
}

func (l *Link) onTX(data []byte) { l.currentDispatcher().HandleNotification(data) }
func (l *Link) onFlow(data []byte) { l.currentDispatcher().HandleFlowControl(data) }

// BatteryLevel reads the battery level characteristic (0-100).
func (l *Link) BatteryLevel() (int, error) {
	l.mu.RLock()
	c := l.battery
	l.mu.RUnlock()
	if c == nil {
		return 0, fmt.Errorf("ble: battery level: %w", ErrCharacteristicNotFound)
	}
	data, err := c.Read()
	if err != nil {
		return 0, fmt.Errorf("ble: read battery level: %w", err)
	}
	return parseBatteryLevel(data)
}

// SubscribeBattery delivers every battery level notification to fn until
// the returned cancel func is called.
func (l *Link) SubscribeBattery(fn func(level int)) (cancel func(), err error) {
	l.mu.RLock()
	c := l.battery
	l.mu.RUnlock()
	if c == nil {
		return nil, fmt.Errorf("ble: battery level: %w", ErrCharacteristicNotFound)
	}
	err = c.Subscribe(func(data []byte) {
		if level, err := parseBatteryLevel(data); err == nil {
			fn(level)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("ble: subscribe battery level: %w", err)
	}
	var once sync.Once
	return func() { once.Do(func() { _ = c.Unsubscribe() }) }, nil
}

func parseBatteryLevel(data []byte) (int, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("ble: empty battery level")
	}
	if data[0] > 100 {
		return 0, fmt.Errorf("ble: battery level %d out of range", data[0])
	}
	return int(data[0]), nil
}

// readString reads a characteristic as a trimmed string. Device Information
// strings are often NUL padded.
func readString(c Characteristic) (string, error) {
	data, err := c.Read()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.TrimRight(string(data), "\x00")), nil
}
