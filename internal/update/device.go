package update

import (
	"context"

	"github.com/chaz8081/glasslink/internal/ble"
	"github.com/chaz8081/glasslink/internal/ota"
)

// Device is the connected glasses as seen by the updater.
type Device interface {
	ota.Target
	Connected() bool
	// Disconnected is closed once the link is gone.
	Disconnected() <-chan struct{}
	Info() ble.DeviceInfo
	BatteryLevel() (int, error)
	SubscribeBattery(fn func(level int)) (cancel func(), err error)
	EnqueueRaw(data []byte) error
	Flush(ctx context.Context) error
}

// Reconnector re-establishes the session after the device reboots.
type Reconnector func(ctx context.Context) (Device, error)

// SessionDevice adapts a *ble.Session to Device.
type SessionDevice struct {
	*ble.Session
}

// NewSessionDevice wraps s.
func NewSessionDevice(s *ble.Session) SessionDevice { return SessionDevice{Session: s} }

func (d SessionDevice) Info() ble.DeviceInfo { return d.Link().Info() }

func (d SessionDevice) BatteryLevel() (int, error) { return d.Link().BatteryLevel() }

func (d SessionDevice) SubscribeBattery(fn func(level int)) (func(), error) {
	return d.Link().SubscribeBattery(fn)
}

var _ Device = SessionDevice{}
