package update

import (
	"context"
	"sync"
	"time"

	"github.com/chaz8081/glasslink/internal/ble"
)

// fakeDevice is a connected device with a settable battery level. Firmware
// transfers are replaced in coordinator tests, so it has no transport.
type fakeDevice struct {
	mu        sync.Mutex
	info      ble.DeviceInfo
	connected bool
	battery   int
	batteryCb func(int)
	enqueued  [][]byte
	flushErr  error
	acquired  int

	gone     chan struct{}
	goneOnce sync.Once
	goneAt   time.Time
}

func newFakeDevice(firmware, software string) *fakeDevice {
	return &fakeDevice{
		gone:      make(chan struct{}),
		connected: true,
		battery:   80,
		info: ble.DeviceInfo{
			Manufacturer:     "Acme Optics",
			Model:            "Lumen 2",
			Serial:           "SN12345",
			HardwareRevision: "hw-7",
			FirmwareRevision: firmware,
			SoftwareRevision: software,
		},
	}
}

func (d *fakeDevice) Connection() ble.Connection { return nil }

func (d *fakeDevice) Acquire(owner string) (func(), error) {
	d.mu.Lock()
	d.acquired++
	d.mu.Unlock()
	return func() {}, nil
}

func (d *fakeDevice) ExpectDisconnect() {}

func (d *fakeDevice) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDevice) Disconnected() <-chan struct{} { return d.gone }

// disconnect drops the link as a rebooting device does.
func (d *fakeDevice) disconnect() {
	d.goneOnce.Do(func() {
		d.mu.Lock()
		d.connected = false
		d.goneAt = time.Now()
		d.mu.Unlock()
		close(d.gone)
	})
}

func (d *fakeDevice) Info() ble.DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

func (d *fakeDevice) BatteryLevel() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.battery, nil
}

func (d *fakeDevice) SubscribeBattery(fn func(int)) (func(), error) {
	d.mu.Lock()
	d.batteryCb = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		d.batteryCb = nil
		d.mu.Unlock()
	}, nil
}

// setBattery changes the level and notifies any subscriber.
func (d *fakeDevice) setBattery(level int) {
	d.mu.Lock()
	d.battery = level
	cb := d.batteryCb
	d.mu.Unlock()
	if cb != nil {
		cb(level)
	}
}

func (d *fakeDevice) EnqueueRaw(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enqueued = append(d.enqueued, append([]byte(nil), data...))
	return nil
}

func (d *fakeDevice) Flush(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushErr
}

func (d *fakeDevice) commands() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.enqueued...)
}
