package ota

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/chaz8081/glasslink/internal/ble"
)

// fakeChar is a SUOTA characteristic backed by a fakeDevice.
type fakeChar struct {
	dev   *fakeDevice
	uuid  string
	value []byte
}

func (c *fakeChar) UUID() string { return c.uuid }

func (c *fakeChar) Read() ([]byte, error) {
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()
	if err := c.dev.readErr[c.uuid]; err != nil {
		return nil, err
	}
	return append([]byte(nil), c.value...), nil
}

func (c *fakeChar) Write(data []byte) error {
	return c.dev.write(c.uuid, data, true)
}

func (c *fakeChar) WriteWithoutResponse(data []byte) error {
	return c.dev.write(c.uuid, data, false)
}

func (c *fakeChar) Subscribe(cb func([]byte)) error {
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()
	if c.uuid == StatusUUID {
		c.dev.statusCb = cb
	}
	return nil
}

func (c *fakeChar) Unsubscribe() error {
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()
	if c.uuid == StatusUUID {
		c.dev.statusCb = nil
		c.dev.unsubscribed = true
	}
	return nil
}

// fakeDevice emulates a SUOTA bootloader: it arms on the select-memory code,
// programs a block once patchLen bytes of patch data have arrived and
// records the reassembled image.
type fakeDevice struct {
	mu           sync.Mutex
	chars        []*fakeChar
	statusCb     func([]byte)
	readErr      map[string]error
	writeErr     map[string]error
	armStatus    byte   // status sent on select memory; 0 means StatusArmed
	silent       bool   // never send status notifications
	armRaw       []byte // when set, sent verbatim on select memory
	failCode     uint32
	patchLen     int
	lengthWrites []int
	chunkSizes   []int
	block        []byte
	image        []byte
	gpioMap      []byte
	ended        bool
	rebooted     bool
	unsubscribed bool
	writeOrder   []string

	acquired     int
	released     int
	expectedDrop bool
	acquireErr   error
}

func newFakeDevice(patchMax, mtu uint16) *fakeDevice {
	d := &fakeDevice{
		readErr:  make(map[string]error),
		writeErr: make(map[string]error),
	}
	values := map[string][]byte{
		MemDevUUID:            nil,
		GPIOMapUUID:           nil,
		MemInfoUUID:           {0, 0, 0, 0},
		PatchLenUUID:          nil,
		PatchDataUUID:         nil,
		StatusUUID:            nil,
		VersionUUID:           {1},
		PatchDataCharSizeUUID: binary.LittleEndian.AppendUint16(nil, patchMax),
		MTUUUID:               binary.LittleEndian.AppendUint16(nil, mtu),
		L2CAPPSMUUID:          {0, 0},
	}
	for uuid, v := range values {
		d.chars = append(d.chars, &fakeChar{dev: d, uuid: uuid, value: v})
	}
	return d
}

func (d *fakeDevice) remove(uuid string) {
	for i, c := range d.chars {
		if c.uuid == uuid {
			d.chars = append(d.chars[:i], d.chars[i+1:]...)
			return
		}
	}
}

func (d *fakeDevice) notify(status byte) {
	if d.silent || d.statusCb == nil {
		return
	}
	d.statusCb([]byte{status})
}

func (d *fakeDevice) write(uuid string, data []byte, ack bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writeErr[uuid]; err != nil {
		return err
	}
	d.writeOrder = append(d.writeOrder, uuid)

	switch uuid {
	case MemDevUUID:
		code := binary.BigEndian.Uint32(data)
		if d.failCode != 0 && code == d.failCode {
			return errors.New("fake: write rejected")
		}
		switch code {
		case CodeSelectMemory:
			if d.armRaw != nil {
				if d.statusCb != nil {
					d.statusCb(d.armRaw)
				}
				break
			}
			st := d.armStatus
			if st == 0 {
				st = StatusArmed
			}
			d.notify(st)
		case CodeEndOfTransfer:
			d.ended = true
		case CodeReboot:
			d.rebooted = true
		}
	case GPIOMapUUID:
		d.gpioMap = append([]byte(nil), data...)
	case PatchLenUUID:
		d.patchLen = int(binary.LittleEndian.Uint16(data))
		d.lengthWrites = append(d.lengthWrites, d.patchLen)
	case PatchDataUUID:
		if ack {
			return errors.New("fake: patch data requires write without response")
		}
		d.chunkSizes = append(d.chunkSizes, len(data))
		d.block = append(d.block, data...)
		if len(d.block) == d.patchLen {
			d.image = append(d.image, d.block...)
			d.block = nil
			d.notify(StatusBlockProgrammed)
		}
	}
	return nil
}

// fakeConn and the Target methods expose the device to the orchestrator.
type fakeConn struct{ dev *fakeDevice }

func (c fakeConn) ID() string { return "suota-device" }

func (c fakeConn) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	for _, ch := range c.dev.chars {
		if ch.uuid == charUUID {
			return ch, nil
		}
	}
	return nil, ble.ErrCharacteristicNotFound
}

func (c fakeConn) DiscoverCharacteristics(serviceUUID string) ([]ble.Characteristic, error) {
	if serviceUUID != ServiceUUID {
		return nil, errors.New("fake: unknown service")
	}
	out := make([]ble.Characteristic, len(c.dev.chars))
	for i, ch := range c.dev.chars {
		out[i] = ch
	}
	return out, nil
}

func (c fakeConn) Disconnect() error { return nil }
func (c fakeConn) OnDisconnect(func()) {}

func (d *fakeDevice) Connection() ble.Connection { return fakeConn{dev: d} }

func (d *fakeDevice) Acquire(owner string) (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.acquireErr != nil {
		return nil, d.acquireErr
	}
	d.acquired++
	return func() {
		d.mu.Lock()
		d.released++
		d.mu.Unlock()
	}, nil
}

func (d *fakeDevice) ExpectDisconnect() {
	d.mu.Lock()
	d.expectedDrop = true
	d.mu.Unlock()
}

func (d *fakeDevice) imageMatches(art *Artifact) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return bytes.Equal(d.image, art.Bytes())
}
