// Package ble provides the session protocol engine for the glasses' BLE link:
// the transport abstraction, command/response correlation, the flow-controlled
// transmission queue and post-connect device initialization.
package ble

import "context"

// Command service UUIDs
const (
	CommandServiceUUID  = "0783b03e-8535-b5a0-7140-a304d2495cb7"
	TXCharUUID          = "0783b03e-8535-b5a0-7140-a304d2495cb8" // notify: responses
	FlowControlCharUUID = "0783b03e-8535-b5a0-7140-a304d2495cb9" // notify: flow control
	RXCharUUID          = "0783b03e-8535-b5a0-7140-a304d2495cba" // write: commands
)

// Device Information service UUIDs
const (
	DeviceInfoServiceUUID = "0000180a-0000-1000-8000-00805f9b34fb"
	ManufacturerUUID      = "00002a29-0000-1000-8000-00805f9b34fb"
	ModelNumberUUID       = "00002a24-0000-1000-8000-00805f9b34fb"
	SerialNumberUUID      = "00002a25-0000-1000-8000-00805f9b34fb"
	HardwareRevisionUUID  = "00002a27-0000-1000-8000-00805f9b34fb"
	FirmwareRevisionUUID  = "00002a26-0000-1000-8000-00805f9b34fb"
	SoftwareRevisionUUID  = "00002a28-0000-1000-8000-00805f9b34fb"
)

// Battery service UUIDs
const (
	BatteryServiceUUID = "0000180f-0000-1000-8000-00805f9b34fb"
	BatteryLevelUUID   = "00002a19-0000-1000-8000-00805f9b34fb"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// UUID returns the characteristic UUID in lowercase canonical form.
	UUID() string
	// Read returns the current value.
	Read() ([]byte, error)
	// Write sends data and blocks until the peripheral acknowledges it.
	Write(data []byte) error
	// WriteWithoutResponse sends data without waiting for an acknowledgement.
	WriteWithoutResponse(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe stops notifications.
	Unsubscribe() error
}

// MTUReporter is implemented by characteristics that know the negotiated
// link MTU.
type MTUReporter interface {
	MTU() (int, error)
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// ID returns the stable identifier used to reconnect to the peripheral.
	ID() string
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// DiscoverCharacteristics returns every characteristic of a service.
	DiscoverCharacteristics(serviceUUID string) ([]Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID.
	// Returns discovered devices until ctx is cancelled or timeout.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, mac string) (Connection, error)
}
