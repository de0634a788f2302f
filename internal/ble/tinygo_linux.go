//go:build linux

package ble

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezService       = "org.bluez"
	bluezDevice        = "org.bluez.Device1"
	bluezGattService   = "org.bluez.GattService1"
	bluezGattChar      = "org.bluez.GattCharacteristic1"
	objectManagerCall  = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
	writeValueCall     = bluezGattChar + ".WriteValue"
	writeTypeRequest   = "request"
	writeOptionTypeKey = "type"
)

// bluezObjects is the reply shape of GetManagedObjects.
type bluezObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

func (c *tinygoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, maxReadSize)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Write performs an acknowledged write. tinygo/bluetooth only exposes
// write-without-response on BlueZ, so the request goes straight to the
// characteristic's D-Bus object with type=request.
func (c *tinygoCharacteristic) Write(data []byte) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("ble: system bus: %w", err)
	}
	path, err := c.objectPath(conn)
	if err != nil {
		return err
	}
	options := map[string]dbus.Variant{writeOptionTypeKey: dbus.MakeVariant(writeTypeRequest)}
	if err := conn.Object(bluezService, path).Call(writeValueCall, 0, data, options).Err; err != nil {
		return fmt.Errorf("ble: write %s: %w", c.UUID(), err)
	}
	return nil
}

func (c *tinygoCharacteristic) Unsubscribe() error {
	return c.char.EnableNotifications(nil)
}

func (c *tinygoCharacteristic) objectPath(conn *dbus.Conn) (dbus.ObjectPath, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path != "" {
		return dbus.ObjectPath(c.path), nil
	}
	var objects bluezObjects
	if err := conn.Object(bluezService, "/").Call(objectManagerCall, 0).Store(&objects); err != nil {
		return "", fmt.Errorf("ble: list bluez objects: %w", err)
	}
	path, ok := findCharacteristicPath(objects, c.device, c.service, c.UUID())
	if !ok {
		return "", fmt.Errorf("%w: %s (no bluez object)", ErrCharacteristicNotFound, c.UUID())
	}
	c.path = string(path)
	return path, nil
}

// findCharacteristicPath locates the GattCharacteristic1 object for charUUID
// inside service serviceUUID of the device with address mac.
func findCharacteristicPath(objects bluezObjects, mac, serviceUUID, charUUID string) (dbus.ObjectPath, bool) {
	devices := make(map[dbus.ObjectPath]bool)
	for path, ifaces := range objects {
		if addr, ok := stringProp(ifaces[bluezDevice], "Address"); ok && strings.EqualFold(addr, mac) {
			devices[path] = true
		}
	}

	services := make(map[dbus.ObjectPath]bool)
	for path, ifaces := range objects {
		props := ifaces[bluezGattService]
		if props == nil {
			continue
		}
		dev, ok := props["Device"].Value().(dbus.ObjectPath)
		if !ok || !devices[dev] {
			continue
		}
		if uuid, ok := stringProp(props, "UUID"); ok && strings.EqualFold(uuid, serviceUUID) {
			services[path] = true
		}
	}

	for path, ifaces := range objects {
		props := ifaces[bluezGattChar]
		if props == nil {
			continue
		}
		svc, ok := props["Service"].Value().(dbus.ObjectPath)
		if !ok || !services[svc] {
			continue
		}
		if uuid, ok := stringProp(props, "UUID"); ok && strings.EqualFold(uuid, charUUID) {
			return path, true
		}
	}
	return "", false
}

func stringProp(props map[string]dbus.Variant, name string) (string, bool) {
	v, ok := props[name]
	if !ok {
		return "", false
	}
	s, ok := v.Value().(string)
	return s, ok
}
