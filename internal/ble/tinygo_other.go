//go:build darwin || windows

package ble

func (c *tinygoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, maxReadSize)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *tinygoCharacteristic) Write(data []byte) error {
	_, err := c.char.Write(data)
	return err
}

// Unsubscribe detaches the callback. CoreBluetooth and WinRT reject a nil
// callback, so notifications stay enabled and are discarded.
func (c *tinygoCharacteristic) Unsubscribe() error {
	return c.char.EnableNotifications(func([]byte) {})
}
