package ble

import "errors"

var (
	// ErrQueryTimeout is delivered to a continuation whose response did not
	// arrive within the session's query timeout.
	ErrQueryTimeout = errors.New("ble: query timed out")

	// ErrInitializationTimeout is returned when the device did not become
	// ready before the initializer's deadline.
	ErrInitializationTimeout = errors.New("ble: initialization timed out")

	// ErrDeviceNotConnected is returned by operations on a session whose
	// link has dropped, and delivered to queries outstanding at that moment.
	ErrDeviceNotConnected = errors.New("ble: device not connected")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("ble: session closed")

	// ErrQueryTableFull is returned when all 255 query ids are outstanding.
	ErrQueryTableFull = errors.New("ble: no free query id")

	// ErrProtocolBusy is returned by Acquire while another owner holds the
	// session.
	ErrProtocolBusy = errors.New("ble: protocol owned by another operation")

	// ErrCharacteristicNotFound is returned when discovery does not yield a
	// required characteristic.
	ErrCharacteristicNotFound = errors.New("ble: characteristic not found")
)
