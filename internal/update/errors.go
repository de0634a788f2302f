package update

import (
	"errors"

	"github.com/chaz8081/glasslink/internal/ble"
)

var (
	// ErrDeviceNotConnected is returned when a check or update starts
	// without a live session.
	ErrDeviceNotConnected = ble.ErrDeviceNotConnected
	ErrNetworkUnavailable = errors.New("update: network unavailable")
	ErrLowBattery         = errors.New("update: battery too low")
	ErrUpdateForbidden    = errors.New("update: not authorized")
	ErrDowngradeForbidden = errors.New("update: downgrade not allowed")
	ErrAborted            = errors.New("update: aborted")
)
