package ota

import (
	"errors"
	"fmt"
)

// ErrMalformedStatus reports a status notification that is not a single byte.
var ErrMalformedStatus = errors.New("malformed status notification")

// Stage names a step of the SUOTA sequence.
type Stage string

// SUOTA stages, in protocol order.
const (
	StageDiscover      Stage = "discover"
	StageNegotiate     Stage = "negotiate"
	StageSubscribe     Stage = "subscribe"
	StageSelectMemory  Stage = "select-memory"
	StageGPIOMap       Stage = "gpio-map"
	StagePatchLength   Stage = "patch-length"
	StagePatchData     Stage = "patch-data"
	StageEndOfTransfer Stage = "end-of-transfer"
	StageReboot        Stage = "reboot"
	StageComplete      Stage = "complete"
)

// Error is a firmware update failure tagged with the stage it occurred in.
type Error struct {
	Stage  Stage
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("firmware update failed at %s", e.Stage)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// StatusError is a SUOTA status notification other than the one the current
// stage was waiting for.
type StatusError struct {
	Want byte
	Got  byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("device status 0x%02X (%s), want 0x%02X", e.Got, StatusText(e.Got), e.Want)
}

// StatusText returns a description of a SUOTA status code.
func StatusText(code byte) string {
	switch code {
	case StatusBlockProgrammed:
		return "block programmed"
	case 0x03:
		return "service exit"
	case 0x04:
		return "crc error"
	case 0x05:
		return "patch length error"
	case 0x06:
		return "external memory error"
	case 0x07:
		return "internal memory error"
	case 0x08:
		return "invalid memory type"
	case 0x09:
		return "application error"
	case StatusArmed:
		return "image started"
	case 0x11:
		return "invalid image bank"
	case 0x12:
		return "invalid image header"
	case 0x13:
		return "invalid image size"
	case 0x14:
		return "invalid product header"
	case 0x15:
		return "same image"
	case 0x16:
		return "failed to read external memory"
	default:
		return "unknown"
	}
}
