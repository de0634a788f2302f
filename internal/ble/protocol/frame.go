// Package protocol implements the command frame codec for the glasses'
// command service: frame encoding, validation and notification reassembly.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Frame delimiters and format bits.
const (
	FrameHeader byte = 0xFF
	FrameFooter byte = 0xAA

	// FormatQueryID is set when a one-byte query id follows the length field.
	FormatQueryID byte = 0x01
	// FormatLongLength is set when the length field is two bytes wide.
	FormatLongLength byte = 0x10

	// MaxShortFrame is the largest frame whose length fits in one byte.
	MaxShortFrame = 255
	// MaxFrame is the largest frame the two-byte length field can describe.
	MaxFrame = 0xFFFF

	// shortOverhead is header, command, format, length, query id and footer.
	shortOverhead = 6
)

// CmdBattery queries the battery level.
const CmdBattery byte = 0x05

// Flow-control values notified by the device.
const (
	FlowOn       byte = 0x01
	FlowOff      byte = 0x02
	FlowError    byte = 0x03
	FlowOverflow byte = 0x04
	FlowMissing  byte = 0x06
)

// Frame is a decoded command or response frame.
type Frame struct {
	Command    byte
	Format     byte
	HasQueryID bool
	QueryID    byte
	Payload    []byte
}

// FormatError reports a frame that failed validation. Malformed frames are
// dropped by the session and never reach a continuation.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return "protocol: malformed frame: " + e.Reason
}

func formatErrorf(format string, args ...any) *FormatError {
	return &FormatError{Reason: fmt.Sprintf(format, args...)}
}

// EncodeFrame builds the wire bytes for a command with the given query id.
//
//	[0xFF, cmd, format, length(1 or 2 bytes), qid, payload..., 0xAA]
//
// The two-byte length, used when the frame exceeds 255 bytes, is big-endian.
func EncodeFrame(cmd, qid byte, payload []byte) ([]byte, error) {
	total := shortOverhead + len(payload)
	format := FormatQueryID
	if total > MaxShortFrame {
		total++
		format |= FormatLongLength
	}
	if total > MaxFrame {
		return nil, fmt.Errorf("protocol: payload of %d bytes exceeds frame limit", len(payload))
	}

	buf := make([]byte, 0, total)
	buf = append(buf, FrameHeader, cmd, format)
	if format&FormatLongLength != 0 {
		buf = binary.BigEndian.AppendUint16(buf, uint16(total))
	} else {
		buf = append(buf, byte(total))
	}
	buf = append(buf, qid)
	buf = append(buf, payload...)
	buf = append(buf, FrameFooter)
	return buf, nil
}

// headerLen returns the number of bytes before the payload for a format byte.
func headerLen(format byte) int {
	n := 4 // header, command, format, 1-byte length
	if format&FormatLongLength != 0 {
		n++
	}
	if format&FormatQueryID != 0 {
		n++
	}
	return n
}

// DeclaredLength reads the total frame length announced by a frame prefix.
// ok is false while the prefix is too short to contain the length field.
func DeclaredLength(prefix []byte) (n int, ok bool, err error) {
	if len(prefix) == 0 {
		return 0, false, nil
	}
	if prefix[0] != FrameHeader {
		return 0, false, formatErrorf("header 0x%02X, want 0x%02X", prefix[0], FrameHeader)
	}
	if len(prefix) < 4 {
		return 0, false, nil
	}
	format := prefix[2]
	if format&FormatLongLength != 0 {
		if len(prefix) < 5 {
			return 0, false, nil
		}
		n = int(binary.BigEndian.Uint16(prefix[3:5]))
	} else {
		n = int(prefix[3])
	}
	if n < headerLen(format)+1 {
		return 0, false, formatErrorf("declared length %d shorter than header", n)
	}
	return n, true, nil
}

// DecodeFrame validates a complete frame and extracts its fields. The
// returned payload does not alias frame.
func DecodeFrame(frame []byte) (Frame, error) {
	if len(frame) < 5 {
		return Frame{}, formatErrorf("frame too short: %d bytes", len(frame))
	}
	if frame[0] != FrameHeader {
		return Frame{}, formatErrorf("header 0x%02X, want 0x%02X", frame[0], FrameHeader)
	}
	if last := frame[len(frame)-1]; last != FrameFooter {
		return Frame{}, formatErrorf("footer 0x%02X, want 0x%02X", last, FrameFooter)
	}

	declared, ok, err := DeclaredLength(frame)
	if err != nil {
		return Frame{}, err
	}
	if !ok || declared != len(frame) {
		return Frame{}, formatErrorf("declared length %d, got %d bytes", declared, len(frame))
	}

	f := Frame{
		Command: frame[1],
		Format:  frame[2],
	}
	hdr := headerLen(f.Format)
	if f.Format&FormatQueryID != 0 {
		f.HasQueryID = true
		f.QueryID = frame[hdr-1]
	}
	f.Payload = append([]byte(nil), frame[hdr:len(frame)-1]...)
	return f, nil
}
