package wire

import "fmt"

// Sentinel-ish error kinds shared by the ADB and mobilebackup2 framings.
// Mirrors the teacher's usbmux ResultValue: a small closed error taxonomy
// distinguished by comparable values rather than string matching.

// InvalidFrameError is returned when a length prefix cannot be parsed.
type InvalidFrameError struct {
	Reason string
}

func (e *InvalidFrameError) Error() string { return "invalid frame: " + e.Reason }

// ShortReadError describes a read that ended before Want bytes arrived.
// The readers in this package do not return it: a short read surfaces as
// the io.EOF or io.ErrUnexpectedEOF that io.ReadFull reports.
type ShortReadError struct {
	Want, Got int
}

func (e *ShortReadError) Error() string {
	return fmt.Sprintf("short read: wanted %d bytes, got %d", e.Want, e.Got)
}

// ProtocolFailError wraps the human-readable message that came back with an
// ADB FAIL response, or an equivalent protocol-level refusal.
type ProtocolFailError struct {
	Message string
}

func (e *ProtocolFailError) Error() string { return "protocol fail: " + e.Message }

// UnexpectedResponseError is returned when a response's leading 4 bytes are
// neither OKAY nor FAIL.
type UnexpectedResponseError struct {
	Got [4]byte
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("unexpected response: %q", e.Got[:])
}
