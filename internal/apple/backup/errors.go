package backup

import "fmt"

// Code discriminates the result kinds spec §7 names for the Apple
// lockdown/backup driver. Callers use errors.As to recover one from an
// error returned by TestConnection, PerformBackup or Restore.
type Code int

const (
	// CodeUnsupported marks an operation this build cannot perform at
	// all (no Apple stack, encrypted backups, restore).
	CodeUnsupported Code = iota
	// CodeNoDevice marks "no device with this udid is attached".
	CodeNoDevice
	// CodeConnectionError marks any usbmux/lockdown handshake failure.
	CodeConnectionError
	// CodeMobilebackup2Error marks a mobilebackup2-level protocol
	// failure (bad version, non-OK reply, non-zero final status).
	CodeMobilebackup2Error
	// CodeUnexpectedResponse marks a well-formed but unrecognized
	// protocol reply.
	CodeUnexpectedResponse
	// CodeProtocolFail marks a malformed wire frame.
	CodeProtocolFail
	// CodeIOError marks a local filesystem failure.
	CodeIOError
)

func (c Code) String() string {
	switch c {
	case CodeUnsupported:
		return "Unsupported"
	case CodeNoDevice:
		return "NoDevice"
	case CodeConnectionError:
		return "ConnectionError"
	case CodeMobilebackup2Error:
		return "Mobilebackup2Error"
	case CodeUnexpectedResponse:
		return "UnexpectedResponse"
	case CodeProtocolFail:
		return "ProtocolFail"
	case CodeIOError:
		return "IOError"
	default:
		return "Unknown"
	}
}

// Error is the typed result every fallible operation in this package
// returns, carrying the discriminated Code spec §7 requires plus an
// optional numeric protocol code (mobilebackup2's version/status codes).
type Error struct {
	Code    Code
	Numeric int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Numeric != 0 {
		return fmt.Sprintf("%s (code %d): %s", e.Code, e.Numeric, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func unsupported(msg string) error {
	return &Error{Code: CodeUnsupported, Message: msg}
}

func noDevice(msg string, err error) error {
	return &Error{Code: CodeNoDevice, Message: msg, Err: err}
}

func connectionError(msg string, err error) error {
	return &Error{Code: CodeConnectionError, Message: msg, Err: err}
}

func mobilebackup2Error(numeric int, msg string) error {
	return &Error{Code: CodeMobilebackup2Error, Numeric: numeric, Message: msg}
}

func ioError(msg string, err error) error {
	return &Error{Code: CodeIOError, Message: msg, Err: err}
}
