// Package wire implements the two binary framings the agent speaks: the ADB
// smart-socket protocol (length-prefixed ASCII hex) and the mobilebackup2
// raw data stream (big-endian uint32 length prefixes). Both follow the same
// shape the teacher uses for its own plist framing in pkg/usb/client.go:
// write/read a length prefix, then io.ReadFull the body.
package wire

import (
	"encoding/hex"
	"fmt"
	"io"
)

// WriteFrame writes an ADB smart-socket request: four lowercase hex digits
// giving len(body), followed by body itself.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > 0xffff {
		return &InvalidFrameError{Reason: fmt.Sprintf("body too large: %d bytes", len(body))}
	}
	hdr := fmt.Sprintf("%04x", len(body))
	if _, err := io.WriteString(w, hdr); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadHexLen4 reads and parses a 4-byte lowercase-hex length prefix.
func ReadHexLen4(r io.Reader) (int, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	n, err := hex.DecodeString(string(buf[:]))
	if err != nil || len(n) != 2 {
		return 0, &InvalidFrameError{Reason: fmt.Sprintf("bad length header %q", buf[:])}
	}
	return int(n[0])<<8 | int(n[1]), nil
}

// ReadFrame reads one LLLL+payload frame. A zero-length payload is legal
// (used as a heartbeat on track-devices-l streams) and returns a nil, non-
// error empty slice.
func ReadFrame(r io.Reader) ([]byte, error) {
	n, err := ReadHexLen4(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadStatus reads the four leading status bytes of an ADB response and
// classifies them. On FAIL it reads and returns the accompanying message as
// a ProtocolFailError. On anything else it returns UnexpectedResponseError.
func ReadStatus(r io.Reader) error {
	var status [4]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return err
	}
	switch string(status[:]) {
	case "OKAY":
		return nil
	case "FAIL":
		n, err := ReadHexLen4(r)
		if err != nil {
			return err
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(r, msg); err != nil {
			return err
		}
		return &ProtocolFailError{Message: string(msg)}
	default:
		return &UnexpectedResponseError{Got: status}
	}
}

// SendRequest frames and writes an ADB request, then reads and classifies
// its status line. A nil return means OKAY.
func SendRequest(rw io.ReadWriter, service string) error {
	if err := WriteFrame(rw, []byte(service)); err != nil {
		return err
	}
	return ReadStatus(rw)
}
