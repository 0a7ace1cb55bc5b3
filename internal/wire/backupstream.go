package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Data-block codes used within a DLMessageUploadFiles stream.
const (
	CodeFileData     byte = 0x0c
	CodeSuccess      byte = 0x00
	CodeLocalError   byte = 0x06
	CodeRemoteError  byte = 0x0b
	maxFilenameBytes      = 4096
)

// ReadFilenameLen reads the big-endian uint32 filename-length prefix that
// precedes each (domain, relpath) pair in an upload stream, without
// consuming the name itself. A length of 0 signals end-of-list for the
// current message. Filenames longer than 4096 bytes are rejected outright,
// per spec: no file may be created from an oversized name.
func ReadFilenameLen(r io.Reader) (int, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return 0, err
	}
	if n > maxFilenameBytes {
		return 0, &ProtocolFailError{Message: fmt.Sprintf("filename length %d exceeds %d byte limit", n, maxFilenameBytes)}
	}
	return int(n), nil
}

// ReadFilename reads one length-prefixed UTF-8 filename. done is true when
// the length prefix was 0, meaning the caller has reached the end of the
// filename list for the current message.
func ReadFilename(r io.Reader) (name string, done bool, err error) {
	n, err := ReadFilenameLen(r)
	if err != nil {
		return "", false, err
	}
	if n == 0 {
		return "", true, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", false, err
	}
	return string(buf), false, nil
}

// DataBlock is one (length, code, payload) triple from an upload stream.
type DataBlock struct {
	Code    byte
	Payload []byte
}

// ReadDataBlock reads one big-endian-length-prefixed (code, payload) block.
// The wire length includes the code byte, so the payload is length-1 bytes.
// A bare, code-less zero-length record is a legitimate end-of-data-blocks
// sentinel for the current file, distinct from the (length, code, payload)
// triple format the rest of an upload stream uses; done is true in that
// case and the returned DataBlock is the zero value.
func ReadDataBlock(r io.Reader) (block DataBlock, done bool, err error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return DataBlock{}, false, err
	}
	if n == 0 {
		return DataBlock{}, true, nil
	}
	code := make([]byte, 1)
	if _, err := io.ReadFull(r, code); err != nil {
		return DataBlock{}, false, err
	}
	payload := make([]byte, n-1)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return DataBlock{}, false, err
		}
	}
	return DataBlock{Code: code[0], Payload: payload}, false, nil
}

// WriteFilename writes one length-prefixed filename, or a zero-length
// terminator when name == "".
func WriteFilename(w io.Writer, name string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(name))); err != nil {
		return err
	}
	if len(name) == 0 {
		return nil
	}
	_, err := io.WriteString(w, name)
	return err
}

// WriteDataBlock writes one (length, code, payload) triple.
func WriteDataBlock(w io.Writer, code byte, payload []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(payload)+1)); err != nil {
		return err
	}
	if _, err := w.Write([]byte{code}); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// ErrnoFor maps a set of well-known filesystem error sentinels to the
// numeric codes the mobilebackup2 protocol expects. Anything else maps to
// -1 per §4.4.
func ErrnoFor(err error) int32 {
	switch {
	case err == nil:
		return 0
	case isErrno(err, errENOENT):
		return -6
	case isErrno(err, errEEXIST):
		return -7
	case isErrno(err, errENOTDIR):
		return -8
	case isErrno(err, errEISDIR):
		return -9
	case isErrno(err, errENOSPC):
		return -15
	default:
		return -1
	}
}
