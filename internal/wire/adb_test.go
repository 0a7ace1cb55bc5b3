package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestWriteFrameReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("host:track-devices-l")); err != nil {
		t.Fatal(err)
	}
	if got, want := buf.String()[:4], "0014"; got != want {
		t.Fatalf("length header = %q, want %q", got, want)
	}
	payload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != "host:track-devices-l" {
		t.Fatalf("payload = %q, want %q", payload, "host:track-devices-l")
	}
}

func TestReadFrameZeroLengthIsHeartbeat(t *testing.T) {
	buf := bytes.NewBufferString("0000")
	payload, err := ReadFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	if payload != nil {
		t.Fatalf("expected nil payload for heartbeat frame, got %q", payload)
	}
}

func TestReadFramePayload(t *testing.T) {
	buf := bytes.NewBufferString("0005hello")
	payload, err := ReadFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != "hello" {
		t.Fatalf("payload = %q, want %q", payload, "hello")
	}
}

func TestReadStatusOkay(t *testing.T) {
	buf := bytes.NewBufferString("OKAY")
	if err := ReadStatus(buf); err != nil {
		t.Fatal(err)
	}
}

func TestReadStatusFail(t *testing.T) {
	buf := bytes.NewBufferString("FAIL000ano such id")
	err := ReadStatus(buf)
	var pf *ProtocolFailError
	if !errors.As(err, &pf) {
		t.Fatalf("expected ProtocolFailError, got %v", err)
	}
	if pf.Message != "no such id" {
		t.Fatalf("message = %q", pf.Message)
	}
}

func TestReadStatusUnexpected(t *testing.T) {
	buf := bytes.NewBufferString("NOPE")
	err := ReadStatus(buf)
	var ur *UnexpectedResponseError
	if !errors.As(err, &ur) {
		t.Fatalf("expected UnexpectedResponseError, got %v", err)
	}
}

func TestReadHexLen4Invalid(t *testing.T) {
	buf := bytes.NewBufferString("zzzz")
	if _, err := ReadHexLen4(buf); err == nil {
		t.Fatal("expected error for non-hex length header")
	}
}
