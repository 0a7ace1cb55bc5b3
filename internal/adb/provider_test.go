package adb

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/woshixty/DeviceWatcher/internal/model"
	"github.com/woshixty/DeviceWatcher/internal/wire"
)

type recordingSink struct {
	mu     sync.Mutex
	events []model.DeviceEvent
}

func (s *recordingSink) Submit(evt model.DeviceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *recordingSink) snapshot() []model.DeviceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.DeviceEvent, len(s.events))
	copy(out, s.events)
	return out
}

func waitForCount(t *testing.T, sink *recordingSink, n int, timeout time.Duration) []model.DeviceEvent {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if evts := sink.snapshot(); len(evts) >= n {
			return evts
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, got %d", n, len(sink.snapshot()))
	return nil
}

// fakeAdbServer accepts one connection, expects the track-devices-l
// request, replies OKAY, then sends each of frames in order.
func fakeAdbServer(t *testing.T, frames [][]byte) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		if err := readRequestAndAck(conn); err != nil {
			return
		}
		for _, f := range frames {
			conn.Write(f)
		}
		// Block until the test closes the listener/connection.
		buf := make([]byte, 1)
		conn.Read(buf)
	}()
	return ln
}

func readRequestAndAck(conn net.Conn) error {
	n, err := wire.ReadHexLen4(conn)
	if err != nil {
		return err
	}
	body := make([]byte, n)
	if _, err := conn.Read(body); err != nil {
		return err
	}
	_, err = conn.Write([]byte("OKAY"))
	return err
}

// frame renders payload as a raw LLLL+payload wire block, or a
// zero-length heartbeat block when payload is empty.
func frame(payload string) []byte {
	var buf bytes.Buffer
	if payload == "" {
		buf.WriteString("0000")
	} else {
		_ = wire.WriteFrame(&buf, []byte(payload))
	}
	return buf.Bytes()
}

func TestParseSnapshotBuildsDeviceInfo(t *testing.T) {
	payload := []byte("S1\tdevice\tproduct:panther\tmodel:P7\n")
	fresh := parseSnapshot(payload)
	info, ok := fresh["S1"]
	if !ok {
		t.Fatal("expected S1 in fresh map")
	}
	if !info.Online || info.Model != "P7" || info.AdbState != "device" {
		t.Fatalf("got %+v", info)
	}
}

func TestParseSnapshotSkipsBlankAndMalformedLines(t *testing.T) {
	fresh := parseSnapshot([]byte("\n\nS1\n"))
	if len(fresh) != 0 {
		t.Fatalf("expected no entries from malformed input, got %+v", fresh)
	}
}

func TestDiffEmitsAttachAndDetach(t *testing.T) {
	sink := &recordingSink{}
	p := &Provider{sink: sink}

	known := map[string]model.DeviceInfo{
		"stale": {Uid: "stale", Online: true, AdbState: "device"},
	}
	fresh := map[string]model.DeviceInfo{
		"new":   {Uid: "new", Online: true, AdbState: "device"},
	}
	p.diff(known, fresh)

	evts := sink.snapshot()
	if len(evts) != 2 {
		t.Fatalf("expected 2 events, got %+v", evts)
	}
	var sawAttach, sawDetach bool
	for _, e := range evts {
		switch e.Kind {
		case model.Attach:
			sawAttach = e.Info.Uid == "new"
		case model.Detach:
			sawDetach = e.Info.Uid == "stale" && !e.Info.Online
		}
	}
	if !sawAttach || !sawDetach {
		t.Fatalf("missing expected events: %+v", evts)
	}
}

func TestDiffEmitsInfoUpdatedOnStateChange(t *testing.T) {
	sink := &recordingSink{}
	p := &Provider{sink: sink}

	known := map[string]model.DeviceInfo{
		"S1": {Uid: "S1", Online: false, AdbState: "offline"},
	}
	fresh := map[string]model.DeviceInfo{
		"S1": {Uid: "S1", Online: true, AdbState: "device", Model: "Pixel"},
	}
	p.diff(known, fresh)

	evts := sink.snapshot()
	if len(evts) != 1 || evts[0].Kind != model.InfoUpdated {
		t.Fatalf("expected a single InfoUpdated, got %+v", evts)
	}
}

func TestStreamEndToEndAttachThenHeartbeat(t *testing.T) {
	ln := fakeAdbServer(t, [][]byte{
		frame("S1\tdevice\tmodel:P7\n"),
		frame(""), // heartbeat
	})
	defer ln.Close()

	sink := &recordingSink{}
	p := New(ln.Addr().String(), sink)
	p.Start()
	defer p.Stop()

	evts := waitForCount(t, sink, 1, 2*time.Second)
	if evts[0].Kind != model.Attach || evts[0].Info.Uid != "S1" {
		t.Fatalf("expected Attach S1 first, got %+v", evts)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	sink := &recordingSink{}
	p := New("127.0.0.1:1", sink) // unroutable, streamOnce will just fail fast
	p.Start()

	done := make(chan struct{})
	go func() {
		p.Stop()
		p.Stop() // second call: already stopped, no-op
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() blocked or was not idempotent")
	}
}
