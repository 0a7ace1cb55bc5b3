package backup

import (
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/woshixty/DeviceWatcher/internal/model"
	"github.com/woshixty/DeviceWatcher/internal/wire"
)

// fakePeer drives the message loop against an in-memory pipe, playing
// the role of the mobilebackup2 service: scripted DeviceLinkRecv replies
// and a captured Send/DeviceLinkSend history.
type fakePeer struct {
	recvQueue []recvMsg
	recvIdx   int
	sent      []any
	conn      net.Conn
	peerConn  net.Conn
}

type recvMsg struct {
	name string
	args []any
}

func newFakePeer(msgs []recvMsg) *fakePeer {
	c1, c2 := net.Pipe()
	return &fakePeer{recvQueue: msgs, conn: c1, peerConn: c2}
}

func (f *fakePeer) Send(msg any) error {
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakePeer) DeviceLinkSend(msg any) error {
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakePeer) DeviceLinkRecv() (string, []any, error) {
	if f.recvIdx >= len(f.recvQueue) {
		return "DLMessageDisconnect", nil, nil
	}
	m := f.recvQueue[f.recvIdx]
	f.recvIdx++
	return m.name, m.args, nil
}

func (f *fakePeer) Conn() net.Conn { return f.conn }

// S4: a single-file upload writes exactly the bytes sent and reports a
// clean status. The data block is terminated by the literal wire form
// spec §8 S4 describes: (nlen=5, code=0x0c, "data") followed by a bare,
// code-less nlen=0 rather than a (length, code, payload) triple.
func TestMessageLoopUploadSingleFile(t *testing.T) {
	dir := t.TempDir()
	peer := newFakePeer([]recvMsg{
		{name: "DLMessageUploadFiles"},
		{name: "DLMessageProcessMessage", args: []any{map[string]any{"ErrorCode": 0.0, "ErrorDescription": ""}}},
		{name: "DLMessageDisconnect"},
	})

	go func() {
		wire.WriteFilename(peer.peerConn, "AppDomain")
		wire.WriteFilename(peer.peerConn, "rel/a.bin")
		wire.WriteDataBlock(peer.peerConn, wire.CodeFileData, []byte("data"))
		binary.Write(peer.peerConn, binary.BigEndian, uint32(0))
		wire.WriteFilename(peer.peerConn, "")
	}()

	rec, err := runMessageLoop(peer, "UDID1", dir)
	if err != nil {
		t.Fatalf("runMessageLoop: %v", err)
	}
	if rec.TotalBytes != 4 {
		t.Fatalf("total bytes = %d, want 4", rec.TotalBytes)
	}
	got, err := os.ReadFile(filepath.Join(dir, "rel", "a.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "data" {
		t.Fatalf("file content = %q, want %q", got, "data")
	}

	if len(peer.sent) == 0 {
		t.Fatal("expected a status response for the upload")
	}
	resp, ok := peer.sent[0].([]any)
	if !ok || len(resp) < 2 {
		t.Fatalf("unexpected status shape: %+v", peer.sent[0])
	}
	code, _ := resp[1].(int32)
	if code != 0 {
		t.Fatalf("status code = %d, want 0", code)
	}
}

func TestMessageLoopRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	peer := newFakePeer([]recvMsg{
		{name: "DLMessageUploadFiles"},
		{name: "DLMessageDisconnect"},
	})

	go func() {
		wire.WriteFilename(peer.peerConn, "AppDomain")
		wire.WriteFilename(peer.peerConn, "../../etc/passwd")
		wire.WriteDataBlock(peer.peerConn, wire.CodeFileData, []byte("evil"))
		wire.WriteDataBlock(peer.peerConn, wire.CodeSuccess, nil)
		wire.WriteFilename(peer.peerConn, "")
	}()

	if _, err := runMessageLoop(peer, "UDID1", dir); err != nil {
		t.Fatal(err)
	}

	if len(peer.sent) == 0 {
		t.Fatal("expected a status response for the upload")
	}
	resp, ok := peer.sent[0].([]any)
	if !ok || len(resp) < 2 {
		t.Fatalf("unexpected status shape: %+v", peer.sent[0])
	}
	code, _ := resp[1].(int32)
	if code == 0 {
		t.Fatal("expected a non-zero status for a path-traversal attempt")
	}

	escaped := filepath.Join(filepath.Dir(dir), "etc", "passwd")
	if _, err := os.Stat(escaped); err == nil {
		t.Fatal("path traversal escaped the backup root")
	}
}

func TestMessageLoopPropagatesFinalError(t *testing.T) {
	dir := t.TempDir()
	peer := newFakePeer([]recvMsg{
		{name: "DLMessageProcessMessage", args: []any{map[string]any{"ErrorCode": 5.0, "ErrorDescription": "disk full"}}},
		{name: "DLMessageDisconnect"},
	})

	_, err := runMessageLoop(peer, "UDID1", dir)
	if err == nil {
		t.Fatal("expected an error from a non-zero final status")
	}
	be, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if be.Code != CodeMobilebackup2Error || be.Numeric != 5 {
		t.Fatalf("got %+v", be)
	}
}

func TestSafeJoinRejectsEscape(t *testing.T) {
	if _, ok := safeJoin("/backups/UDID1", "../../etc/passwd"); ok {
		t.Fatal("expected escape to be rejected")
	}
	if p, ok := safeJoin("/backups/UDID1", "AppDomain/rel/a.bin"); !ok || p != filepath.Join("/backups/UDID1", "AppDomain/rel/a.bin") {
		t.Fatalf("safeJoin = %q, %v", p, ok)
	}
}

// negotiateVersion is the sole handshake step PerformBackup runs (see the
// comment at its call site): it must pick the offered version according to
// supportedVersions and enforce both failure paths spec §4.4 step 4 names,
// rather than PerformBackup also running usbmux.Client.DeviceLinkHandshake
// first and leaving negotiateVersion to read a version-exchange message
// that will never come a second time.
func TestNegotiateVersionPicksFirstSupportedOffered(t *testing.T) {
	peer := newFakePeer([]recvMsg{
		{name: "DLMessageVersionExchange", args: []any{[]any{1.0, 2.0, 2.1}}},
		{name: "DLMessageDeviceReady"},
	})

	if err := negotiateVersion(peer); err != nil {
		t.Fatalf("negotiateVersion: %v", err)
	}

	if len(peer.sent) != 1 {
		t.Fatalf("expected one ack, got %+v", peer.sent)
	}
	ack, ok := peer.sent[0].([]any)
	if !ok || len(ack) != 3 || ack[2] != 2.0 {
		t.Fatalf("expected an ack choosing version 2.0, got %+v", peer.sent[0])
	}
}

func TestNegotiateVersionRejectsUnsupportedOfferedSet(t *testing.T) {
	peer := newFakePeer([]recvMsg{
		{name: "DLMessageVersionExchange", args: []any{[]any{0.5}}},
	})

	err := negotiateVersion(peer)
	be, ok := err.(*Error)
	if !ok || be.Code != CodeMobilebackup2Error || be.Numeric != 1 {
		t.Fatalf("expected Mobilebackup2Error(1), got %v", err)
	}
}

func TestNegotiateVersionRejectsUnexpectedFirstMessage(t *testing.T) {
	peer := newFakePeer([]recvMsg{
		{name: "DLMessageDisconnect"},
	})

	err := negotiateVersion(peer)
	be, ok := err.(*Error)
	if !ok || be.Code != CodeMobilebackup2Error || be.Numeric != 0 {
		t.Fatalf("expected Mobilebackup2Error(0), got %v", err)
	}
}

func TestNegotiateVersionRejectsMissingDeviceReady(t *testing.T) {
	peer := newFakePeer([]recvMsg{
		{name: "DLMessageVersionExchange", args: []any{[]any{2.0}}},
		{name: "DLMessageDisconnect"},
	})

	err := negotiateVersion(peer)
	be, ok := err.(*Error)
	if !ok || be.Code != CodeMobilebackup2Error || be.Numeric != 2 {
		t.Fatalf("expected Mobilebackup2Error(2), got %v", err)
	}
}

func TestRestoreIsUnsupported(t *testing.T) {
	err := Restore("UDID1", model.BackupOptions{})
	be, ok := err.(*Error)
	if !ok || be.Code != CodeUnsupported {
		t.Fatalf("expected Unsupported, got %v", err)
	}
}
