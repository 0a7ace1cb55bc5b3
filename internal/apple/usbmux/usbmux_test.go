package usbmux

import (
	"net"
	"testing"
)

func pipeClient() (*Client, net.Conn) {
	c1, c2 := net.Pipe()
	return &Client{conn: c1}, c2
}

func TestClientSendRecvRoundTrip(t *testing.T) {
	cli, peer := pipeClient()

	type ping struct{ Value string }
	type result struct {
		got ping
		err error
	}
	done := make(chan result, 1)
	go func() {
		var got ping
		err := cli.Recv(&got)
		done <- result{got: got, err: err}
	}()

	fakeCli := &Client{conn: peer}
	if err := fakeCli.Send(&ping{Value: "hello"}); err != nil {
		t.Fatal(err)
	}
	r := <-done
	if r.err != nil {
		t.Fatal(r.err)
	}
	if r.got.Value != "hello" {
		t.Fatalf("got %q, want %q", r.got.Value, "hello")
	}
}

func TestDeviceLinkHandshake(t *testing.T) {
	cli, peer := pipeClient()
	peerCli := &Client{conn: peer}

	go func() {
		_ = peerCli.Send([]any{"DLMessageVersionExchange", "SupportedVersions", []any{2.0}})
		var reply []any
		_ = peerCli.Recv(&reply)
		_ = peerCli.Send([]any{"DLMessageDeviceReady"})
	}()

	if err := cli.DeviceLinkHandshake(); err != nil {
		t.Fatalf("DeviceLinkHandshake: %v", err)
	}
}

func TestDeviceLinkSendRecv(t *testing.T) {
	cli, peer := pipeClient()
	peerCli := &Client{conn: peer}

	go func() {
		_ = peerCli.Send([]any{"DLMessageProcessMessage", map[string]any{"ErrorCode": 0.0}})
	}()

	name, args, err := cli.DeviceLinkRecv()
	if err != nil {
		t.Fatal(err)
	}
	if name != "DLMessageProcessMessage" {
		t.Fatalf("name = %q", name)
	}
	if len(args) != 1 {
		t.Fatalf("args = %+v", args)
	}
}

func TestHtons(t *testing.T) {
	if got := htons(0x1234); got != 0x3412 {
		t.Fatalf("htons(0x1234) = %#x, want 0x3412", got)
	}
}
