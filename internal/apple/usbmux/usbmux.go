// Package usbmux implements the transport half of the Apple device stack:
// dialing usbmuxd, listing attached devices, reading pair records, opening
// a per-device TCP relay to a lockdown/service port, and the usbmuxd
// "Listen" notification stream the discovery watcher subscribes to.
//
// Adapted in idiom from the teacher's pkg/usb/usbmuxd.go and
// pkg/usb/client.go, which implement the same two-layer split (a raw
// usbmuxd control connection, and a per-device Client opened on top of it)
// using github.com/blacktop/go-plist for every request/response body.
package usbmux

import (
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"syscall"

	"github.com/blacktop/go-plist"
)

// ErrNoDevice is returned by NewClient when usbmuxd has no attached
// device matching the requested udid.
var ErrNoDevice = errors.New("usbmux: no attached device with that udid")

const (
	progName            = "devicewatch"
	bundleID            = "com.devicewatch.agent"
	clientVersionString = "devicewatch-usbmux-0.1"

	usbmuxdSocket = "/var/run/usbmuxd"
)

// Header is the usbmuxd frame header: little-endian length, protocol
// version, message type and a per-request tag echoed in the response.
type Header struct {
	Length      uint32
	Version     uint32
	MessageType uint32
	Tag         uint32
}

var headerSize = uint32(binary.Size(Header{}))

// Conn is a raw connection to usbmuxd, used for ListDevices, ReadPairRecord
// and Listen. Per-device service traffic goes over Client instead, once
// Dial has asked usbmuxd to relay a TCP port to a specific device.
type Conn struct {
	net.Conn
	tag uint32
}

// Dialer opens the platform's usbmuxd transport. Overridable in tests.
var Dialer = func() (net.Conn, error) {
	return net.Dial("unix", usbmuxdSocket)
}

// NewConn opens a fresh usbmuxd control connection.
func NewConn() (*Conn, error) {
	conn, err := Dialer()
	if err != nil {
		return nil, fmt.Errorf("usbmux: dial usbmuxd: %w", err)
	}
	return &Conn{Conn: conn}, nil
}

type resultValue int

const resultConnectionRefused resultValue = 3

type connectMessage struct {
	BundleID            string
	ClientVersionString string
	MessageType         string
	ProgName            string
	LibUSBMuxVersion    uint32 `plist:"kLibUSBMuxVersion"`
	DeviceID            uint32
	PortNumber          uint16
}

type resultResponse struct {
	Number resultValue
}

// Dial asks usbmuxd to relay port (host byte order) to deviceID; once this
// returns nil, c itself becomes the relayed byte stream for that service.
func (c *Conn) Dial(deviceID, port int) error {
	req := &connectMessage{
		BundleID:            bundleID,
		ClientVersionString: clientVersionString,
		MessageType:         "Connect",
		ProgName:            progName,
		LibUSBMuxVersion:    3,
		DeviceID:            uint32(deviceID),
		PortNumber:          htons(uint16(port)),
	}
	var resp resultResponse
	if err := c.Request(req, &resp); err != nil {
		return err
	}
	if resp.Number == resultConnectionRefused {
		return syscall.ECONNREFUSED
	}
	return nil
}

type listDevicesRequest struct {
	MessageType         string
	ProgName            string
	ClientVersionString string
}

type listDevicesResponse struct {
	DeviceList []*deviceAttached
}

type deviceAttached struct {
	MessageType string
	DeviceID    int
	Properties  *DeviceAttachment
}

// DeviceAttachment describes one USB-attached iOS device as reported by
// usbmuxd's ListDevices and Listen responses.
type DeviceAttachment struct {
	ConnectionSpeed int
	ConnectionType  string
	DeviceID        int
	LocationID      int
	ProductID       int
	SerialNumber    string
	UDID            string
	USBSerialNumber string
}

// ListDevices returns every device usbmuxd currently reports as attached.
func (c *Conn) ListDevices() ([]*DeviceAttachment, error) {
	req := &listDevicesRequest{
		MessageType:         "ListDevices",
		ProgName:            progName,
		ClientVersionString: clientVersionString,
	}
	var resp listDevicesResponse
	if err := c.Request(req, &resp); err != nil {
		return nil, err
	}
	out := make([]*DeviceAttachment, 0, len(resp.DeviceList))
	for _, d := range resp.DeviceList {
		out = append(out, d.Properties)
	}
	return out, nil
}

// PairRecord holds the host/device certificates negotiated during initial
// pairing, needed to enable TLS on a lockdown session.
type PairRecord struct {
	DeviceCertificate []byte
	EscrowBag         []byte
	HostCertificate   []byte
	HostID            string
	HostPrivateKey    []byte
	RootCertificate   []byte
	RootPrivateKey    []byte
	SystemBUID        string
}

type readPairRecordRequest struct {
	BundleID            string
	ClientVersionString string
	ProgName            string
	MessageType         string
	PairRecordID        string `plist:"PairRecordID"`
	LibUSBMuxVersion    uint32 `plist:"kLibUSBMuxVersion"`
}

type readPairRecordResponse struct {
	PairRecordData []byte
}

// ReadPairRecord fetches the pairing record usbmuxd holds for udid.
func (c *Conn) ReadPairRecord(udid string) (*PairRecord, error) {
	req := &readPairRecordRequest{
		BundleID:            bundleID,
		MessageType:         "ReadPairRecord",
		ClientVersionString: clientVersionString,
		ProgName:            progName,
		PairRecordID:        udid,
		LibUSBMuxVersion:    3,
	}
	var resp readPairRecordResponse
	if err := c.Request(req, &resp); err != nil {
		return nil, err
	}
	var rec PairRecord
	if _, err := plist.Unmarshal(resp.PairRecordData, &rec); err != nil {
		return nil, fmt.Errorf("usbmux: decode pair record: %w", err)
	}
	return &rec, nil
}

type listenRequest struct {
	MessageType         string
	ProgName            string
	ClientVersionString string
}

// Attachment is one notification from a Listen stream: either a device
// coming online (Attached, Info populated) or going away (just the ID).
type Attachment struct {
	Attached bool
	DeviceID int
	Info     *DeviceAttachment
}

// Listen sends the Listen request and returns a channel of attach/detach
// notifications, closed when the connection ends or ctx-independent
// cancellation happens via closing c. This never returns until the initial
// OK result has been read, so the caller knows the subscription is live
// before proceeding.
func (c *Conn) Listen() (<-chan Attachment, error) {
	req := &listenRequest{
		MessageType:         "Listen",
		ProgName:            progName,
		ClientVersionString: clientVersionString,
	}
	var resp resultResponse
	if err := c.Request(req, &resp); err != nil {
		return nil, err
	}

	out := make(chan Attachment, 16)
	go func() {
		defer close(out)
		for {
			var msg struct {
				MessageType string
				DeviceID    int
				Properties  *DeviceAttachment
			}
			if err := c.Recv(&msg); err != nil {
				return
			}
			switch msg.MessageType {
			case "Attached":
				out <- Attachment{Attached: true, DeviceID: msg.DeviceID, Info: msg.Properties}
			case "Detached":
				out <- Attachment{Attached: false, DeviceID: msg.DeviceID}
			}
		}
	}()
	return out, nil
}

// Request sends req and decodes the reply into resp.
func (c *Conn) Request(req, resp any) error {
	if err := c.Send(req); err != nil {
		return err
	}
	return c.Recv(resp)
}

// Send writes msg as a usbmuxd plist frame.
func (c *Conn) Send(msg any) error {
	data, err := plist.Marshal(msg, plist.XMLFormat)
	if err != nil {
		return fmt.Errorf("usbmux: marshal request: %w", err)
	}
	hdr := &Header{
		Length:      uint32(len(data)) + headerSize,
		Version:     1,
		MessageType: 8, // plist
		Tag:         atomic.AddUint32(&c.tag, 1),
	}
	if err := binary.Write(c, binary.LittleEndian, hdr); err != nil {
		return err
	}
	return binary.Write(c, binary.LittleEndian, data)
}

// Recv reads one usbmuxd plist frame into msg.
func (c *Conn) Recv(msg any) error {
	var hdr Header
	if err := binary.Read(c, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	if hdr.Length < headerSize {
		return fmt.Errorf("usbmux: short frame length %d", hdr.Length)
	}
	data := make([]byte, hdr.Length-headerSize)
	if _, err := io.ReadFull(c, data); err != nil {
		return err
	}
	if _, err := plist.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("usbmux: unmarshal response: %w", err)
	}
	return nil
}

func htons(v uint16) uint16 {
	return (v << 8 & 0xff00) | (v >> 8 & 0x00ff)
}

// Client is a per-device service connection relayed through usbmuxd: the
// big-endian-length-prefixed plist framing used by lockdownd and every
// lockdown-started service (mobilebackup2 among them), optionally
// upgraded to TLS once a pairing-derived certificate is available.
type Client struct {
	tlsConn    *tls.Conn
	conn       net.Conn
	udid       string
	deviceID   int
	pairRecord *PairRecord
}

// NewClient resolves udid to a usbmuxd device ID and relays port,
// returning a Client ready to Send/Recv plist messages on that port.
func NewClient(udid string, port int) (*Client, error) {
	conn, err := NewConn()
	if err != nil {
		return nil, err
	}

	pairRecord, err := conn.ReadPairRecord(udid)
	if err != nil {
		return nil, fmt.Errorf("usbmux: read pair record for %s: %w", udid, err)
	}

	devices, err := conn.ListDevices()
	if err != nil {
		return nil, err
	}
	deviceID := -1
	for _, d := range devices {
		if d.UDID == udid {
			deviceID = d.DeviceID
			break
		}
	}
	if deviceID < 0 {
		return nil, fmt.Errorf("usbmux: udid %s: %w", udid, ErrNoDevice)
	}

	if err := conn.Dial(deviceID, port); err != nil {
		return nil, fmt.Errorf("usbmux: dial device %s port %d: %w", udid, port, err)
	}

	return &Client{
		conn:       conn,
		pairRecord: pairRecord,
		udid:       udid,
		deviceID:   deviceID,
	}, nil
}

// EnableSSL upgrades the connection to TLS using the pairing certificate.
func (c *Client) EnableSSL() error {
	cert, err := tls.X509KeyPair(c.pairRecord.HostCertificate, c.pairRecord.HostPrivateKey)
	if err != nil {
		return fmt.Errorf("usbmux: load pairing certificate: %w", err)
	}
	c.tlsConn = tls.Client(c.conn, &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
	})
	return c.tlsConn.Handshake()
}

// UDID returns the device identifier this client was opened for.
func (c *Client) UDID() string { return c.udid }

// DeviceID returns the usbmuxd-assigned numeric device ID.
func (c *Client) DeviceID() int { return c.deviceID }

// Conn returns the live connection, TLS-wrapped once EnableSSL succeeds.
func (c *Client) Conn() net.Conn {
	if c.tlsConn != nil {
		return c.tlsConn
	}
	return c.conn
}

// PairRecord returns the pairing record used to open this client.
func (c *Client) PairRecord() *PairRecord { return c.pairRecord }

// Close closes the underlying connection.
func (c *Client) Close() error { return c.Conn().Close() }

// Request sends req and decodes the reply into resp.
func (c *Client) Request(req, resp any) error {
	if err := c.Send(req); err != nil {
		return err
	}
	return c.Recv(resp)
}

// Send writes msg as a big-endian-length-prefixed plist frame.
func (c *Client) Send(msg any) error {
	data, err := plist.Marshal(msg, plist.XMLFormat)
	if err != nil {
		return fmt.Errorf("usbmux: marshal message: %w", err)
	}
	if err := binary.Write(c.Conn(), binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	return binary.Write(c.Conn(), binary.BigEndian, data)
}

// Recv decodes the next plist frame into resp.
func (c *Client) Recv(resp any) error {
	data, err := c.RecvBytes()
	if err != nil {
		return err
	}
	if _, err := plist.Unmarshal(data, resp); err != nil {
		return fmt.Errorf("usbmux: unmarshal message: %w", err)
	}
	return nil
}

// RecvBytes reads the next frame's raw plist bytes without decoding them.
func (c *Client) RecvBytes() ([]byte, error) {
	var size uint32
	if err := binary.Read(c.Conn(), binary.BigEndian, &size); err != nil {
		return nil, err
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(c.Conn(), data); err != nil {
		return nil, err
	}
	return data, nil
}

// DeviceLinkHandshake performs the mobilebackup2 DeviceLink version
// exchange: read the offered versions, echo the client's chosen version
// back, then wait for the ready acknowledgement.
func (c *Client) DeviceLinkHandshake() error {
	var versionExchange []any
	if err := c.Recv(&versionExchange); err != nil {
		return fmt.Errorf("usbmux: devicelink version exchange: %w", err)
	}
	if len(versionExchange) < 2 {
		return fmt.Errorf("usbmux: malformed devicelink version exchange")
	}
	reply := []any{"DLMessageVersionExchange", "DLVersionsOk", versionExchange[1]}
	if err := c.Send(reply); err != nil {
		return err
	}
	var ready []any
	return c.Recv(&ready)
}

// DeviceLinkSend wraps msg in the DLMessageProcessMessage envelope every
// mobilebackup2 control message travels in.
func (c *Client) DeviceLinkSend(msg any) error {
	return c.Send([]any{"DLMessageProcessMessage", msg})
}

// DeviceLinkRecv reads one DeviceLink frame and returns its message name
// plus the remaining array elements as arguments.
func (c *Client) DeviceLinkRecv() (name string, args []any, err error) {
	var dlMsg []any
	if err := c.Recv(&dlMsg); err != nil {
		return "", nil, err
	}
	if len(dlMsg) == 0 {
		return "", nil, fmt.Errorf("usbmux: empty devicelink frame")
	}
	name, ok := dlMsg[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("usbmux: devicelink frame missing message name")
	}
	return name, dlMsg[1:], nil
}
