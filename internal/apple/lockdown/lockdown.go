// Package lockdown implements the lockdownd protocol needed to enumerate
// device metadata and hand off to a named service (mobilebackup2, in this
// agent's case): StartSession, GetValue and StartService.
//
// Adapted from the teacher's pkg/usb/lockdownd/lockdownd.go, trimmed to
// the values TestConnection and PerformBackup actually need instead of
// the teacher's full DeviceValues struct (that struct exists to mirror
// `ideviceinfo -x` output in full; this agent only ever reads three
// fields plus one boolean flag).
package lockdown

import (
	"fmt"

	"github.com/woshixty/DeviceWatcher/internal/apple/usbmux"
)

const servicePort = 62078

// Client is a lockdownd session opened for one device.
type Client struct {
	*usbmux.Client
}

type startSessionRequest struct {
	Label           string
	ProtocolVersion string
	Request         string
	HostID          string
	SystemBUID      string
}

type startSessionResponse struct {
	Request          string
	Result           string
	EnableSessionSSL bool
	SessionID        string
}

// bundleLabel identifies this agent to lockdownd; it plays the role of
// the "fixed client label" spec §4.4 requires for the handshake.
const bundleLabel = "com.devicewatch.agent"

// NewClient opens a lockdownd session for udid and starts SSL if the
// device requests it.
func NewClient(udid string) (*Client, error) {
	cli, err := usbmux.NewClient(udid, servicePort)
	if err != nil {
		return nil, fmt.Errorf("lockdown: connect: %w", err)
	}
	req := &startSessionRequest{
		Label:           bundleLabel,
		ProtocolVersion: "2",
		Request:         "StartSession",
		HostID:          cli.PairRecord().HostID,
		SystemBUID:      cli.PairRecord().SystemBUID,
	}
	var resp startSessionResponse
	if err := cli.Request(req, &resp); err != nil {
		cli.Close()
		return nil, fmt.Errorf("lockdown: start session: %w", err)
	}
	if resp.Result != "Success" {
		cli.Close()
		return nil, fmt.Errorf("lockdown: start session result %q", resp.Result)
	}
	if resp.EnableSessionSSL {
		if err := cli.EnableSSL(); err != nil {
			cli.Close()
			return nil, fmt.Errorf("lockdown: enable session ssl: %w", err)
		}
	}
	return &Client{cli}, nil
}

type startServiceRequest struct {
	Label     string
	Request   string
	Service   string
	EscrowBag []byte `plist:"EscrowBag,omitempty"`
}

// ServiceInfo describes the relay lockdownd opened for a named service.
type ServiceInfo struct {
	Request          string
	Result           string
	Service          string
	Port             int
	EnableServiceSSL bool
}

// StartService asks lockdownd to start service and relay it to a fresh
// port, optionally attaching the pairing escrow bag (mobilebackup2
// requires this).
func (lc *Client) StartService(service string, withEscrowBag bool) (*ServiceInfo, error) {
	req := &startServiceRequest{
		Label:   bundleLabel,
		Request: "StartService",
		Service: service,
	}
	if withEscrowBag {
		req.EscrowBag = lc.PairRecord().EscrowBag
	}
	var resp ServiceInfo
	if err := lc.Request(req, &resp); err != nil {
		return nil, fmt.Errorf("lockdown: start service %s: %w", service, err)
	}
	if resp.Result != "" && resp.Result != "Success" {
		return nil, fmt.Errorf("lockdown: start service %s result %q", service, resp.Result)
	}
	return &resp, nil
}

// NewClientForService opens a lockdown session, starts service, and
// returns a fresh usbmux.Client relayed to that service's port with TLS
// enabled if the service demands it. The lockdown session itself is
// closed before returning, matching the protocol's expectation that
// StartService hands off to an independent connection.
func NewClientForService(service, udid string, withEscrowBag bool) (*usbmux.Client, error) {
	lc, err := NewClient(udid)
	if err != nil {
		return nil, err
	}
	defer lc.Close()

	info, err := lc.StartService(service, withEscrowBag)
	if err != nil {
		return nil, err
	}

	cli, err := usbmux.NewClient(udid, info.Port)
	if err != nil {
		return nil, fmt.Errorf("lockdown: connect to service %s on port %d: %w", service, info.Port, err)
	}
	if info.EnableServiceSSL {
		if err := cli.EnableSSL(); err != nil {
			cli.Close()
			return nil, fmt.Errorf("lockdown: enable service ssl for %s: %w", service, err)
		}
	}
	return cli, nil
}

type getValueRequest struct {
	Request string
	Label   string
	Domain  string `plist:"Domain,omitempty"`
	Key     string `plist:"Key,omitempty"`
}

type getValueResponse struct {
	Domain  string `plist:"Domain,omitempty"`
	Error   string `plist:"Error,omitempty"`
	Key     string `plist:"Key,omitempty"`
	Request string `plist:"Request,omitempty"`
	Value   any    `plist:"Value,omitempty"`
}

// GetValue fetches a single key from domain (empty domain and key
// together fetch the whole default-domain dictionary).
func (lc *Client) GetValue(domain, key string) (any, error) {
	req := &getValueRequest{
		Request: "GetValue",
		Label:   bundleLabel,
		Domain:  domain,
		Key:     key,
	}
	var resp getValueResponse
	if err := lc.Request(req, &resp); err != nil {
		return nil, fmt.Errorf("lockdown: get value %s/%s: %w", domain, key, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("lockdown: get value %s/%s: %s", domain, key, resp.Error)
	}
	return resp.Value, nil
}

// GetString fetches a string-typed value, per §4.4's DeviceName/
// ProductType/ProductVersion probe.
func (lc *Client) GetString(domain, key string) (string, error) {
	v, err := lc.GetValue(domain, key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("lockdown: value %s/%s is not a string", domain, key)
	}
	return s, nil
}

// GetBool fetches a bool-typed value, per §4.4's WillEncrypt probe.
func (lc *Client) GetBool(domain, key string) (bool, error) {
	v, err := lc.GetValue(domain, key)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("lockdown: value %s/%s is not a bool", domain, key)
	}
	return b, nil
}
