// Package apple implements the discovery half of the Apple device stack:
// a long-lived subscriber to usbmuxd's Listen notification stream that
// feeds the registry a basic Attach/Detach immediately from the raw
// usbmux event, followed by an InfoUpdated once lockdown enrichment
// completes.
//
// spec.md's component table only describes the read/backup operations
// (TestConnection, PerformBackup); the discovery side is supplemented
// from original_source/src/providers/IosUsbmuxProvider.cpp, which
// subscribes to device add/remove events, emits a basic attach/detach
// immediately, then enriches with DeviceName/ProductType/ProductVersion
// on a second pass. Watcher renders that same two-phase shape in the
// teacher's provider idiom: an atomic running flag, a connection handle
// behind a short mutex for stop() to shut down, and a single worker
// goroutine per spec.md §5's "Apple usbmux watcher (1)".
package apple

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"

	"github.com/woshixty/DeviceWatcher/internal/apple/lockdown"
	"github.com/woshixty/DeviceWatcher/internal/apple/usbmux"
	"github.com/woshixty/DeviceWatcher/internal/model"
)

const (
	reconnectStep = 100 * time.Millisecond
	reconnectMax  = time.Second
)

// Sink receives the events this watcher derives from usbmux
// notifications, satisfied by *registry.Registry's Submit method
// without this package importing registry.
type Sink interface {
	Submit(model.DeviceEvent)
}

// Watcher subscribes to usbmuxd's Listen stream and translates
// Attached/Detached notifications into Attach/Detach/InfoUpdated
// events.
type Watcher struct {
	sink Sink

	running atomic.Bool
	mu      sync.Mutex
	conn    *usbmux.Conn

	stopCh chan struct{}
	done   chan struct{}
}

// NewWatcher creates a watcher that will subscribe to usbmuxd once
// Start is called.
func NewWatcher(sink Sink) *Watcher {
	return &Watcher{
		sink:   sink,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins the connect/listen/reconnect loop on a new goroutine. A
// no-op if the watcher is already running.
func (w *Watcher) Start() {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	go w.runLoop()
}

// Stop shuts the watcher down. Idempotent; blocks until the worker has
// exited.
func (w *Watcher) Stop() {
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	w.mu.Lock()
	if w.conn != nil {
		_ = w.conn.Close()
	}
	w.mu.Unlock()
	close(w.stopCh)
	<-w.done
}

func (w *Watcher) runLoop() {
	defer close(w.done)

	// deviceID->udid, learned from Attached notifications and needed to
	// label the corresponding Detached notification, which carries only
	// the numeric device ID.
	known := make(map[int]string)
	for w.running.Load() {
		if err := w.listenOnce(known); err != nil {
			log.WithError(err).Debug("apple: usbmux listen ended")
		}
		known = make(map[int]string)

		if !w.sleepBackoff() {
			return
		}
	}
}

func (w *Watcher) sleepBackoff() bool {
	elapsed := time.Duration(0)
	for elapsed < reconnectMax {
		select {
		case <-w.stopCh:
			return false
		case <-time.After(reconnectStep):
			elapsed += reconnectStep
		}
		if !w.running.Load() {
			return false
		}
	}
	return w.running.Load()
}

func (w *Watcher) listenOnce(known map[int]string) error {
	conn, err := usbmux.NewConn()
	if err != nil {
		return err
	}
	w.setConn(conn)
	defer w.setConn(nil)
	defer conn.Close()

	events, err := conn.Listen()
	if err != nil {
		return err
	}

	for w.running.Load() {
		att, ok := <-events
		if !ok {
			return nil
		}
		w.handleAttachment(att, known)
	}
	return nil
}

func (w *Watcher) setConn(c *usbmux.Conn) {
	w.mu.Lock()
	w.conn = c
	w.mu.Unlock()
}

func (w *Watcher) handleAttachment(att usbmux.Attachment, known map[int]string) {
	if att.Attached {
		if att.Info == nil || att.Info.UDID == "" {
			return
		}
		udid := att.Info.UDID
		known[att.DeviceID] = udid

		w.sink.Submit(model.DeviceEvent{Kind: model.Attach, Info: model.DeviceInfo{
			Type:         model.Apple,
			Uid:          udid,
			Manufacturer: "Apple",
			Transport:    "USB",
			Online:       true,
		}})

		go w.enrich(udid)
		return
	}

	udid, ok := known[att.DeviceID]
	if !ok {
		return
	}
	delete(known, att.DeviceID)
	w.sink.Submit(model.DeviceEvent{Kind: model.Detach, Info: model.DeviceInfo{
		Type:      model.Apple,
		Uid:       udid,
		Transport: "USB",
		Online:    false,
	}})
}

// enrich reads the display name and product identity via lockdown and
// submits the result as an InfoUpdated, reusing the same
// StartSession/GetValue path TestConnection uses.
func (w *Watcher) enrich(udid string) {
	lc, err := lockdown.NewClient(udid)
	if err != nil {
		log.WithField("udid", udid).WithError(err).Debug("apple: enrichment lockdown session failed")
		return
	}
	defer lc.Close()

	deviceName, err := lc.GetString("", "DeviceName")
	if err != nil {
		log.WithField("udid", udid).WithError(err).Debug("apple: enrichment DeviceName read failed")
		return
	}
	productType, _ := lc.GetString("", "ProductType")
	productVersion, _ := lc.GetString("", "ProductVersion")

	w.sink.Submit(model.DeviceEvent{Kind: model.InfoUpdated, Info: model.DeviceInfo{
		Type:         model.Apple,
		Uid:          udid,
		DisplayName:  deviceName,
		Manufacturer: "Apple",
		Model:        productType,
		OsVersion:    productVersion,
		Transport:    "USB",
		Online:       true,
	}})
}
