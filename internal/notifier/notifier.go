// Package notifier implements C5: a single worker that drains a bounded
// FIFO of registry events and delivers each as one JSON line to an
// optional webhook and/or an optional local TCP endpoint, each gated by
// its own linear backoff.
//
// Grounded on original_source/src/core/ExternalNotifier.cpp for exact
// behavior (per-channel next-allowed steady-clock gate, 3s additive
// backoff on failure, Content-Type: application/json, Connection:
// close for the webhook path) and on HerbHall-subnetree's
// internal/webhook.Module.send for the idiomatic net/http rendition of
// the same POST-and-log-on-failure shape.
package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/woshixty/DeviceWatcher/internal/model"
	"github.com/woshixty/DeviceWatcher/internal/registry"
)

// backoff is the per-channel penalty applied after a failed delivery,
// per spec §4.6's "advances next_allowed by 3 seconds".
const backoff = 3 * time.Second

// queueCapacity bounds the FIFO between the registry's subscriber
// callback and the notifier worker; a full queue drops the oldest
// event rather than block the registry worker that is delivering it.
const queueCapacity = 256

type queuedEvent struct {
	evt model.DeviceEvent
	ts  time.Time
}

// deviceJSON is the "device" object embedded in each notification line,
// per spec §4.6 item 1's exact field list.
type deviceJSON struct {
	Type         string `json:"type"`
	Uid          string `json:"uid"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	OsVersion    string `json:"osVersion"`
	Transport    string `json:"transport"`
	Vid          int    `json:"vid"`
	Pid          int    `json:"pid"`
}

type eventJSON struct {
	Ts     string     `json:"ts"`
	Event  string     `json:"event"`
	Device deviceJSON `json:"device"`
}

// Notifier is a registry subscriber that formats and delivers events to
// external sinks. Sink failures never block the registry: Submit
// callbacks only enqueue, the actual HTTP/TCP I/O happens on the
// worker goroutine.
type Notifier struct {
	webhookURL string
	tcpAddr    string
	client     *http.Client

	mu   sync.Mutex
	next map[string]time.Time // "http" / "tcp" -> next allowed steady-clock-equivalent time

	queue  chan queuedEvent
	stopCh chan struct{}
	done   chan struct{}
	token  uint64
}

// New creates a notifier. Either webhookURL or tcpAddr (or both) may be
// empty, disabling that channel.
func New(webhookURL, tcpAddr string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		tcpAddr:    tcpAddr,
		client:     &http.Client{Timeout: 5 * time.Second},
		next:       make(map[string]time.Time),
		queue:      make(chan queuedEvent, queueCapacity),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Attach subscribes the notifier to reg and starts its worker.
func (n *Notifier) Attach(reg *registry.Registry) {
	n.token = reg.Subscribe(n.enqueue)
	go n.run()
}

// Detach unsubscribes from reg and stops the worker. Idempotent.
func (n *Notifier) Detach(reg *registry.Registry) {
	reg.Unsubscribe(n.token)
	n.Stop()
}

// Stop shuts the worker down. Idempotent; never blocks past the
// worker's current delivery attempt.
func (n *Notifier) Stop() {
	select {
	case <-n.stopCh:
		return
	default:
	}
	close(n.stopCh)
	<-n.done
}

// enqueue is the registry Subscriber callback: it never blocks. A full
// queue drops the oldest queued event to make room, since a registry
// worker or immediate-InfoUpdated submitter must never stall on a slow
// notifier channel.
func (n *Notifier) enqueue(evt model.DeviceEvent) {
	q := queuedEvent{evt: evt, ts: time.Now()}
	select {
	case n.queue <- q:
		return
	default:
	}
	// Queue full: drop the oldest to make room for the newest event.
	select {
	case <-n.queue:
	default:
	}
	select {
	case n.queue <- q:
	default:
	}
}

func (n *Notifier) run() {
	defer close(n.done)
	for {
		select {
		case <-n.stopCh:
			return
		case q := <-n.queue:
			n.handle(q)
		}
	}
}

func (n *Notifier) handle(q queuedEvent) {
	line, err := toJSONLine(q.evt, q.ts)
	if err != nil {
		log.WithError(err).Warn("notifier: failed to serialize event")
		return
	}

	now := time.Now()
	if n.webhookURL != "" && n.allowed("http", now) {
		if err := n.sendWebhook(line); err != nil {
			log.WithError(err).Warn("notifier: webhook delivery failed, backing off")
			n.setNext("http", now.Add(backoff))
		} else {
			n.setNext("http", now)
		}
	}
	if n.tcpAddr != "" && n.allowed("tcp", now) {
		if err := n.sendTCP(line); err != nil {
			log.WithError(err).Warn("notifier: tcp delivery failed, backing off")
			n.setNext("tcp", now.Add(backoff))
		} else {
			n.setNext("tcp", now)
		}
	}
}

func (n *Notifier) allowed(channel string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	next, ok := n.next[channel]
	return !ok || !now.Before(next)
}

func (n *Notifier) setNext(channel string, t time.Time) {
	n.mu.Lock()
	n.next[channel] = t
	n.mu.Unlock()
}

func (n *Notifier) sendWebhook(line []byte) error {
	req, err := http.NewRequest(http.MethodPost, n.webhookURL, bytes.NewReader(line))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Close = true

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("notifier: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) sendTCP(line []byte) error {
	conn, err := net.DialTimeout("tcp", n.tcpAddr, 3*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

func toJSONLine(evt model.DeviceEvent, ts time.Time) ([]byte, error) {
	obj := eventJSON{
		Ts:    ts.Format("2006-01-02T15:04:05.000Z07:00"),
		Event: evt.Kind.String(),
		Device: deviceJSON{
			Type:         evt.Info.Type.String(),
			Uid:          evt.Info.Uid,
			Manufacturer: evt.Info.Manufacturer,
			Model:        evt.Info.Model,
			OsVersion:    evt.Info.OsVersion,
			Transport:    evt.Info.Transport,
			Vid:          evt.Info.Vid,
			Pid:          evt.Info.Pid,
		},
	}
	return json.Marshal(obj)
}
