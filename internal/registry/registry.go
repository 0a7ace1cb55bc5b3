// Package registry implements the device registry and its debounced event
// state machine (C2): the map of known devices, the pending-event timer
// wheel that suppresses attach/detach flapping, and a token-addressed
// subscriber list.
//
// The subscribe/unsubscribe/publish shape is grounded on
// original_source/src/core/EventBus.{h,cpp} (token map, snapshot-then-
// unlock dispatch) and on the same pattern's idiomatic Go rendition in
// HerbHall-subnetree's internal/event.Bus. The debounce state machine
// itself has no analogue in either source; it is built directly from
// spec.md §4.2/§8.
package registry

import (
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/woshixty/DeviceWatcher/internal/model"
)

// DefaultDebounceWindow is the grace period within which opposing
// attach/detach events for the same uid cancel each other out.
const DefaultDebounceWindow = 800 * time.Millisecond

// Subscriber receives every event fired after Subscribe returns, delivered
// with no registry lock held.
type Subscriber func(model.DeviceEvent)

type pendingEntry struct {
	kind     model.EventKind
	snapshot model.DeviceInfo
	deadline time.Time
}

// Registry is the single owner of device state. Its worker goroutine
// applies Attach/Detach events and is the only writer of onlineSince and
// pendings; an InfoUpdated is merged into devices on the goroutine that
// submits it, under the same mutex. Providers communicate exclusively
// through Submit.
type Registry struct {
	debounceWindow time.Duration

	mu          sync.Mutex
	devices     map[string]model.DeviceInfo
	onlineSince map[string]time.Time
	pendings    map[string]pendingEntry
	subscribers map[uint64]Subscriber
	nextToken   uint64
	queue       []model.DeviceEvent

	wake    chan struct{}
	stopCh  chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New creates a registry with the given debounce window. A zero window
// falls back to DefaultDebounceWindow.
func New(debounceWindow time.Duration) *Registry {
	if debounceWindow <= 0 {
		debounceWindow = DefaultDebounceWindow
	}
	r := &Registry{
		debounceWindow: debounceWindow,
		devices:        make(map[string]model.DeviceInfo),
		onlineSince:    make(map[string]time.Time),
		pendings:       make(map[string]pendingEntry),
		subscribers:    make(map[uint64]Subscriber),
		wake:           make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
		stopped:        make(chan struct{}),
	}
	go r.run()
	return r
}

// Snapshot returns a consistent copy of the current device list. It never
// blocks a provider for longer than the time to clone the map.
func (r *Registry) Snapshot() []model.DeviceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.DeviceInfo, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

// OnlineSince returns the wall-clock time the device was confirmed online,
// and whether such a time is known.
func (r *Registry) OnlineSince(uid string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.onlineSince[uid]
	return t, ok
}

// Subscribe registers cb and returns a stable, positive, never-reused
// token. cb receives every event fired strictly after Subscribe returns.
func (r *Registry) Subscribe(cb Subscriber) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextToken++
	token := r.nextToken
	r.subscribers[token] = cb
	return token
}

// Unsubscribe removes a subscriber. It is idempotent and a no-op for zero
// or unknown tokens; the slot is tombstoned by map deletion, never
// compacted, so remaining tokens are unaffected.
func (r *Registry) Unsubscribe(token uint64) {
	if token == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribers, token)
}

// Submit enqueues event for processing and wakes the worker. It never
// blocks. InfoUpdated events bypass the debounce queue entirely and are
// merged and fired synchronously on the calling goroutine, per §4.2's
// "immediately fire" wording and the thread-inventory note in §5 that
// InfoUpdated may run "on the submitter".
func (r *Registry) Submit(evt model.DeviceEvent) {
	if evt.Kind == model.InfoUpdated {
		r.applyInfoUpdated(evt)
		return
	}

	r.mu.Lock()
	r.queue = append(r.queue, evt)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Stop shuts the worker down. Idempotent; never blocks past the worker's
// current iteration.
func (r *Registry) Stop() {
	r.once.Do(func() {
		close(r.stopCh)
	})
	<-r.stopped
}

func (r *Registry) run() {
	defer close(r.stopped)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		r.drainQueue()
		r.armTimer(timer)

		select {
		case <-r.stopCh:
			return
		case <-r.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
			r.fireExpired()
		}
	}
}

// armTimer resets timer to fire at the earliest pending deadline, or far in
// the future if there are no pendings. Caller must not be holding r.mu.
func (r *Registry) armTimer(timer *time.Timer) {
	r.mu.Lock()
	var earliest time.Time
	for _, p := range r.pendings {
		if earliest.IsZero() || p.deadline.Before(earliest) {
			earliest = p.deadline
		}
	}
	r.mu.Unlock()

	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}

	var d time.Duration
	if earliest.IsZero() {
		d = time.Hour
	} else {
		d = time.Until(earliest)
		if d < 0 {
			d = 0
		}
	}
	timer.Reset(d)
}

func (r *Registry) drainQueue() {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		evt := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		r.applyQueued(evt)
	}
}

// applyQueued processes an Attach or Detach event under the lock, per
// §4.2. It never fires subscribers directly; firing happens only when the
// debounce timer for that uid expires.
func (r *Registry) applyQueued(evt model.DeviceEvent) {
	r.mu.Lock()
	uid := evt.Info.Uid
	deadline := time.Now().Add(r.debounceWindow)

	switch evt.Kind {
	case model.Attach:
		d, ok := r.devices[uid]
		if !ok {
			d = model.DeviceInfo{Uid: uid}
		}
		d.Merge(evt.Info)

		// The pending snapshot carries the incoming event's own online
		// value (§8 S2: a device attached while adbState=offline fires
		// with online=false, enrichment arrives separately as an
		// InfoUpdated). The stored record is forced online=true
		// unconditionally per §4.2, so a concurrent Snapshot() sees the
		// device as attached even while its Attach notification is
		// still debouncing.
		snapshot := d
		snapshot.Online = evt.Info.Online
		d.Online = true
		r.devices[uid] = d
		r.pendings[uid] = pendingEntry{kind: model.Attach, snapshot: snapshot, deadline: deadline}
		log.WithField("uid", uid).Debug("registry: attach debounced")

	case model.Detach:
		d, ok := r.devices[uid]
		if !ok {
			// Unknown device detaching is a no-op: there is nothing to
			// suppress or later report as detached.
			r.mu.Unlock()
			return
		}
		d.Online = false
		r.devices[uid] = d
		r.pendings[uid] = pendingEntry{kind: model.Detach, snapshot: d, deadline: deadline}
		log.WithField("uid", uid).Debug("registry: detach debounced")
	}
	r.mu.Unlock()
}

// applyInfoUpdated merges evt into the stored record and fires immediately,
// bypassing the debounce window entirely (§4.2, §9).
func (r *Registry) applyInfoUpdated(evt model.DeviceEvent) {
	r.mu.Lock()
	uid := evt.Info.Uid
	d, ok := r.devices[uid]
	if !ok {
		d = model.DeviceInfo{Uid: uid}
	}
	d.Merge(evt.Info)
	r.devices[uid] = d
	snapshot := d
	subs := r.snapshotSubscribersLocked()
	r.mu.Unlock()

	log.WithField("uid", uid).Debug("registry: info updated, firing immediately")
	notify(subs, model.DeviceEvent{Kind: model.InfoUpdated, Info: snapshot})
}

// fireExpired processes every pending entry whose deadline has passed,
// per §4.2's "Timer fire" rules.
func (r *Registry) fireExpired() {
	now := time.Now()

	r.mu.Lock()
	var toFire []model.DeviceEvent
	for uid, p := range r.pendings {
		if p.deadline.After(now) {
			continue
		}
		delete(r.pendings, uid)

		switch p.kind {
		case model.Detach:
			delete(r.devices, uid)
			delete(r.onlineSince, uid)
			toFire = append(toFire, model.DeviceEvent{Kind: model.Detach, Info: p.snapshot})

		case model.Attach:
			if _, has := r.onlineSince[uid]; !has {
				r.onlineSince[uid] = now
			}
			toFire = append(toFire, model.DeviceEvent{Kind: model.Attach, Info: p.snapshot})
		}
	}
	subs := r.snapshotSubscribersLocked()
	r.mu.Unlock()

	for _, evt := range toFire {
		log.WithField("uid", evt.Info.Uid).WithField("kind", evt.Kind.String()).Debug("registry: debounce timer fired")
		notify(subs, evt)
	}
}

// snapshotSubscribersLocked must be called with r.mu held. It returns a
// copy of the subscriber list safe to iterate after the lock is released,
// so a subscriber calling back into the registry (Snapshot, Unsubscribe)
// from within its own callback can never deadlock.
func (r *Registry) snapshotSubscribersLocked() []Subscriber {
	subs := make([]Subscriber, 0, len(r.subscribers))
	for _, cb := range r.subscribers {
		subs = append(subs, cb)
	}
	return subs
}

func notify(subs []Subscriber, evt model.DeviceEvent) {
	for _, cb := range subs {
		cb(evt)
	}
}
