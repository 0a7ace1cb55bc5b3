package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/woshixty/DeviceWatcher/internal/model"
)

const testWindow = 60 * time.Millisecond

func collector() (*sync.Mutex, *[]model.DeviceEvent, Subscriber) {
	var mu sync.Mutex
	var events []model.DeviceEvent
	return &mu, &events, func(evt model.DeviceEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, evt)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %v", timeout)
	}
}

func TestSubscribeTokensArePositiveAndUnique(t *testing.T) {
	r := New(testWindow)
	defer r.Stop()

	tok1 := r.Subscribe(func(model.DeviceEvent) {})
	tok2 := r.Subscribe(func(model.DeviceEvent) {})
	if tok1 == 0 || tok2 == 0 {
		t.Fatal("tokens must be > 0")
	}
	if tok1 == tok2 {
		t.Fatal("tokens must be unique")
	}
}

func TestUnsubscribeIsIdempotentAndStopsDelivery(t *testing.T) {
	r := New(testWindow)
	defer r.Stop()

	mu, events, cb := collector()
	tok := r.Subscribe(cb)
	r.Unsubscribe(tok)
	r.Unsubscribe(tok) // second call is a no-op
	r.Unsubscribe(0)   // zero token is a no-op

	r.Submit(model.DeviceEvent{Kind: model.InfoUpdated, Info: model.DeviceInfo{Uid: "x", Model: "m"}})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(*events) != 0 {
		t.Fatalf("expected no events after unsubscribe, got %v", *events)
	}
}

func TestUnsubscribeDoesNotShiftOtherTokens(t *testing.T) {
	r := New(testWindow)
	defer r.Stop()

	var mu sync.Mutex
	var fired []int
	sub := func(id int) Subscriber {
		return func(model.DeviceEvent) {
			mu.Lock()
			defer mu.Unlock()
			fired = append(fired, id)
		}
	}

	tok1 := r.Subscribe(sub(1))
	tok2 := r.Subscribe(sub(2))
	_ = tok2
	r.Unsubscribe(tok1)

	r.Submit(model.DeviceEvent{Kind: model.InfoUpdated, Info: model.DeviceInfo{Uid: "x"}})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 || fired[0] != 2 {
		t.Fatalf("expected only subscriber 2 to fire, got %v", fired)
	}
}

// S1: an attach immediately followed by a detach within the debounce
// window resolves as a single Detach; no Attach is ever observed.
func TestFlapSuppression(t *testing.T) {
	r := New(testWindow)
	defer r.Stop()

	mu, events, cb := collector()
	r.Subscribe(cb)

	r.Submit(model.DeviceEvent{Kind: model.Attach, Info: model.DeviceInfo{Uid: "S1", Model: "P7", Online: true}})
	r.Submit(model.DeviceEvent{Kind: model.Detach, Info: model.DeviceInfo{Uid: "S1"}})

	waitFor(t, 2*testWindow+50*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*events) > 0
	})

	// Give a little more time to make sure nothing else arrives.
	time.Sleep(testWindow / 2)

	mu.Lock()
	defer mu.Unlock()
	if len(*events) != 1 {
		t.Fatalf("expected exactly one event, got %v", *events)
	}
	if (*events)[0].Kind != model.Detach {
		t.Fatalf("expected Detach, got %v", (*events)[0].Kind)
	}
}

// S1 continued: re-attach after the flap still yields a single Attach once
// things go quiet.
func TestFlapThenReattachYieldsSingleAttach(t *testing.T) {
	r := New(testWindow)
	defer r.Stop()

	mu, events, cb := collector()
	r.Subscribe(cb)

	r.Submit(model.DeviceEvent{Kind: model.Attach, Info: model.DeviceInfo{Uid: "S1", Model: "P7", Online: true}})
	time.Sleep(20 * time.Millisecond)
	r.Submit(model.DeviceEvent{Kind: model.Detach, Info: model.DeviceInfo{Uid: "S1"}})
	time.Sleep(20 * time.Millisecond)
	r.Submit(model.DeviceEvent{Kind: model.Attach, Info: model.DeviceInfo{Uid: "S1", Model: "P7", Online: true}})

	waitFor(t, 3*testWindow, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*events) > 0
	})
	time.Sleep(testWindow / 2)

	mu.Lock()
	defer mu.Unlock()
	if len(*events) != 1 || (*events)[0].Kind != model.Attach {
		t.Fatalf("expected exactly one Attach, got %v", *events)
	}
	since, ok := r.OnlineSince("S1")
	if !ok || since.IsZero() {
		t.Fatal("expected onlineSince to be set")
	}
}

// S7: an Attach followed by quiescence longer than the window delivers
// exactly one Attach.
func TestAttachAloneFiresOnce(t *testing.T) {
	r := New(testWindow)
	defer r.Stop()

	mu, events, cb := collector()
	r.Subscribe(cb)

	r.Submit(model.DeviceEvent{Kind: model.Attach, Info: model.DeviceInfo{Uid: "A1", Online: true}})

	waitFor(t, 2*testWindow, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*events) == 1
	})
	time.Sleep(testWindow)

	mu.Lock()
	defer mu.Unlock()
	if len(*events) != 1 {
		t.Fatalf("expected exactly one Attach total, got %d", len(*events))
	}
}

// S2: enrichment that lands while an Attach is still debouncing must not
// leak into the fired Attach. The subscriber sees the pre-enrichment
// snapshot (adbState=offline, online=false) on the Attach, and the
// enriched fields only via the separate, immediate InfoUpdated.
func TestEnrichmentDuringPendingAttach(t *testing.T) {
	r := New(testWindow)
	defer r.Stop()

	mu, events, cb := collector()
	r.Subscribe(cb)

	r.Submit(model.DeviceEvent{Kind: model.Attach, Info: model.DeviceInfo{
		Uid: "S2", AdbState: "offline", Online: false,
	}})
	time.Sleep(10 * time.Millisecond)
	r.Submit(model.DeviceEvent{Kind: model.InfoUpdated, Info: model.DeviceInfo{
		Uid: "S2", AdbState: "device", Model: "Pixel", Online: true,
	}})

	waitFor(t, 2*testWindow, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*events) >= 2
	})

	mu.Lock()
	defer mu.Unlock()
	if len(*events) != 2 {
		t.Fatalf("expected 2 events, got %v", *events)
	}
	// InfoUpdated must come first: it fires synchronously on submit,
	// well before the debounce window elapses.
	if (*events)[0].Kind != model.InfoUpdated {
		t.Fatalf("expected InfoUpdated first, got %v", (*events)[0].Kind)
	}
	if (*events)[0].Info.Model != "Pixel" || !(*events)[0].Info.Online {
		t.Fatalf("info-updated event should carry the enrichment, got %+v", (*events)[0].Info)
	}
	if (*events)[1].Kind != model.Attach {
		t.Fatalf("expected Attach second, got %v", (*events)[1].Kind)
	}
	if (*events)[1].Info.Online {
		t.Fatal("attach snapshot must reflect the pre-enrichment online=false state, not the InfoUpdated that raced it")
	}
	if (*events)[1].Info.AdbState != "offline" {
		t.Fatalf("attach snapshot must reflect the pre-enrichment adbState, got %q", (*events)[1].Info.AdbState)
	}
	if (*events)[1].Info.Model != "" {
		t.Fatalf("attach snapshot must not carry the model that arrived via the later InfoUpdated, got %q", (*events)[1].Info.Model)
	}

	// The live registry, however, already reflects both the forced
	// online=true (set the instant the Attach was queued) and the
	// InfoUpdated enrichment that landed on top of it.
	snap := r.Snapshot()
	if len(snap) != 1 || !snap[0].Online || snap[0].Model != "Pixel" {
		t.Fatalf("expected live snapshot to be online with merged model, got %+v", snap)
	}
}

func TestMonotonicMergeNeverErasesKnownField(t *testing.T) {
	r := New(testWindow)
	defer r.Stop()

	r.Submit(model.DeviceEvent{Kind: model.InfoUpdated, Info: model.DeviceInfo{
		Uid: "M1", Manufacturer: "Google", Model: "Pixel 7",
	}})
	time.Sleep(10 * time.Millisecond)
	r.Submit(model.DeviceEvent{Kind: model.InfoUpdated, Info: model.DeviceInfo{
		Uid: "M1", OsVersion: "14",
	}})
	time.Sleep(10 * time.Millisecond)

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected one device, got %d", len(snap))
	}
	d := snap[0]
	if d.Manufacturer != "Google" || d.Model != "Pixel 7" || d.OsVersion != "14" {
		t.Fatalf("expected merged fields to be preserved, got %+v", d)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	r := New(testWindow)
	r.Stop()
	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Stop() call blocked")
	}
}

func TestSubscriberCanCallBackIntoRegistryWithoutDeadlock(t *testing.T) {
	r := New(testWindow)
	defer r.Stop()

	done := make(chan struct{})
	var tok uint64
	tok = r.Subscribe(func(model.DeviceEvent) {
		_ = r.Snapshot()
		r.Unsubscribe(tok)
		close(done)
	})

	r.Submit(model.DeviceEvent{Kind: model.InfoUpdated, Info: model.DeviceInfo{Uid: "reentrant"}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reentrant subscriber callback deadlocked")
	}
}
