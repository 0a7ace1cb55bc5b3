package catalog

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWatcherTriggersRescanOnCreate(t *testing.T) {
	root := t.TempDir()

	var mu sync.Mutex
	var calls int
	w, err := NewWatcher(root, func(res *ScanResult, err error) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	w.Start()
	defer w.Stop()

	if err := os.Mkdir(filepath.Join(root, "UDID1"), 0o755); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected at least one rescan callback after directory creation")
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	root := t.TempDir()
	w, err := NewWatcher(root, func(*ScanResult, error) {})
	if err != nil {
		t.Fatal(err)
	}
	w.Start()

	done := make(chan struct{})
	go func() {
		w.Stop()
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() blocked or double-stop was not idempotent")
	}
}
