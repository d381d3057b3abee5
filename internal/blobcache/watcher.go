package blobcache

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of blob file operation.
type EventOp int

const (
	// OpStored indicates a blob file appeared or was replaced.
	OpStored EventOp = iota
	// OpDeleted indicates a blob file was removed or renamed away.
	OpDeleted
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpStored:
		return "stored"
	case OpDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// BlobEvent is a change to a blob file in the cache directory.
type BlobEvent struct {
	Path string
	Key  string
	Op   EventOp
}

// Watcher reports blob files created or removed outside the cache, for
// example by a user clearing the directory.
type Watcher struct {
	watcher *fsnotify.Watcher
	events  chan BlobEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	dir     string
}

// NewWatcher creates a Watcher. It emits nothing until Start.
func NewWatcher() (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		watcher: w,
		events:  make(chan BlobEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching dir for *.blob changes.
func (w *Watcher) Start(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve blob directory %s: %w", dir, err)
	}
	if err := w.watcher.Add(abs); err != nil {
		return fmt.Errorf("failed to watch blob directory %s: %w", dir, err)
	}

	w.dir = abs
	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	return nil
}

// Stop stops watching and blocks until the event loop has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.wg.Wait()

	close(w.events)
	close(w.errors)

	return nil
}

// Events returns the BlobEvent channel. It is closed by Stop.
func (w *Watcher) Events() <-chan BlobEvent {
	return w.events
}

// Errors returns the error channel. It is closed by Stop.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if be, ok := w.convertEvent(event); ok {
				select {
				case w.events <- be:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convertEvent keeps *.blob files directly inside the watched directory.
// Temp files and the index are ignored.
func (w *Watcher) convertEvent(event fsnotify.Event) (BlobEvent, bool) {
	name := filepath.Base(event.Name)
	if !strings.HasSuffix(name, blobExt) || strings.HasPrefix(name, ".") {
		return BlobEvent{}, false
	}
	if filepath.Dir(event.Name) != w.dir {
		return BlobEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		op = OpStored
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpDeleted
	default:
		return BlobEvent{}, false
	}

	return BlobEvent{
		Path: event.Name,
		Key:  strings.TrimSuffix(name, blobExt),
		Op:   op,
	}, true
}

// Watch keeps the cache bookkeeping in step with the blob directory until
// ctx is done: deleted files are forgotten in both the memory tier and the
// index.
func (c *Cache) Watch(ctx context.Context) error {
	w, err := NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Start(c.config.Dir); err != nil {
		_ = w.watcher.Close()
		return err
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events():
			if !ok {
				return nil
			}
			if ev.Op != OpDeleted {
				continue
			}
			c.config.Logger.Printf("Blob %s removed from disk, forgetting", ev.Key)
			if err := c.Forget(ctx, ev.Key); err != nil && ctx.Err() == nil {
				c.config.Logger.Printf("Warning: failed to forget %s: %v", ev.Key, err)
			}

		case err, ok := <-w.Errors():
			if !ok {
				return nil
			}
			c.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}
