// Package watcher follows a single file and hands newly appended bytes to a
// handler. It polls instead of relying on filesystem notifications so it
// behaves the same on every platform and on network mounts.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Handler receives bytes appended to the file. The slice is only valid for the
// duration of the call. Returned errors are logged and otherwise ignored.
type Handler func(p []byte) error

type Option func(*Watcher)

// WithInterval sets how long the loop sleeps once it has caught up with the file.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithBufferSize sets the size of a single read.
func WithBufferSize(n int) Option {
	return func(w *Watcher) {
		if n > 0 {
			w.bufSize = n
		}
	}
}

// WithOffset starts the cursor at off instead of the end of the file.
func WithOffset(off int64) Option {
	return func(w *Watcher) {
		if off >= 0 {
			w.startAt = off
		}
	}
}

type Watcher struct {
	path     string
	interval time.Duration
	bufSize  int
	startAt  int64

	f      *os.File
	offset atomic.Int64

	mu      sync.Mutex
	handler Handler

	cancel context.CancelFunc
	done   chan struct{}
}

// Start opens path, positions the cursor at the current end of file (or at
// WithOffset) and starts the polling loop. Bytes before the cursor are never
// delivered.
func Start(path string, h Handler, opts ...Option) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 10 * time.Millisecond,
		bufSize:  1024,
		startAt:  -1,
		handler:  h,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	w.f = f
	if w.startAt >= 0 {
		w.offset.Store(w.startAt)
	} else {
		w.offset.Store(st.Size())
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx)
	return w, nil
}

// SetHandler replaces the handler. A nil handler makes the loop keep its
// cursor moving while discarding the bytes.
func (w *Watcher) SetHandler(h Handler) {
	w.mu.Lock()
	w.handler = h
	w.mu.Unlock()
}

// Stop asks the loop to exit. It does not wait; use Done for that.
// Calling Stop more than once is harmless.
func (w *Watcher) Stop() { w.cancel() }

// Done is closed once the loop has exited and the file is closed.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// Offset reports the byte offset of the next read.
func (w *Watcher) Offset() int64 { return w.offset.Load() }

// Path reports the watched file.
func (w *Watcher) Path() string { return w.path }

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer w.f.Close()

	log.Printf("watcher: start %s at offset %d", w.path, w.Offset())
	defer func() { log.Printf("watcher: stop %s at offset %d", w.path, w.Offset()) }()

	buf := make([]byte, w.bufSize)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		n, err := w.f.ReadAt(buf, w.Offset())
		if n > 0 {
			w.offset.Add(int64(n))
			w.deliver(buf[:n])
			// Keep draining until we catch up with the writer.
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			log.Printf("watcher: read %s: %v", w.path, err)
			return
		}

		// A file that shrank below the cursor simply reads nothing until it
		// grows past the old offset again.
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Watcher) deliver(p []byte) {
	w.mu.Lock()
	h := w.handler
	w.mu.Unlock()
	if h == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("watcher: handler for %s panicked: %v", w.path, r)
		}
	}()
	if err := h(p); err != nil {
		log.Printf("watcher: handler for %s: %v", w.path, err)
	}
}
