package watchhub

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jsherman999/logtail/internal/config"
	"github.com/jsherman999/logtail/internal/tailreader"
	"github.com/jsherman999/logtail/internal/watcher"
)

var (
	ErrUnknownSource     = errors.New("unknown source")
	ErrInvalidLineCount  = errors.New("invalid line count")
	ErrAlreadySubscribed = errors.New("session already subscribed")
	ErrClosed            = errors.New("hub closed")
)

// Session is a connected viewer. Send may block; the hub never calls it while
// holding its lock, and never calls it concurrently for the same session.
type Session interface {
	ID() string
	Send(text string) error
}

// Resolver maps a source id to its file.
type Resolver interface {
	Resolve(id string) (config.Source, bool)
}

type Options struct {
	PollInterval    time.Duration
	BufferSize      int
	MaxBacklogLines int
	MaxPending      int
	// BacklogChunk is the maximum number of characters per backlog message.
	BacklogChunk int
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PollInterval:    cfg.Watcher.PollInterval,
		BufferSize:      cfg.Watcher.BufferSize,
		MaxBacklogLines: cfg.Backlog.MaxLines,
		MaxPending:      cfg.Session.MaxPending,
	}
}

// Hub fans appended file content out to viewer sessions. Each source with at
// least one subscriber owns exactly one watcher and one decoder; the watcher
// is stopped when the last subscriber leaves.
type Hub struct {
	sources Resolver
	opts    Options

	mu     sync.Mutex
	closed bool
	feeds  map[string]*feed
	subs   map[string]*subscriber
}

type feed struct {
	src config.Source
	w   *watcher.Watcher
	dec *Decoder
	// pos is the file offset just past the last byte handed to subscribers.
	pos  int64
	subs map[string]*subscriber
}

type subscriber struct {
	sourceID string
	out      *outbox
}

// FeedStats describes one active source.
type FeedStats struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Subscribers int    `json:"subscribers"`
	Offset      int64  `json:"offset"`
	Running     bool   `json:"running"`
}

func New(sources Resolver, opts Options) *Hub {
	if opts.BacklogChunk <= 0 {
		opts.BacklogChunk = 1024
	}
	return &Hub{
		sources: sources,
		opts:    opts,
		feeds:   make(map[string]*feed),
		subs:    make(map[string]*subscriber),
	}
}

// ParseLineCount parses the initial backlog size requested by a viewer.
func ParseLineCount(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLineCount, s)
	}
	return n, nil
}

// Subscribe queues the last lines of source id for s and then registers s for
// live updates. Nothing is registered when it returns an error.
func (h *Hub) Subscribe(id string, s Session, lines int) error {
	if lines < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidLineCount, lines)
	}
	src, ok := h.sources.Resolve(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, id)
	}
	enc, err := config.LookupEncoding(src.Encoding)
	if err != nil {
		return fmt.Errorf("source %s: %w", src.ID, err)
	}
	if h.opts.MaxBacklogLines > 0 && lines > h.opts.MaxBacklogLines {
		lines = h.opts.MaxBacklogLines
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if _, ok := h.subs[s.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, s.ID())
	}

	// The backlog ends where live delivery starts: at the watcher's start
	// offset for a new watcher, or at the last byte fanned out by a running one.
	f := h.feeds[src.ID]
	restart := f == nil || isDone(f.w)
	var end int64
	if restart {
		st, err := os.Stat(src.Path)
		if err != nil {
			return fmt.Errorf("watch %s: %w", src.ID, err)
		}
		end = st.Size()
	} else {
		end = f.pos
	}

	raw, err := tailreader.TailBefore(src.Path, lines, end)
	if err != nil {
		return fmt.Errorf("backlog %s: %w", src.ID, err)
	}
	backlog, err := DecodeAll(enc, raw)
	if err != nil {
		return fmt.Errorf("backlog %s: %w", src.ID, err)
	}

	if restart {
		if f == nil {
			f = &feed{src: src, subs: make(map[string]*subscriber)}
		}
		// A watcher that died on a read error is replaced by the next subscriber.
		w, err := watcher.Start(src.Path, h.fanout(f),
			watcher.WithOffset(end),
			watcher.WithInterval(h.opts.PollInterval),
			watcher.WithBufferSize(h.opts.BufferSize))
		if err != nil {
			return fmt.Errorf("watch %s: %w", src.ID, err)
		}
		f.w, f.dec, f.pos = w, NewDecoder(enc), end
		h.feeds[src.ID] = f
		log.Printf("watchhub: watching %s at %s offset %d", src.ID, w.Path(), end)
	}

	out := newOutbox(s, h.opts.MaxPending)
	for _, chunk := range splitText(backlog, h.opts.BacklogChunk) {
		out.pushBacklog(chunk)
	}
	out.start()

	sub := &subscriber{sourceID: src.ID, out: out}
	f.subs[s.ID()] = sub
	h.subs[s.ID()] = sub
	log.Printf("watchhub: session %s subscribed to %s (subscribers=%d backlog_lines=%d)", s.ID(), src.ID, len(f.subs), lines)
	return nil
}

// Unsubscribe removes s from source id. It is a no-op when s is not
// subscribed to id.
func (h *Hub) Unsubscribe(id string, s Session) {
	src, ok := h.sources.Resolve(id)
	if !ok {
		return
	}
	h.mu.Lock()
	sub, ok := h.subs[s.ID()]
	if !ok || sub.sourceID != src.ID {
		h.mu.Unlock()
		return
	}
	h.removeLocked(s.ID(), sub)
	h.mu.Unlock()

	sub.out.close()
}

// Disconnect removes s from whatever source it follows. It is safe to call
// for sessions that never subscribed and to call more than once.
func (h *Hub) Disconnect(s Session) {
	h.mu.Lock()
	sub, ok := h.subs[s.ID()]
	if !ok {
		h.mu.Unlock()
		return
	}
	h.removeLocked(s.ID(), sub)
	h.mu.Unlock()

	sub.out.close()
}

func (h *Hub) removeLocked(sessionID string, sub *subscriber) {
	delete(h.subs, sessionID)
	f := h.feeds[sub.sourceID]
	if f == nil {
		return
	}
	delete(f.subs, sessionID)
	log.Printf("watchhub: session %s left %s (subscribers=%d)", sessionID, sub.sourceID, len(f.subs))
	if len(f.subs) == 0 {
		f.w.Stop()
		delete(h.feeds, sub.sourceID)
		if n := f.dec.Pending(); n > 0 {
			log.Printf("watchhub: %s stopped with %d undecoded bytes", sub.sourceID, n)
		}
	}
}

// fanout is the watcher handler for f. It runs on the watcher goroutine.
func (h *Hub) fanout(f *feed) watcher.Handler {
	return func(p []byte) error {
		h.mu.Lock()
		defer h.mu.Unlock()

		// The feed may have been torn down while this read was in flight.
		if h.feeds[f.src.ID] != f {
			return nil
		}
		f.pos += int64(len(p))
		text, err := f.dec.Decode(p)
		for _, sub := range f.subs {
			sub.out.push(text)
		}
		if err != nil {
			return fmt.Errorf("decode %s: %w", f.src.ID, err)
		}
		return nil
	}
}

// Close stops every watcher and drops all sessions. Later subscribes fail
// with ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var outs []*outbox
	for _, sub := range h.subs {
		outs = append(outs, sub.out)
	}
	for id, f := range h.feeds {
		f.w.Stop()
		delete(h.feeds, id)
	}
	h.subs = make(map[string]*subscriber)
	h.mu.Unlock()

	for _, o := range outs {
		o.close()
	}
}

// Stats lists the sources that currently have a watcher, ordered by id.
func (h *Hub) Stats() []FeedStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]FeedStats, 0, len(h.feeds))
	for _, f := range h.feeds {
		out = append(out, FeedStats{
			ID:          f.src.ID,
			Label:       f.src.Label,
			Subscribers: len(f.subs),
			Offset:      f.w.Offset(),
			Running:     !isDone(f.w),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func isDone(w *watcher.Watcher) bool {
	select {
	case <-w.Done():
		return true
	default:
		return false
	}
}

// splitText cuts s into pieces of at most n characters without splitting a
// character.
func splitText(s string, n int) []string {
	if s == "" {
		return nil
	}
	if utf8.RuneCountInString(s) <= n {
		return []string{s}
	}
	var out []string
	count, start := 0, 0
	for i := range s {
		if count == n {
			out = append(out, s[start:i])
			start, count = i, 0
		}
		count++
	}
	return append(out, s[start:])
}
