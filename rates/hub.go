// Package rates keeps the latest exchange rates and fans rate updates out to streaming
// subscribers.
package rates

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	berr "github.com/next-trace/scg-pubsub/contract/errors"
	"github.com/next-trace/scg-pubsub/ratesrpc"
)

// DefaultBuffer is the number of updates queued per stream before the overflow policy applies.
const DefaultBuffer = 64

// Overflow decides what happens when a stream's queue is full.
type Overflow string

const (
	// DropOldest discards the oldest queued update to make room. Publishers never wait.
	DropOldest Overflow = "drop_oldest"
	// Block makes the publisher wait until the stream drains or goes away.
	Block Overflow = "block"
)

// ParseOverflow maps a config value to an Overflow. The empty string means DropOldest.
func ParseOverflow(s string) (Overflow, error) {
	switch Overflow(strings.ToLower(s)) {
	case "", DropOldest:
		return DropOldest, nil
	case Block:
		return Block, nil
	default:
		return "", fmt.Errorf("overflow policy %q: %w", s, berr.ErrUnknownOption)
	}
}

// Hub stores the latest rate per pair and delivers every accepted rate to the streams
// whose filter matches it.
type Hub struct {
	pubMu sync.Mutex // serializes Publish so streams see rates in acceptance order

	mu      sync.Mutex
	latest  map[string]ratesrpc.Rate
	streams map[*Stream]struct{}
	closed  bool

	buffer   int
	overflow Overflow
	metrics  Metrics
	logger   *slog.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBuffer sets the per-stream queue bound.
func WithBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithOverflow sets the full-queue policy.
func WithOverflow(o Overflow) HubOption {
	return func(h *Hub) {
		if o != "" {
			h.overflow = o
		}
	}
}

func WithHubMetrics(m Metrics) HubOption {
	return func(h *Hub) {
		if m != nil {
			h.metrics = m
		}
	}
}

func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		latest:   map[string]ratesrpc.Rate{},
		streams:  map[*Stream]struct{}{},
		buffer:   DefaultBuffer,
		overflow: DropOldest,
		metrics:  NopMetrics{},
		logger:   slog.Default(),
	}

	for _, o := range opts {
		o(h)
	}

	return h
}

// Publish records r as the latest rate of its pair and queues it on every matching stream.
// Under the Block policy it waits for full streams; ctx bounds that wait.
func (h *Hub) Publish(ctx context.Context, r ratesrpc.Rate) error {
	if err := r.Validate(); err != nil {
		return err
	}

	h.pubMu.Lock()
	defer h.pubMu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("publish rate %q: %w", r.Pair(), berr.ErrClosed)
	}

	h.latest[r.Pair()] = r

	var targets []*Stream
	for s := range h.streams {
		if s.filter.Matches(r) {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	h.metrics.RateReceived(r.Pair())

	for _, s := range targets {
		dropped, err := s.push(ctx, r, h.overflow)
		if err != nil {
			return fmt.Errorf("publish rate %q: %w", r.Pair(), err)
		}

		if dropped {
			h.metrics.RateDropped(r.Pair())
			h.logger.DebugContext(ctx, "rate stream full; dropped oldest update", "filter", s.filter.String())
		}
	}

	return nil
}

// Subscribe registers a stream for f and returns it with the snapshot of known rates
// matching f, ordered by pair. Rates accepted after the snapshot are queued on the stream,
// so nothing is missed or seen twice.
func (h *Hub) Subscribe(f Filter) (*Stream, []ratesrpc.Rate, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, nil, fmt.Errorf("subscribe %s: %w", f, berr.ErrClosed)
	}

	s := &Stream{
		hub:    h,
		filter: f,
		max:    h.buffer,
		ready:  make(chan struct{}, 1),
		space:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	h.streams[s] = struct{}{}

	return s, h.snapshotLocked(f), nil
}

// Snapshot returns the known rates matching f, ordered by pair.
func (h *Hub) Snapshot(f Filter) []ratesrpc.Rate {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.snapshotLocked(f)
}

func (h *Hub) snapshotLocked(f Filter) []ratesrpc.Rate {
	out := make([]ratesrpc.Rate, 0, len(h.latest))
	for _, r := range h.latest {
		if f.Matches(r) {
			out = append(out, r)
		}
	}

	slices.SortFunc(out, func(a, b ratesrpc.Rate) int { return strings.Compare(a.Pair(), b.Pair()) })

	return out
}

// Streams returns the number of open streams.
func (h *Hub) Streams() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.streams)
}

// Close ends every stream and rejects further publishes and subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}

	h.closed = true
	streams := h.streams
	h.streams = map[*Stream]struct{}{}
	h.mu.Unlock()

	for s := range streams {
		s.end()
	}
}

func (h *Hub) remove(s *Stream) {
	h.mu.Lock()
	delete(h.streams, s)
	h.mu.Unlock()
}

// Stream is one subscriber's bounded queue of rate updates. Next must be called from a
// single goroutine.
type Stream struct {
	hub    *Hub
	filter Filter

	mu      sync.Mutex
	buf     []ratesrpc.Rate
	max     int
	dropped uint64

	ready   chan struct{}
	space   chan struct{}
	done    chan struct{}
	endOnce sync.Once
}

// Filter returns the stream's filter.
func (s *Stream) Filter() Filter { return s.filter }

// Dropped returns how many updates were discarded for this stream.
func (s *Stream) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dropped
}

func (s *Stream) push(ctx context.Context, r ratesrpc.Rate, policy Overflow) (bool, error) {
	for {
		s.mu.Lock()
		select {
		case <-s.done:
			s.mu.Unlock()
			return false, nil
		default:
		}

		if len(s.buf) < s.max {
			s.buf = append(s.buf, r)
			s.mu.Unlock()
			signal(s.ready)

			return false, nil
		}

		if policy != Block {
			s.buf = append(s.buf[1:], r)
			s.dropped++
			s.mu.Unlock()
			signal(s.ready)

			return true, nil
		}
		s.mu.Unlock()

		select {
		case <-s.space:
		case <-s.done:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// Next returns the next queued rate. It blocks until one arrives, ctx ends or the stream
// is closed, in which case it returns ErrClosed.
func (s *Stream) Next(ctx context.Context) (ratesrpc.Rate, error) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			r := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			signal(s.space)

			return r, nil
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-s.done:
			return ratesrpc.Rate{}, fmt.Errorf("rate stream %s: %w", s.filter, berr.ErrClosed)
		case <-ctx.Done():
			return ratesrpc.Rate{}, ctx.Err()
		}
	}
}

// Close unregisters the stream from its hub and wakes any blocked publisher. It is idempotent.
func (s *Stream) Close() {
	s.hub.remove(s)
	s.end()
}

func (s *Stream) end() {
	s.endOnce.Do(func() { close(s.done) })
}

func signal(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}
