package event

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

// ErrOverrun terminates a subscription whose buffer overflowed. The
// subscriber receives a final subscriber.overrun marker event carrying the
// last delivered sequence, then its channel closes; reconnecting with that
// cursor resumes without loss.
var ErrOverrun = errors.New("subscriber overrun")

const (
	defaultBuffer      = 256
	defaultReplayBatch = 500
	publishShards      = 64
)

type (
	// Hub fans appended events out to live subscribers. Appends go through
	// the durable Log first, so a subscriber connecting with a cursor replays
	// history from storage and then switches to live tail without gaps or
	// duplicates. Producers never block: a subscriber that cannot keep up
	// with the live stream is dropped with an overrun marker.
	Hub struct {
		log    Log
		scrub  *Scrubber
		buffer int

		// pubMu serializes append plus fan-out per run (sharded by run id)
		// so live delivery observes sequences in order even when several
		// goroutines publish to the same run.
		pubMu [publishShards]sync.Mutex

		mu   sync.Mutex
		subs map[string]map[*Subscription]struct{}
	}

	// HubOption configures a Hub.
	HubOption func(*Hub)

	// Subscription is one observer of a run's event stream. Receive from C
	// until it closes, then check Err: nil means the context ended or Close
	// was called; ErrOverrun means the subscriber was too slow.
	Subscription struct {
		hub   *Hub
		runID string
		ch    chan Event

		mu       sync.Mutex
		last     int64
		caughtUp bool
		pending  []Event
		overrun  bool
		closed   bool
		err      error
	}
)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithScrubber redacts known secret values from payloads before append.
func WithScrubber(s *Scrubber) HubOption {
	return func(h *Hub) { h.scrub = s }
}

// NewHub builds a hub over the given durable log.
func NewHub(log Log, opts ...HubOption) *Hub {
	h := &Hub{
		log:    log,
		buffer: defaultBuffer,
		subs:   make(map[string]map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish appends the event to the log, assigns its sequence, and fans it
// out to the run's live subscribers. The append is durable before any
// subscriber observes the event.
func (h *Hub) Publish(ctx context.Context, ev Event) (int64, error) {
	if h.scrub != nil && len(ev.Payload) > 0 {
		ev.Payload = h.scrub.ScrubJSON(ev.Payload)
	}
	// Hold the run's publish lock across append and fan-out. Without it a
	// concurrent publisher holding a higher sequence could advance subscriber
	// watermarks first and the lower sequence would be dropped as a duplicate.
	lock := &h.pubMu[runShard(ev.RunID)]
	lock.Lock()
	defer lock.Unlock()
	seq, err := h.log.Append(ctx, ev)
	if err != nil {
		return 0, err
	}
	ev.Sequence = seq
	h.mu.Lock()
	targets := make([]*Subscription, 0, len(h.subs[ev.RunID]))
	for sub := range h.subs[ev.RunID] {
		targets = append(targets, sub)
	}
	h.mu.Unlock()
	for _, sub := range targets {
		sub.emitLive(ev)
	}
	return seq, nil
}

// Log exposes the backing log for direct reads.
func (h *Hub) Log() Log { return h.log }

func runShard(runID string) uint32 {
	x := fnv.New32a()
	x.Write([]byte(runID)) //nolint:errcheck // never fails
	return x.Sum32() % publishShards
}

// Subscribe opens a subscription that first replays stored events with
// Sequence > after and then tails live appends. Every event with a larger
// sequence is delivered exactly once, in order. The subscription ends when
// ctx is canceled, Close is called, or the buffer overruns.
func (h *Hub) Subscribe(ctx context.Context, runID string, after int64) *Subscription {
	sub := &Subscription{
		hub:   h,
		runID: runID,
		ch:    make(chan Event, h.buffer),
		last:  after,
	}
	h.mu.Lock()
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[*Subscription]struct{})
	}
	h.subs[runID][sub] = struct{}{}
	h.mu.Unlock()
	go sub.replay(ctx)
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if set, ok := h.subs[sub.runID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.runID)
		}
	}
	h.mu.Unlock()
}

// C is the event channel. It closes when the subscription ends.
func (s *Subscription) C() <-chan Event { return s.ch }

// Err reports why the subscription ended. ErrOverrun means events were
// missed; reconnect from the overrun marker's cursor.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription and releases its buffer. Idempotent.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.overrun {
		s.closed = true
		return
	}
	s.closed = true
	close(s.ch)
}

// replay pages stored events into the channel, then switches the
// subscription to live delivery. Replay sends block on the consumer (the
// bounded-buffer drop policy applies only to live fan-out, where producers
// must never block).
func (s *Subscription) replay(ctx context.Context) {
	cursor := s.cursor()
	for {
		batch, err := s.hub.log.Read(ctx, s.runID, cursor, defaultReplayBatch)
		if err != nil && !errors.Is(err, ErrNotFound) {
			s.fail(err)
			return
		}
		for _, ev := range batch {
			if !s.sendReplay(ctx, ev) {
				return
			}
			cursor = ev.Sequence
		}
		if len(batch) < defaultReplayBatch {
			// Caught up with storage; flush live events buffered during
			// replay and go live. Anything that raced between the last read
			// and the flush is in pending (publishers buffer onto
			// non-caught-up subscriptions) and the watermark drops
			// duplicates.
			s.mu.Lock()
			for _, ev := range s.pending {
				if s.closed || s.overrun {
					break
				}
				if ev.Sequence <= s.last {
					continue
				}
				if !s.trySendLocked(ev) {
					break
				}
			}
			s.pending = nil
			s.caughtUp = true
			s.mu.Unlock()
			// Watch for context cancellation from here on.
			go s.watch(ctx)
			return
		}
	}
}

func (s *Subscription) watch(ctx context.Context) {
	<-ctx.Done()
	s.Close()
}

func (s *Subscription) cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// sendReplay delivers a stored event, blocking until the consumer accepts it
// or the context ends. Returns false when the subscription is done.
func (s *Subscription) sendReplay(ctx context.Context, ev Event) bool {
	s.mu.Lock()
	if s.closed || s.overrun || ev.Sequence <= s.last {
		done := s.closed || s.overrun
		s.mu.Unlock()
		return !done
	}
	s.last = ev.Sequence
	s.mu.Unlock()
	select {
	case s.ch <- ev:
		return true
	case <-ctx.Done():
		s.Close()
		return false
	}
}

// emitLive delivers a freshly published event. During replay the event is
// buffered; after catch-up it goes straight to the channel, and a full
// channel drops the subscriber with an overrun marker.
func (s *Subscription) emitLive(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.overrun || ev.Sequence <= s.last {
		return
	}
	if !s.caughtUp {
		s.pending = append(s.pending, ev)
		return
	}
	s.trySendLocked(ev)
}

// trySendLocked attempts a non-blocking delivery. On overflow it marks the
// subscription overrun and spawns the terminal-marker goroutine. Callers
// hold s.mu.
func (s *Subscription) trySendLocked(ev Event) bool {
	select {
	case s.ch <- ev:
		s.last = ev.Sequence
		return true
	default:
		s.overrun = true
		s.err = ErrOverrun
		s.hub.unsubscribe(s)
		marker := New(s.runID, "", KindOverrun, OverrunPayload{LastDelivered: s.last})
		marker.Sequence = s.last
		go s.finishOverrun(marker)
		return false
	}
}

// finishOverrun delivers the terminal marker once the consumer drains a slot
// (bounded wait), then closes the channel.
func (s *Subscription) finishOverrun(marker Event) {
	select {
	case s.ch <- marker:
	case <-time.After(5 * time.Second):
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *Subscription) fail(err error) {
	s.hub.unsubscribe(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.overrun {
		return
	}
	s.err = err
	s.closed = true
	close(s.ch)
}
