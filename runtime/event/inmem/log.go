// Package inmem provides an in-memory event.Log for tests and local
// development. Events are held per run with no persistence across restarts;
// production deployments use features/event/mongo.
package inmem

import (
	"context"
	"sync"

	"github.com/strandsec/strand/runtime/event"
)

// Log implements event.Log in memory. Appends to the same run are serialized
// by a per-log mutex; sequences are contiguous starting at 1.
type Log struct {
	mu   sync.RWMutex
	runs map[string][]event.Event
}

// New returns an empty log.
func New() *Log {
	return &Log{runs: make(map[string][]event.Event)}
}

// Append stores the event and returns its assigned sequence.
func (l *Log) Append(_ context.Context, ev event.Event) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq := int64(len(l.runs[ev.RunID])) + 1
	ev.Sequence = seq
	l.runs[ev.RunID] = append(l.runs[ev.RunID], ev)
	return seq, nil
}

// Read returns up to limit events with sequence > after, in order.
func (l *Log) Read(_ context.Context, runID string, after int64, limit int) ([]event.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	evs := l.runs[runID]
	if after < 0 {
		after = 0
	}
	if after >= int64(len(evs)) {
		return nil, nil
	}
	rest := evs[after:]
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
	}
	out := make([]event.Event, len(rest))
	copy(out, rest)
	return out, nil
}

// Last returns the highest assigned sequence for the run.
func (l *Log) Last(_ context.Context, runID string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.runs[runID])), nil
}
