// Package event defines the run event model: an append-only, per-run ordered
// log of every state transition, plus a hub that fans events out to live
// subscribers with resumable cursors.
//
// Events are the source of truth for observers. Ordering guarantees: events
// within one run are totally ordered by Sequence; subscribers always observe
// them in sequence order with no duplicates. There is no cross-run ordering.
package event

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Kind identifies an event category.
type Kind string

// Event kinds, append-only. Renaming or reusing a kind breaks stored logs.
const (
	KindRunStarted    Kind = "run.started"
	KindRunCompleted  Kind = "run.completed"
	KindRunFailed     Kind = "run.failed"
	KindRunCancelled  Kind = "run.cancelled"
	KindNodeStarted   Kind = "node.started"
	KindNodeProgress  Kind = "node.progress"
	KindNodeLogged    Kind = "node.logged"
	KindNodeSucceeded Kind = "node.succeeded"
	KindNodeFailed    Kind = "node.failed"
	KindNodeSuspended Kind = "node.suspended"
	KindNodeResumed   Kind = "node.resumed"
	KindNodeSkipped   Kind = "node.skipped"
	KindStreamChunk   Kind = "stream.chunk"
	KindToolCall      Kind = "tool.call"
	KindToolResult    Kind = "tool.result"

	// KindOverrun is a hub-synthesized terminal marker delivered to a slow
	// subscriber immediately before it is dropped. It is never persisted.
	KindOverrun Kind = "subscriber.overrun"
)

// ErrNotFound is returned when reading events for an unknown run.
var ErrNotFound = errors.New("run has no events")

type (
	// Event is one recorded state transition. Sequence is a per-run
	// monotonic 64-bit integer assigned atomically on append; events are
	// never mutated after append.
	Event struct {
		Sequence int64           `json:"sequence"`
		RunID    string          `json:"runId"`
		NodeRef  string          `json:"nodeRef,omitempty"`
		Ts       time.Time       `json:"ts"`
		Kind     Kind            `json:"kind"`
		Payload  json.RawMessage `json:"payload,omitempty"`
	}

	// Log is the durable append-only store behind the hub. Append assigns
	// the next per-run sequence atomically; appends to the same run are
	// serialized, appends to different runs are independent.
	Log interface {
		// Append stores the event and returns its assigned sequence. The
		// event's Sequence field is ignored on input.
		Append(ctx context.Context, ev Event) (int64, error)
		// Read returns up to limit events with Sequence > after, in
		// ascending sequence order. A limit <= 0 means no bound.
		Read(ctx context.Context, runID string, after int64, limit int) ([]Event, error)
		// Last returns the highest assigned sequence for the run, zero when
		// the run has no events.
		Last(ctx context.Context, runID string) (int64, error)
	}
)

// New builds an event, marshaling the payload to JSON. Marshal failures are
// impossible for the engine's own payload structs; a defective payload
// degrades to a null payload rather than losing the transition.
func New(runID, nodeRef string, kind Kind, payload any) Event {
	var raw json.RawMessage
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			raw = b
		}
	}
	return Event{RunID: runID, NodeRef: nodeRef, Ts: time.Now().UTC(), Kind: kind, Payload: raw}
}

// DecodePayload unmarshals the event payload into out.
func (e Event) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return errors.New("event has no payload")
	}
	return json.Unmarshal(e.Payload, out)
}

// Terminal reports whether the kind ends a run.
func (k Kind) Terminal() bool {
	switch k {
	case KindRunCompleted, KindRunFailed, KindRunCancelled:
		return true
	}
	return false
}
