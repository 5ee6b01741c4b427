// Package approval manages human-in-the-loop gates: requests created when an
// approval node suspends, and the single-use tokens that decide them. Tokens
// are unguessable random values; presenting one both authenticates and
// consumes the decision.
package approval

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// Request status values.
const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
	StatusCancelled = "cancelled"
	StatusTimedOut  = "timedOut"
)

var (
	// ErrNotFound is returned for unknown request ids or tokens, including
	// tokens already consumed by a prior decision.
	ErrNotFound = errors.New("approval request not found")
	// ErrDecided is returned when a request reached a terminal status before
	// the current decision.
	ErrDecided = errors.New("approval request already decided")
)

type (
	// Request is one pending approval. ApproveToken and RejectToken are
	// distinct so a decision link encodes its outcome; both are invalidated
	// by the first decision.
	Request struct {
		ID           string          `json:"id"`
		RunID        string          `json:"runId"`
		NodeRef      string          `json:"nodeRef"`
		Title        string          `json:"title"`
		Description  string          `json:"description,omitempty"`
		ApproveToken string          `json:"approveToken"`
		RejectToken  string          `json:"rejectToken"`
		ContextData  json.RawMessage `json:"contextData,omitempty"`
		Status       string          `json:"status"`
		TimeoutAt    *time.Time      `json:"timeoutAt,omitempty"`
		DecidedBy    string          `json:"decidedBy,omitempty"`
		DecidedAt    *time.Time      `json:"decidedAt,omitempty"`
		Note         string          `json:"note,omitempty"`
		CreatedAt    time.Time       `json:"createdAt"`
	}

	// Decision is the outcome of presenting a token.
	Decision struct {
		Request  *Request
		Approved bool
	}

	// Store persists approval requests. Decisions are atomic: of two
	// concurrent calls with the same token, exactly one wins.
	Store interface {
		// Create persists a pending request. Tokens must already be set;
		// use NewToken.
		Create(ctx context.Context, req *Request) error
		// Get returns the request or ErrNotFound.
		Get(ctx context.Context, id string) (*Request, error)
		// DecideByToken consumes a token. The matching request transitions
		// to approved or rejected depending on which token was presented.
		// Unknown or already-consumed tokens fail with ErrNotFound; a
		// request decided through its other token fails with ErrDecided.
		DecideByToken(ctx context.Context, token, decidedBy, note string) (*Decision, error)
		// CancelForRun invalidates all pending requests of a run. Their
		// tokens stop working.
		CancelForRun(ctx context.Context, runID string) error
		// ExpireDue transitions pending requests whose TimeoutAt has passed
		// to timedOut and returns them.
		ExpireDue(ctx context.Context, now time.Time) ([]*Request, error)
	}
)

// NewToken returns a 32-byte cryptographically random token in hex.
func NewToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("approval: rand.Read: " + err.Error())
	}
	return hex.EncodeToString(b)
}
