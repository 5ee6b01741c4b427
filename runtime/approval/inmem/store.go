// Package inmem provides an in-memory approval.Store for tests and local
// development. Production deployments use features/approval/mongo.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/strandsec/strand/runtime/approval"
)

// Store implements approval.Store in memory.
type Store struct {
	mu      sync.Mutex
	byID    map[string]*approval.Request
	byToken map[string]string // token -> request id
}

// New returns an empty store.
func New() *Store {
	return &Store{
		byID:    make(map[string]*approval.Request),
		byToken: make(map[string]string),
	}
}

// Create persists a pending request.
func (s *Store) Create(_ context.Context, req *approval.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[req.ID]; ok {
		return fmt.Errorf("approval %s already exists", req.ID)
	}
	cp := *req
	s.byID[req.ID] = &cp
	s.byToken[req.ApproveToken] = req.ID
	s.byToken[req.RejectToken] = req.ID
	return nil
}

// Get returns a copy of the request.
func (s *Store) Get(_ context.Context, id string) (*approval.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", id, approval.ErrNotFound)
	}
	cp := *req
	return &cp, nil
}

// DecideByToken consumes a token and settles its request.
func (s *Store) DecideByToken(_ context.Context, token, decidedBy, note string) (*approval.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byToken[token]
	if !ok {
		return nil, approval.ErrNotFound
	}
	req := s.byID[id]
	if req.Status != approval.StatusPending {
		return nil, fmt.Errorf("approval %s is %s: %w", id, req.Status, approval.ErrDecided)
	}
	approved := token == req.ApproveToken
	if approved {
		req.Status = approval.StatusApproved
	} else {
		req.Status = approval.StatusRejected
	}
	now := time.Now().UTC()
	req.DecidedBy = decidedBy
	req.DecidedAt = &now
	req.Note = note
	delete(s.byToken, req.ApproveToken)
	delete(s.byToken, req.RejectToken)
	cp := *req
	return &approval.Decision{Request: &cp, Approved: approved}, nil
}

// CancelForRun invalidates all pending requests of a run.
func (s *Store) CancelForRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range s.byID {
		if req.RunID != runID || req.Status != approval.StatusPending {
			continue
		}
		req.Status = approval.StatusCancelled
		delete(s.byToken, req.ApproveToken)
		delete(s.byToken, req.RejectToken)
	}
	return nil
}

// ExpireDue times out pending requests past their deadline.
func (s *Store) ExpireDue(_ context.Context, now time.Time) ([]*approval.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*approval.Request
	for _, req := range s.byID {
		if req.Status != approval.StatusPending || req.TimeoutAt == nil || req.TimeoutAt.After(now) {
			continue
		}
		req.Status = approval.StatusTimedOut
		delete(s.byToken, req.ApproveToken)
		delete(s.byToken, req.RejectToken)
		cp := *req
		out = append(out, &cp)
	}
	return out, nil
}
