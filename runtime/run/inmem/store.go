// Package inmem provides an in-memory run.Store for tests and local
// development. Production deployments use features/run/mongo.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/strandsec/strand/runtime/run"
)

type nodeKey struct {
	runID   string
	nodeRef string
	attempt int
}

// Store implements run.Store in memory.
type Store struct {
	mu    sync.RWMutex
	runs  map[string]*run.Run
	byKey map[string]string // tenantID\x00idempotencyKey -> runID
	nodes map[nodeKey]*run.NodeExecution
	order []string // run ids in creation order
}

// New returns an empty store.
func New() *Store {
	return &Store{
		runs:  make(map[string]*run.Run),
		byKey: make(map[string]string),
		nodes: make(map[nodeKey]*run.NodeExecution),
	}
}

func dedupeKey(tenantID, idemKey string) string {
	return tenantID + "\x00" + idemKey
}

// CreateRun persists the run, deduplicating on (tenant, idempotency key).
func (s *Store) CreateRun(_ context.Context, r *run.Run) (*run.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.IdempotencyKey != "" {
		if id, ok := s.byKey[dedupeKey(r.TenantID, r.IdempotencyKey)]; ok {
			cp := *s.runs[id]
			return &cp, false, nil
		}
	}
	if _, ok := s.runs[r.ID]; ok {
		return nil, false, fmt.Errorf("run %s: %w", r.ID, run.ErrConflict)
	}
	cp := *r
	s.runs[r.ID] = &cp
	s.order = append(s.order, r.ID)
	if r.IdempotencyKey != "" {
		s.byKey[dedupeKey(r.TenantID, r.IdempotencyKey)] = r.ID
	}
	out := cp
	return &out, true, nil
}

// GetRun returns a copy of the run.
func (s *Store) GetRun(_ context.Context, id string) (*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, run.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

// ListRuns returns matching runs, most recent first.
func (s *Store) ListRuns(_ context.Context, f run.ListFilter) ([]*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*run.Run
	for i := len(s.order) - 1; i >= 0; i-- {
		r := s.runs[s.order[i]]
		if f.WorkflowID != "" && r.WorkflowID != f.WorkflowID {
			continue
		}
		if f.TenantID != "" && r.TenantID != f.TenantID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// UpdateRunStatus transitions the run's status atomically.
func (s *Store) UpdateRunStatus(_ context.Context, id string, status run.Status, errMsg string, endedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, run.ErrNotFound)
	}
	if r.Status.Terminal() {
		return fmt.Errorf("run %s is %s: %w", id, r.Status, run.ErrConflict)
	}
	r.Status = status
	if errMsg != "" {
		r.Error = errMsg
	}
	if endedAt != nil {
		t := *endedAt
		r.EndedAt = &t
	}
	return nil
}

// UpsertNodeExecution writes the attempt record.
func (s *Store) UpsertNodeExecution(_ context.Context, ne *run.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ne
	s.nodes[nodeKey{ne.RunID, ne.NodeRef, ne.Attempt}] = &cp
	return nil
}

// NodeExecutions returns the run's attempt records ordered by (nodeRef, attempt).
func (s *Store) NodeExecutions(_ context.Context, runID string) ([]*run.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*run.NodeExecution
	for k, ne := range s.nodes {
		if k.runID != runID {
			continue
		}
		cp := *ne
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeRef != out[j].NodeRef {
			return out[i].NodeRef < out[j].NodeRef
		}
		return out[i].Attempt < out[j].Attempt
	})
	return out, nil
}

// Heartbeat stamps the attempt's liveness while it is running.
func (s *Store) Heartbeat(_ context.Context, runID, nodeRef string, attempt int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ne, ok := s.nodes[nodeKey{runID, nodeRef, attempt}]
	if !ok || ne.Status != run.NodeRunning {
		return nil
	}
	t := at
	ne.HeartbeatAt = &t
	return nil
}

// StaleRunning returns running attempts with heartbeats older than the horizon.
func (s *Store) StaleRunning(_ context.Context, olderThan time.Time) ([]*run.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*run.NodeExecution
	for _, ne := range s.nodes {
		if ne.Status != run.NodeRunning {
			continue
		}
		hb := ne.HeartbeatAt
		if hb == nil {
			hb = ne.StartedAt
		}
		if hb != nil && hb.Before(olderThan) {
			cp := *ne
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RunID != out[j].RunID {
			return out[i].RunID < out[j].RunID
		}
		return out[i].NodeRef < out[j].NodeRef
	})
	return out, nil
}

// ActiveRuns returns non-terminal runs in creation order.
func (s *Store) ActiveRuns(_ context.Context) ([]*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*run.Run
	for _, id := range s.order {
		r := s.runs[id]
		if r.Status.Terminal() {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}
