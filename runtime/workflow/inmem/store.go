// Package inmem provides an in-memory workflow.Store for tests and local
// development. Production deployments use features/workflow/mongo.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/strandsec/strand/runtime/graph"
	"github.com/strandsec/strand/runtime/workflow"
)

// Store implements workflow.Store in memory.
type Store struct {
	mu  sync.RWMutex
	wfs map[string]*graph.Workflow
}

// New returns an empty store.
func New() *Store {
	return &Store{wfs: make(map[string]*graph.Workflow)}
}

// Save upserts the workflow and increments its version.
func (s *Store) Save(_ context.Context, wf *graph.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *wf
	if prev, ok := s.wfs[wf.ID]; ok {
		cp.Version = prev.Version + 1
	} else {
		cp.Version = 1
	}
	wf.Version = cp.Version
	s.wfs[wf.ID] = &cp
	return nil
}

// Get returns a copy of the workflow.
func (s *Store) Get(_ context.Context, id string) (*graph.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.wfs[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, workflow.ErrNotFound)
	}
	cp := *wf
	return &cp, nil
}

// List returns workflows sorted by id.
func (s *Store) List(_ context.Context, tenantID string) ([]*graph.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*graph.Workflow
	for _, wf := range s.wfs {
		if tenantID != "" && wf.TenantID != tenantID {
			continue
		}
		cp := *wf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes the workflow.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.wfs, id)
	return nil
}
