// Package registry hosts the process-wide catalog of component definitions.
// The catalog is seeded at startup and frozen before the first run is
// submitted; after Freeze every read is lock-free from the caller's point of
// view and no mutation is possible. Parameter and port specs are treated
// opaquely here; their semantics are enforced by the graph validator.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registration errors.
var (
	// ErrDuplicate is returned when registering an id twice. This is a
	// configuration error: component ids are stable references and must be
	// unique for the process lifetime.
	ErrDuplicate = errors.New("component id already registered")
	// ErrFrozen is returned when registering after Freeze.
	ErrFrozen = errors.New("registry is frozen")
	// ErrNotFound is returned by Get for unknown ids.
	ErrNotFound = errors.New("component not found")
)

// Registry is the in-process component catalog.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]*Definition
	frozen bool
}

// New returns an empty, unfrozen registry.
func New() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a definition to the catalog. It fails with ErrDuplicate when
// the id is already present and with ErrFrozen after Freeze. The definition
// is stored by reference and must not be mutated by the caller afterwards.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return errors.New("nil definition")
	}
	if def.ID == "" {
		return errors.New("definition id is required")
	}
	if def.Runner.Kind == RunInline && def.Execute == nil && !def.Capabilities.ToolMode {
		return fmt.Errorf("inline component %q has no execute function", def.ID)
	}
	if def.Runner.Kind == RunContainer && def.Runner.Image == "" {
		return fmt.Errorf("container component %q has no image reference", def.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("register %q: %w", def.ID, ErrFrozen)
	}
	if _, ok := r.defs[def.ID]; ok {
		return fmt.Errorf("register %q: %w", def.ID, ErrDuplicate)
	}
	r.defs[def.ID] = def
	return nil
}

// Freeze forbids further registration. Idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Get returns the definition for id or ErrNotFound.
func (r *Registry) Get(id string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	if !ok {
		return nil, fmt.Errorf("component %q: %w", id, ErrNotFound)
	}
	return def, nil
}

// List returns all definitions sorted by id.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
