// Package workflow persists authored workflow definitions. The engine treats
// stored graphs as drafts until submission: validation happens when a run is
// requested, not when the workflow is saved, so editors can persist
// work-in-progress graphs freely.
package workflow

import (
	"context"
	"errors"

	"github.com/strandsec/strand/runtime/graph"
)

// ErrNotFound is returned for unknown workflow ids.
var ErrNotFound = errors.New("workflow not found")

// Store persists workflows. Save bumps the version on every write.
type Store interface {
	// Save upserts the workflow and increments its version.
	Save(ctx context.Context, wf *graph.Workflow) error
	// Get returns the workflow or ErrNotFound.
	Get(ctx context.Context, id string) (*graph.Workflow, error)
	// List returns a tenant's workflows, or all workflows when tenantID is
	// empty.
	List(ctx context.Context, tenantID string) ([]*graph.Workflow, error)
	// Delete removes the workflow. Deleting an unknown id is a no-op.
	Delete(ctx context.Context, id string) error
}
