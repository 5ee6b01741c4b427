// Package sink delivers structured findings produced by terminal sink nodes
// to an external search index. The engine hands a batch to the indexer when a
// sink node executes; the indexer normalizes items into tenant-scoped
// documents and classifies failures so the node's retry policy can act on
// them.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrPermanent marks indexing failures that retrying cannot fix, typically a
// document the index rejected. Wrap with Permanent.
var ErrPermanent = errors.New("permanent indexing failure")

type (
	// Batch is the unit handed to the indexer by a sink node.
	Batch struct {
		RunID      string            `json:"runId"`
		WorkflowID string            `json:"workflowId"`
		TenantID   string            `json:"tenantId"`
		NodeRef    string            `json:"nodeRef"`
		Items      []json.RawMessage `json:"items"`
	}

	// Document is a normalized finding. AssetKey identifies the subject of
	// the finding (a host, a URL, a repository) so repeated runs against the
	// same asset upsert instead of accumulating.
	Document struct {
		TenantID   string          `json:"tenantId"`
		WorkflowID string          `json:"workflowId"`
		RunID      string          `json:"runId"`
		NodeRef    string          `json:"nodeRef"`
		AssetKey   string          `json:"assetKey"`
		Severity   string          `json:"severity,omitempty"`
		Title      string          `json:"title,omitempty"`
		Finding    json.RawMessage `json:"finding"`
		IndexedAt  time.Time       `json:"indexedAt"`
	}

	// Indexer writes finding batches to the search store. Index returns a
	// permanent error (errors.Is ErrPermanent) for schema rejections and a
	// plain error for retryable transport failures.
	Indexer interface {
		Index(ctx context.Context, b Batch) (int, error)
	}
)

// Permanent wraps err so Retryable reports false for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Retryable reports whether an indexing error should count against the sink
// node's retry policy as a transient failure.
func Retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrPermanent)
}

// Normalize turns a raw batch item into a Document. Items must be JSON
// objects with a non-empty assetKey field; severity and title are lifted when
// present. Violations are permanent.
func Normalize(b Batch, item json.RawMessage, now time.Time) (Document, error) {
	var probe struct {
		AssetKey string `json:"assetKey"`
		Severity string `json:"severity"`
		Title    string `json:"title"`
	}
	if err := json.Unmarshal(item, &probe); err != nil {
		return Document{}, Permanent(fmt.Errorf("finding is not an object: %w", err))
	}
	if probe.AssetKey == "" {
		return Document{}, Permanent(errors.New("finding missing assetKey"))
	}
	return Document{
		TenantID:   b.TenantID,
		WorkflowID: b.WorkflowID,
		RunID:      b.RunID,
		NodeRef:    b.NodeRef,
		AssetKey:   probe.AssetKey,
		Severity:   probe.Severity,
		Title:      probe.Title,
		Finding:    item,
		IndexedAt:  now.UTC(),
	}, nil
}
