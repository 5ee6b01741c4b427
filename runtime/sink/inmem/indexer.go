// Package inmem provides an in-memory sink.Indexer for tests and local
// development. Production deployments use features/sink/mongosearch.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/strandsec/strand/runtime/sink"
)

// Indexer keeps normalized documents in memory, upserting by
// (tenantId, workflowId, runId, assetKey) like the real index does.
type Indexer struct {
	mu   sync.RWMutex
	docs map[string]sink.Document
}

// New returns an empty indexer.
func New() *Indexer {
	return &Indexer{docs: make(map[string]sink.Document)}
}

// Index normalizes and stores every item in the batch. The first permanent
// normalization error aborts the batch.
func (x *Indexer) Index(ctx context.Context, b sink.Batch) (int, error) {
	now := time.Now()
	docs := make([]sink.Document, 0, len(b.Items))
	for _, item := range b.Items {
		doc, err := sink.Normalize(b, item, now)
		if err != nil {
			return 0, err
		}
		docs = append(docs, doc)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, doc := range docs {
		x.docs[docKey(doc)] = doc
	}
	return len(docs), nil
}

// Documents returns all stored documents for a tenant.
func (x *Indexer) Documents(tenantID string) []sink.Document {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []sink.Document
	for _, doc := range x.docs {
		if tenantID == "" || doc.TenantID == tenantID {
			out = append(out, doc)
		}
	}
	return out
}

func docKey(d sink.Document) string {
	return d.TenantID + "\x00" + d.WorkflowID + "\x00" + d.RunID + "\x00" + d.AssetKey
}
