// Package mongosearch provides the MongoDB-backed sink.Indexer. Findings are
// upserted into a tenant-scoped collection keyed by
// (tenantId, workflowId, runId, assetKey) with a text index over title and
// severity for search. Transport failures surface as plain errors so the
// node's retry policy reruns the batch; normalization failures are permanent.
package mongosearch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/strandsec/strand/runtime/sink"
)

const (
	defaultCollection = "findings"
	defaultOpTimeout  = 10 * time.Second
	clientName        = "sink-mongosearch"
)

// Options configures the Mongo findings indexer.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Indexer implements sink.Indexer on MongoDB.
type Indexer struct {
	mongo   *mongodriver.Client
	coll    *mongodriver.Collection
	timeout time.Duration
}

var _ sink.Indexer = (*Indexer)(nil)
var _ health.Pinger = (*Indexer)(nil)

// New returns an Indexer backed by MongoDB, creating indexes as needed.
func New(ctx context.Context, opts Options) (*Indexer, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	x := &Indexer{
		mongo:   opts.Client,
		coll:    opts.Client.Database(opts.Database).Collection(coll),
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := x.coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys: bson.D{
				{Key: "tenant_id", Value: 1}, {Key: "workflow_id", Value: 1},
				{Key: "run_id", Value: 1}, {Key: "asset_key", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "severity", Value: 1}}},
		{Keys: bson.D{{Key: "title", Value: "text"}}},
	})
	if err != nil {
		return nil, fmt.Errorf("finding indexes: %w", err)
	}
	return x, nil
}

// Name implements health.Pinger.
func (x *Indexer) Name() string { return clientName }

// Ping implements health.Pinger.
func (x *Indexer) Ping(ctx context.Context) error {
	return x.mongo.Ping(ctx, readpref.Primary())
}

type findingDocument struct {
	TenantID   string    `bson:"tenant_id"`
	WorkflowID string    `bson:"workflow_id"`
	RunID      string    `bson:"run_id"`
	NodeRef    string    `bson:"node_ref"`
	AssetKey   string    `bson:"asset_key"`
	Severity   string    `bson:"severity,omitempty"`
	Title      string    `bson:"title,omitempty"`
	Finding    []byte    `bson:"finding"`
	IndexedAt  time.Time `bson:"indexed_at"`
}

// Index normalizes and upserts every item in the batch, returning how many
// documents were written. Normalization failures abort before any write so a
// retried batch never partially duplicates.
func (x *Indexer) Index(ctx context.Context, b sink.Batch) (int, error) {
	now := time.Now()
	models := make([]mongodriver.WriteModel, 0, len(b.Items))
	for _, item := range b.Items {
		doc, err := sink.Normalize(b, item, now)
		if err != nil {
			return 0, err
		}
		models = append(models, mongodriver.NewUpdateOneModel().
			SetFilter(bson.M{
				"tenant_id":   doc.TenantID,
				"workflow_id": doc.WorkflowID,
				"run_id":      doc.RunID,
				"asset_key":   doc.AssetKey,
			}).
			SetUpdate(bson.M{"$set": findingDocument{
				TenantID:   doc.TenantID,
				WorkflowID: doc.WorkflowID,
				RunID:      doc.RunID,
				NodeRef:    doc.NodeRef,
				AssetKey:   doc.AssetKey,
				Severity:   doc.Severity,
				Title:      doc.Title,
				Finding:    doc.Finding,
				IndexedAt:  doc.IndexedAt,
			}}).
			SetUpsert(true))
	}
	if len(models) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()
	if _, err := x.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
		var writeErr mongodriver.BulkWriteException
		if errors.As(err, &writeErr) && writeErr.HasErrorCode(121) {
			// Document validation failure: retrying the same bytes cannot
			// succeed.
			return 0, sink.Permanent(err)
		}
		return 0, err
	}
	return len(models), nil
}
