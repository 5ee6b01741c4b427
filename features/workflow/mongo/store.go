// Package mongo provides the MongoDB-backed workflow.Store. The authored
// graph is stored as its JSON bytes so the document round-trips editor state
// exactly; versioning is a findOneAndUpdate $inc so concurrent saves never
// share a version.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/strandsec/strand/runtime/graph"
	"github.com/strandsec/strand/runtime/workflow"
)

const (
	defaultCollection = "workflows"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "workflow-mongo"
)

// Options configures the Mongo workflow store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements workflow.Store on MongoDB.
type Store struct {
	mongo   *mongodriver.Client
	coll    *mongodriver.Collection
	timeout time.Duration
}

var _ workflow.Store = (*Store)(nil)
var _ health.Pinger = (*Store)(nil)

// New returns a Store backed by MongoDB.
func New(ctx context.Context, opts Options) (*Store, error) {
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
	s := &Store{
		mongo:   opts.Client,
		coll:    opts.Client.Database(opts.Database).Collection(coll),
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := s.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "_id", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("workflow indexes: %w", err)
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type workflowDocument struct {
	ID          string    `bson:"_id"`
	TenantID    string    `bson:"tenant_id,omitempty"`
	Name        string    `bson:"name"`
	Description string    `bson:"description,omitempty"`
	Version     int       `bson:"version"`
	Graph       []byte    `bson:"graph"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

func (doc workflowDocument) toWorkflow() (*graph.Workflow, error) {
	wf := &graph.Workflow{
		ID:          doc.ID,
		TenantID:    doc.TenantID,
		Name:        doc.Name,
		Description: doc.Description,
		Version:     doc.Version,
	}
	if len(doc.Graph) > 0 {
		if err := json.Unmarshal(doc.Graph, &wf.Graph); err != nil {
			return nil, fmt.Errorf("decode graph for workflow %s: %w", doc.ID, err)
		}
	}
	return wf, nil
}

// Save upserts the workflow and increments its version. The version assigned
// by the database is written back to wf.
func (s *Store) Save(ctx context.Context, wf *graph.Workflow) error {
	graphJSON, err := json.Marshal(wf.Graph)
	if err != nil {
		return fmt.Errorf("encode graph: %w", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc workflowDocument
	err = s.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": wf.ID},
		bson.M{
			"$set": bson.M{
				"tenant_id":   wf.TenantID,
				"name":        wf.Name,
				"description": wf.Description,
				"graph":       graphJSON,
				"updated_at":  time.Now().UTC(),
			},
			"$inc": bson.M{"version": 1},
		},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return err
	}
	wf.Version = doc.Version
	return nil
}

// Get returns the workflow or workflow.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*graph.Workflow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc workflowDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("workflow %s: %w", id, workflow.ErrNotFound)
		}
		return nil, err
	}
	return doc.toWorkflow()
}

// List returns a tenant's workflows sorted by id, or all when tenantID is
// empty.
func (s *Store) List(ctx context.Context, tenantID string) ([]*graph.Workflow, error) {
	filter := bson.M{}
	if tenantID != "" {
		filter["tenant_id"] = tenantID
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*graph.Workflow
	for cur.Next(ctx) {
		var doc workflowDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		wf, err := doc.toWorkflow()
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, cur.Err()
}

// Delete removes the workflow. Deleting an unknown id is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	return err
}
