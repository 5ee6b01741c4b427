// Package mongo provides the MongoDB-backed run.Store used by production
// deployments. Runs live in one collection keyed by run id with a unique
// partial index enforcing idempotent submission per (tenant, idempotency
// key); node execution attempts live in a second collection keyed by
// (runId, nodeRef, attempt).
package mongo

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

	"github.com/strandsec/strand/runtime/run"
)

const (
	defaultRunsCollection  = "runs"
	defaultNodesCollection = "node_executions"
	defaultOpTimeout       = 5 * time.Second
	clientName             = "run-mongo"
)

// Options configures the Mongo run store.
type Options struct {
	Client          *mongodriver.Client
	Database        string
	RunsCollection  string
	NodesCollection string
	Timeout         time.Duration
}

// Store implements run.Store on MongoDB.
type Store struct {
	mongo   *mongodriver.Client
	runs    *mongodriver.Collection
	nodes   *mongodriver.Collection
	timeout time.Duration
}

var _ run.Store = (*Store)(nil)
var _ health.Pinger = (*Store)(nil)

// New returns a Store backed by MongoDB, creating indexes as needed.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	runsColl := opts.RunsCollection
	if runsColl == "" {
		runsColl = defaultRunsCollection
	}
	nodesColl := opts.NodesCollection
	if nodesColl == "" {
		nodesColl = defaultNodesCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		mongo:   opts.Client,
		runs:    db.Collection(runsColl),
		nodes:   db.Collection(nodesColl),
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.runs.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "idempotency_key", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"idempotency_key": bson.M{"$type": "string"}}),
		},
		{Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "started_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("runs indexes: %w", err)
	}
	_, err = s.nodes.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "node_ref", Value: 1}, {Key: "attempt", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "heartbeat_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("node execution indexes: %w", err)
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// CreateRun inserts the run. A duplicate (tenant, idempotency key) returns
// the existing run with created=false.
func (s *Store) CreateRun(ctx context.Context, r *run.Run) (*run.Run, bool, error) {
	doc, err := fromRun(r)
	if err != nil {
		return nil, false, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.runs.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) && r.IdempotencyKey != "" {
			var existing runDocument
			ferr := s.runs.FindOne(ctx, bson.M{
				"tenant_id":       r.TenantID,
				"idempotency_key": r.IdempotencyKey,
			}).Decode(&existing)
			if ferr != nil {
				return nil, false, fmt.Errorf("load deduplicated run: %w", ferr)
			}
			prev, derr := existing.toRun()
			return prev, false, derr
		}
		return nil, false, err
	}
	return r, true, nil
}

// GetRun returns the run or run.ErrNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (*run.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	if err := s.runs.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("run %s: %w", id, run.ErrNotFound)
		}
		return nil, err
	}
	return doc.toRun()
}

// ListRuns returns runs matching the filter, most recent first.
func (s *Store) ListRuns(ctx context.Context, f run.ListFilter) ([]*run.Run, error) {
	filter := bson.M{}
	if f.WorkflowID != "" {
		filter["workflow_id"] = f.WorkflowID
	}
	if f.TenantID != "" {
		filter["tenant_id"] = f.TenantID
	}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}})
	if f.Limit > 0 {
		opts = opts.SetLimit(int64(f.Limit))
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.runs.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*run.Run
	for cur.Next(ctx) {
		var doc runDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		r, err := doc.toRun()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, cur.Err()
}

// terminalStatuses guard transitions out of completed, failed, or cancelled.
var terminalStatuses = []string{
	string(run.StatusCompleted),
	string(run.StatusFailed),
	string(run.StatusCancelled),
}

// UpdateRunStatus transitions the run atomically. Transitions out of a
// terminal status fail with run.ErrConflict.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status run.Status, errMsg string, endedAt *time.Time) error {
	set := bson.M{"status": string(status)}
	if errMsg != "" {
		set["error"] = errMsg
	}
	if endedAt != nil {
		set["ended_at"] = endedAt.UTC()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.runs.UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$nin": terminalStatuses}},
		bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		if n, err := s.runs.CountDocuments(ctx, bson.M{"_id": id}); err == nil && n > 0 {
			return fmt.Errorf("run %s already terminal: %w", id, run.ErrConflict)
		}
		return fmt.Errorf("run %s: %w", id, run.ErrNotFound)
	}
	return nil
}

// UpsertNodeExecution writes the attempt record keyed by
// (runId, nodeRef, attempt).
func (s *Store) UpsertNodeExecution(ctx context.Context, ne *run.NodeExecution) error {
	doc := fromNode(ne)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.nodes.UpdateOne(ctx,
		bson.M{"run_id": ne.RunID, "node_ref": ne.NodeRef, "attempt": ne.Attempt},
		bson.M{"$set": doc},
		options.UpdateOne().SetUpsert(true))
	return err
}

// NodeExecutions returns all attempt records for a run ordered by
// (nodeRef, attempt).
func (s *Store) NodeExecutions(ctx context.Context, runID string) ([]*run.NodeExecution, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.nodes.Find(ctx, bson.M{"run_id": runID},
		options.Find().SetSort(bson.D{{Key: "node_ref", Value: 1}, {Key: "attempt", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*run.NodeExecution
	for cur.Next(ctx) {
		var doc nodeDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toNode())
	}
	return out, cur.Err()
}

// Heartbeat stamps the running attempt's liveness. A no-op when the attempt
// is no longer running.
func (s *Store) Heartbeat(ctx context.Context, runID, nodeRef string, attempt int, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.nodes.UpdateOne(ctx,
		bson.M{"run_id": runID, "node_ref": nodeRef, "attempt": attempt, "status": string(run.NodeRunning)},
		bson.M{"$set": bson.M{"heartbeat_at": at.UTC()}})
	return err
}

// StaleRunning returns running attempts whose last heartbeat, or start when
// no heartbeat was recorded, is older than the horizon.
func (s *Store) StaleRunning(ctx context.Context, olderThan time.Time) ([]*run.NodeExecution, error) {
	horizon := olderThan.UTC()
	filter := bson.M{
		"status": string(run.NodeRunning),
		"$or": bson.A{
			bson.M{"heartbeat_at": bson.M{"$lt": horizon}},
			bson.M{"heartbeat_at": nil, "started_at": bson.M{"$lt": horizon}},
		},
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.nodes.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*run.NodeExecution
	for cur.Next(ctx) {
		var doc nodeDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toNode())
	}
	return out, cur.Err()
}

// ActiveRuns returns runs in queued, running, or suspended status.
func (s *Store) ActiveRuns(ctx context.Context) ([]*run.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.runs.Find(ctx, bson.M{"status": bson.M{"$in": bson.A{
		string(run.StatusQueued), string(run.StatusRunning), string(run.StatusSuspended),
	}}})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*run.Run
	for cur.Next(ctx) {
		var doc runDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		r, err := doc.toRun()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, cur.Err()
}
