// Package mongo provides the MongoDB-backed approval.Store. Token decisions
// use findOneAndUpdate with a pending-status filter so of two racing
// presentations of the same token exactly one transitions the request.
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

	"github.com/strandsec/strand/runtime/approval"
)

const (
	defaultCollection = "approval_requests"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "approval-mongo"
)

// Options configures the Mongo approval store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements approval.Store on MongoDB.
type Store struct {
	mongo   *mongodriver.Client
	coll    *mongodriver.Collection
	timeout time.Duration
}

var _ approval.Store = (*Store)(nil)
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
	_, err := s.coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "approve_token", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "reject_token", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "timeout_at", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("approval indexes: %w", err)
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

type requestDocument struct {
	ID           string     `bson:"_id"`
	RunID        string     `bson:"run_id"`
	NodeRef      string     `bson:"node_ref"`
	Title        string     `bson:"title"`
	Description  string     `bson:"description,omitempty"`
	ApproveToken string     `bson:"approve_token"`
	RejectToken  string     `bson:"reject_token"`
	ContextData  []byte     `bson:"context_data,omitempty"`
	Status       string     `bson:"status"`
	TimeoutAt    *time.Time `bson:"timeout_at,omitempty"`
	DecidedBy    string     `bson:"decided_by,omitempty"`
	DecidedAt    *time.Time `bson:"decided_at,omitempty"`
	Note         string     `bson:"note,omitempty"`
	CreatedAt    time.Time  `bson:"created_at"`
}

func fromRequest(req *approval.Request) requestDocument {
	return requestDocument{
		ID:           req.ID,
		RunID:        req.RunID,
		NodeRef:      req.NodeRef,
		Title:        req.Title,
		Description:  req.Description,
		ApproveToken: req.ApproveToken,
		RejectToken:  req.RejectToken,
		ContextData:  req.ContextData,
		Status:       req.Status,
		TimeoutAt:    req.TimeoutAt,
		DecidedBy:    req.DecidedBy,
		DecidedAt:    req.DecidedAt,
		Note:         req.Note,
		CreatedAt:    req.CreatedAt.UTC(),
	}
}

func (doc requestDocument) toRequest() *approval.Request {
	return &approval.Request{
		ID:           doc.ID,
		RunID:        doc.RunID,
		NodeRef:      doc.NodeRef,
		Title:        doc.Title,
		Description:  doc.Description,
		ApproveToken: doc.ApproveToken,
		RejectToken:  doc.RejectToken,
		ContextData:  doc.ContextData,
		Status:       doc.Status,
		TimeoutAt:    doc.TimeoutAt,
		DecidedBy:    doc.DecidedBy,
		DecidedAt:    doc.DecidedAt,
		Note:         doc.Note,
		CreatedAt:    doc.CreatedAt,
	}
}

// Create persists a pending request.
func (s *Store) Create(ctx context.Context, req *approval.Request) error {
	if req.ApproveToken == "" || req.RejectToken == "" {
		return errors.New("approval tokens are required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.InsertOne(ctx, fromRequest(req))
	return err
}

// Get returns the request or approval.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*approval.Request, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc requestDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("approval %s: %w", id, approval.ErrNotFound)
		}
		return nil, err
	}
	return doc.toRequest(), nil
}

// DecideByToken consumes a token atomically.
func (s *Store) DecideByToken(ctx context.Context, token, decidedBy, note string) (*approval.Decision, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	now := time.Now().UTC()
	for _, attempt := range []struct {
		field    string
		status   string
		approved bool
	}{
		{"approve_token", approval.StatusApproved, true},
		{"reject_token", approval.StatusRejected, false},
	} {
		var doc requestDocument
		err := s.coll.FindOneAndUpdate(ctx,
			bson.M{attempt.field: token, "status": approval.StatusPending},
			bson.M{"$set": bson.M{
				"status":     attempt.status,
				"decided_by": decidedBy,
				"decided_at": now,
				"note":       note,
			}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&doc)
		if err == nil {
			return &approval.Decision{Request: doc.toRequest(), Approved: attempt.approved}, nil
		}
		if !errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, err
		}
	}
	// The token matches no pending request. Distinguish an already-decided
	// request from an unknown token for the caller's error.
	var doc requestDocument
	err := s.coll.FindOne(ctx, bson.M{"$or": bson.A{
		bson.M{"approve_token": token},
		bson.M{"reject_token": token},
	}}).Decode(&doc)
	if err == nil {
		return nil, fmt.Errorf("approval %s: %w", doc.ID, approval.ErrDecided)
	}
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, approval.ErrNotFound
	}
	return nil, err
}

// CancelForRun invalidates all pending requests of a run.
func (s *Store) CancelForRun(ctx context.Context, runID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.UpdateMany(ctx,
		bson.M{"run_id": runID, "status": approval.StatusPending},
		bson.M{"$set": bson.M{"status": approval.StatusCancelled}})
	return err
}

// ExpireDue transitions pending requests past their TimeoutAt to timedOut
// and returns them.
func (s *Store) ExpireDue(ctx context.Context, now time.Time) ([]*approval.Request, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var out []*approval.Request
	for {
		var doc requestDocument
		err := s.coll.FindOneAndUpdate(ctx,
			bson.M{"status": approval.StatusPending, "timeout_at": bson.M{"$lte": now.UTC()}},
			bson.M{"$set": bson.M{"status": approval.StatusTimedOut}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&doc)
		if err != nil {
			if errors.Is(err, mongodriver.ErrNoDocuments) {
				return out, nil
			}
			return out, err
		}
		out = append(out, doc.toRequest())
	}
}
