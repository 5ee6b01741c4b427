// Package mongo provides the MongoDB-backed event.Log. Sequences are
// assigned through a counters collection so appends to the same run are
// atomic and gap-free even across processes; events carry an expiry stamp
// consumed by a TTL index for retention.
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

	"github.com/strandsec/strand/runtime/event"
)

const (
	defaultEventsCollection   = "run_events"
	defaultCountersCollection = "run_event_counters"
	defaultOpTimeout          = 5 * time.Second
	clientName                = "event-mongo"
)

// Options configures the Mongo event log.
type Options struct {
	Client             *mongodriver.Client
	Database           string
	EventsCollection   string
	CountersCollection string
	Timeout            time.Duration

	// Retention is how long events are kept before the TTL monitor removes
	// them. Zero disables expiry.
	Retention time.Duration

	// RetentionFor overrides Retention per run when set. Workflow-level
	// retention wins over the store default.
	RetentionFor func(runID string) time.Duration
}

// Log implements event.Log on MongoDB.
type Log struct {
	mongo        *mongodriver.Client
	events       *mongodriver.Collection
	counters     *mongodriver.Collection
	timeout      time.Duration
	retention    time.Duration
	retentionFor func(runID string) time.Duration
}

var _ event.Log = (*Log)(nil)
var _ health.Pinger = (*Log)(nil)

// New returns a Log backed by MongoDB, creating indexes as needed.
func New(ctx context.Context, opts Options) (*Log, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	eventsColl := opts.EventsCollection
	if eventsColl == "" {
		eventsColl = defaultEventsCollection
	}
	countersColl := opts.CountersCollection
	if countersColl == "" {
		countersColl = defaultCountersCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	l := &Log{
		mongo:        opts.Client,
		events:       db.Collection(eventsColl),
		counters:     db.Collection(countersColl),
		timeout:      timeout,
		retention:    opts.Retention,
		retentionFor: opts.RetentionFor,
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := l.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// Name implements health.Pinger.
func (l *Log) Name() string { return clientName }

// Ping implements health.Pinger.
func (l *Log) Ping(ctx context.Context) error {
	return l.mongo.Ping(ctx, readpref.Primary())
}

func (l *Log) ensureIndexes(ctx context.Context) error {
	_, err := l.events.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "sequence", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "expire_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	if err != nil {
		return fmt.Errorf("event indexes: %w", err)
	}
	return nil
}

func (l *Log) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.timeout)
}

type eventDocument struct {
	RunID    string     `bson:"run_id"`
	Sequence int64      `bson:"sequence"`
	NodeRef  string     `bson:"node_ref,omitempty"`
	Ts       time.Time  `bson:"ts"`
	Kind     string     `bson:"kind"`
	Payload  []byte     `bson:"payload,omitempty"`
	ExpireAt *time.Time `bson:"expire_at,omitempty"`
}

func (doc eventDocument) toEvent() event.Event {
	return event.Event{
		Sequence: doc.Sequence,
		RunID:    doc.RunID,
		NodeRef:  doc.NodeRef,
		Ts:       doc.Ts,
		Kind:     event.Kind(doc.Kind),
		Payload:  doc.Payload,
	}
}

// nextSequence atomically increments and returns the run's counter.
func (l *Log) nextSequence(ctx context.Context, runID string) (int64, error) {
	var counter struct {
		Value int64 `bson:"value"`
	}
	err := l.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": runID},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("next sequence for run %s: %w", runID, err)
	}
	return counter.Value, nil
}

// Append stores the event under the next per-run sequence.
func (l *Log) Append(ctx context.Context, ev event.Event) (int64, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	seq, err := l.nextSequence(ctx, ev.RunID)
	if err != nil {
		return 0, err
	}
	doc := eventDocument{
		RunID:    ev.RunID,
		Sequence: seq,
		NodeRef:  ev.NodeRef,
		Ts:       ev.Ts.UTC(),
		Kind:     string(ev.Kind),
		Payload:  ev.Payload,
	}
	retention := l.retention
	if l.retentionFor != nil {
		if r := l.retentionFor(ev.RunID); r > 0 {
			retention = r
		}
	}
	if retention > 0 {
		expire := doc.Ts.Add(retention)
		doc.ExpireAt = &expire
	}
	if _, err := l.events.InsertOne(ctx, doc); err != nil {
		return 0, err
	}
	return seq, nil
}

// Read returns up to limit events with Sequence > after in ascending order.
func (l *Log) Read(ctx context.Context, runID string, after int64, limit int) ([]event.Event, error) {
	opts := options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	cur, err := l.events.Find(ctx, bson.M{
		"run_id":   runID,
		"sequence": bson.M{"$gt": after},
	}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []event.Event
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toEvent())
	}
	return out, cur.Err()
}

// Last returns the highest assigned sequence for the run, zero when none.
func (l *Log) Last(ctx context.Context, runID string) (int64, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	var counter struct {
		Value int64 `bson:"value"`
	}
	err := l.counters.FindOne(ctx, bson.M{"_id": runID}).Decode(&counter)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return 0, nil
		}
		return 0, err
	}
	return counter.Value, nil
}
