// Package mongo provides the MongoDB-backed artifact.Store. Object bytes
// live in one collection keyed by digest; attachments and stream chunks are
// separate collections referencing those digests. Objects stay small (node
// inputs, outputs, terminal chunks), well under the 16 MB document cap, so
// GridFS is not needed.
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

	"github.com/strandsec/strand/runtime/artifact"
)

const (
	defaultObjectsCollection     = "artifacts"
	defaultAttachmentsCollection = "artifact_attachments"
	defaultChunksCollection      = "artifact_chunks"
	defaultOpTimeout             = 5 * time.Second
	clientName                   = "artifact-mongo"
)

// Options configures the Mongo artifact store.
type Options struct {
	Client                *mongodriver.Client
	Database              string
	ObjectsCollection     string
	AttachmentsCollection string
	ChunksCollection      string
	Timeout               time.Duration
}

// Store implements artifact.Store on MongoDB.
type Store struct {
	mongo       *mongodriver.Client
	objects     *mongodriver.Collection
	attachments *mongodriver.Collection
	chunks      *mongodriver.Collection
	timeout     time.Duration
}

var _ artifact.Store = (*Store)(nil)
var _ health.Pinger = (*Store)(nil)

// New returns a Store backed by MongoDB, creating indexes as needed.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	objColl := opts.ObjectsCollection
	if objColl == "" {
		objColl = defaultObjectsCollection
	}
	attColl := opts.AttachmentsCollection
	if attColl == "" {
		attColl = defaultAttachmentsCollection
	}
	chColl := opts.ChunksCollection
	if chColl == "" {
		chColl = defaultChunksCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		mongo:       opts.Client,
		objects:     db.Collection(objColl),
		attachments: db.Collection(attColl),
		chunks:      db.Collection(chColl),
		timeout:     timeout,
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
	_, err := s.attachments.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "node_ref", Value: 1}, {Key: "port_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("attachment indexes: %w", err)
	}
	_, err = s.chunks.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "run_id", Value: 1}, {Key: "node_ref", Value: 1},
			{Key: "stream", Value: 1}, {Key: "index", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("chunk indexes: %w", err)
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type objectDocument struct {
	Digest    string    `bson:"_id"`
	Data      []byte    `bson:"data"`
	MediaType string    `bson:"media_type"`
	SizeBytes int64     `bson:"size_bytes"`
	StoredAt  time.Time `bson:"stored_at"`
}

type attachmentDocument struct {
	RunID     string    `bson:"run_id"`
	NodeRef   string    `bson:"node_ref"`
	PortID    string    `bson:"port_id"`
	Digest    string    `bson:"digest"`
	MediaType string    `bson:"media_type"`
	SizeBytes int64     `bson:"size_bytes"`
	StoredAt  time.Time `bson:"stored_at"`
}

type chunkDocument struct {
	RunID    string    `bson:"run_id"`
	NodeRef  string    `bson:"node_ref"`
	Stream   string    `bson:"stream"`
	Index    int       `bson:"index"`
	Digest   string    `bson:"digest"`
	Size     int       `bson:"size"`
	StoredAt time.Time `bson:"stored_at"`
}

// Put stores data under its content digest. Concurrent puts of identical
// bytes race on the same _id and both succeed.
func (s *Store) Put(ctx context.Context, data []byte, mediaType string) (artifact.Digest, error) {
	d := artifact.Sum(data)
	doc := objectDocument{
		Digest:    string(d),
		Data:      data,
		MediaType: mediaType,
		SizeBytes: int64(len(data)),
		StoredAt:  time.Now().UTC(),
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.objects.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return d, nil
		}
		return "", err
	}
	return d, nil
}

// Get returns the bytes and media type for a digest.
func (s *Store) Get(ctx context.Context, d artifact.Digest) ([]byte, string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc objectDocument
	if err := s.objects.FindOne(ctx, bson.M{"_id": string(d)}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, "", fmt.Errorf("digest %s: %w", d, artifact.ErrNotFound)
		}
		return nil, "", err
	}
	return doc.Data, doc.MediaType, nil
}

// Attach records the linkage from (run, node, port) to a stored digest.
func (s *Store) Attach(ctx context.Context, runID, nodeRef, portID string, d artifact.Digest) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var obj objectDocument
	if err := s.objects.FindOne(ctx, bson.M{"_id": string(d)}).Decode(&obj); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return fmt.Errorf("attach digest %s: %w", d, artifact.ErrNotFound)
		}
		return err
	}
	doc := attachmentDocument{
		RunID:     runID,
		NodeRef:   nodeRef,
		PortID:    portID,
		Digest:    string(d),
		MediaType: obj.MediaType,
		SizeBytes: obj.SizeBytes,
		StoredAt:  time.Now().UTC(),
	}
	_, err := s.attachments.UpdateOne(ctx,
		bson.M{"run_id": runID, "node_ref": nodeRef, "port_id": portID, "digest": string(d)},
		bson.M{"$set": doc},
		options.UpdateOne().SetUpsert(true))
	return err
}

// NodeIO returns all attachments for a node within a run.
func (s *Store) NodeIO(ctx context.Context, runID, nodeRef string) ([]artifact.Attachment, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.attachments.Find(ctx,
		bson.M{"run_id": runID, "node_ref": nodeRef},
		options.Find().SetSort(bson.D{{Key: "port_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []artifact.Attachment
	for cur.Next(ctx) {
		var doc attachmentDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, artifact.Attachment{
			RunID:     doc.RunID,
			NodeRef:   doc.NodeRef,
			PortID:    doc.PortID,
			Digest:    artifact.Digest(doc.Digest),
			MediaType: doc.MediaType,
			SizeBytes: doc.SizeBytes,
			StoredAt:  doc.StoredAt,
		})
	}
	return out, cur.Err()
}

// AppendChunk stores one terminal-stream fragment.
func (s *Store) AppendChunk(ctx context.Context, runID, nodeRef, stream string, index int, data []byte) (artifact.Digest, error) {
	d, err := s.Put(ctx, data, "application/octet-stream")
	if err != nil {
		return "", err
	}
	doc := chunkDocument{
		RunID:    runID,
		NodeRef:  nodeRef,
		Stream:   stream,
		Index:    index,
		Digest:   string(d),
		Size:     len(data),
		StoredAt: time.Now().UTC(),
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.chunks.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return d, nil
		}
		return "", err
	}
	return d, nil
}

// ReadStream returns the stream's chunks ordered by index.
func (s *Store) ReadStream(ctx context.Context, runID, nodeRef, stream string) ([]artifact.Chunk, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.chunks.Find(ctx,
		bson.M{"run_id": runID, "node_ref": nodeRef, "stream": stream},
		options.Find().SetSort(bson.D{{Key: "index", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []artifact.Chunk
	for cur.Next(ctx) {
		var doc chunkDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, artifact.Chunk{
			RunID:    doc.RunID,
			NodeRef:  doc.NodeRef,
			Stream:   doc.Stream,
			Index:    doc.Index,
			Digest:   artifact.Digest(doc.Digest),
			Size:     doc.Size,
			StoredAt: doc.StoredAt,
		})
	}
	return out, cur.Err()
}
