// Package inmem provides an in-memory artifact.Store for tests and local
// development. Production deployments use features/artifact/mongo.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/strandsec/strand/runtime/artifact"
)

type object struct {
	data      []byte
	mediaType string
}

// Store implements artifact.Store in memory.
type Store struct {
	mu      sync.RWMutex
	objects map[artifact.Digest]object
	attach  map[string][]artifact.Attachment // key: runID/nodeRef
	chunks  map[string][]artifact.Chunk      // key: runID/nodeRef/stream
}

// New returns an empty store.
func New() *Store {
	return &Store{
		objects: make(map[artifact.Digest]object),
		attach:  make(map[string][]artifact.Attachment),
		chunks:  make(map[string][]artifact.Chunk),
	}
}

// Put stores data under its content digest. Idempotent.
func (s *Store) Put(_ context.Context, data []byte, mediaType string) (artifact.Digest, error) {
	d := artifact.Sum(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[d]; !ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		s.objects[d] = object{data: cp, mediaType: mediaType}
	}
	return d, nil
}

// Get returns the stored bytes for a digest.
func (s *Store) Get(_ context.Context, d artifact.Digest) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[d]
	if !ok {
		return nil, "", fmt.Errorf("digest %s: %w", d, artifact.ErrNotFound)
	}
	cp := make([]byte, len(obj.data))
	copy(cp, obj.data)
	return cp, obj.mediaType, nil
}

// Attach links a stored digest to a node port.
func (s *Store) Attach(_ context.Context, runID, nodeRef, portID string, d artifact.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[d]
	if !ok {
		return fmt.Errorf("attach %s: %w", d, artifact.ErrNotFound)
	}
	key := runID + "/" + nodeRef
	s.attach[key] = append(s.attach[key], artifact.Attachment{
		RunID: runID, NodeRef: nodeRef, PortID: portID, Digest: d,
		MediaType: obj.mediaType, SizeBytes: int64(len(obj.data)), StoredAt: time.Now().UTC(),
	})
	return nil
}

// NodeIO returns the attachments for a node.
func (s *Store) NodeIO(_ context.Context, runID, nodeRef string) ([]artifact.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := runID + "/" + nodeRef
	out := make([]artifact.Attachment, len(s.attach[key]))
	copy(out, s.attach[key])
	return out, nil
}

// AppendChunk stores one terminal-stream fragment.
func (s *Store) AppendChunk(ctx context.Context, runID, nodeRef, stream string, index int, data []byte) (artifact.Digest, error) {
	d, err := s.Put(ctx, data, "application/octet-stream")
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runID + "/" + nodeRef + "/" + stream
	s.chunks[key] = append(s.chunks[key], artifact.Chunk{
		RunID: runID, NodeRef: nodeRef, Stream: stream, Index: index,
		Digest: d, Size: len(data), StoredAt: time.Now().UTC(),
	})
	return d, nil
}

// ReadStream returns the stream's chunks ordered by index.
func (s *Store) ReadStream(_ context.Context, runID, nodeRef, stream string) ([]artifact.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := runID + "/" + nodeRef + "/" + stream
	out := make([]artifact.Chunk, len(s.chunks[key]))
	copy(out, s.chunks[key])
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}
