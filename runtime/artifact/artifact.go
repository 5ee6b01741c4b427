// Package artifact defines the content-addressed store for node inputs,
// outputs, and terminal streams. Objects are keyed by the SHA-256 of their
// bytes: identical bytes share a single stored copy, re-puts are free, and
// cached outputs can be reused across runs with identical plan signatures.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrNotFound is returned when a digest was never stored or a node has no
// attached artifacts.
var ErrNotFound = errors.New("artifact not found")

// Digest is the hex-encoded SHA-256 of an artifact's bytes.
type Digest string

// Sum computes the digest of data. It is a pure function of the bytes.
func Sum(data []byte) Digest {
	sum := sha256.Sum256(data)
	return Digest(hex.EncodeToString(sum[:]))
}

type (
	// Attachment links a stored artifact to a node port within a run. Reads
	// of node I/O go through attachments; the bytes live once under the
	// digest regardless of how many attachments reference them.
	Attachment struct {
		RunID     string    `json:"runId"`
		NodeRef   string    `json:"nodeRef"`
		PortID    string    `json:"portId"`
		Digest    Digest    `json:"digest"`
		MediaType string    `json:"mediaType"`
		SizeBytes int64     `json:"sizeBytes"`
		StoredAt  time.Time `json:"storedAt"`
	}

	// Chunk is one ordered fragment of a terminal stream (stdout/stderr of
	// a container attempt). Chunks carry a monotone index so reads preserve
	// order.
	Chunk struct {
		RunID   string    `json:"runId"`
		NodeRef string    `json:"nodeRef"`
		Stream  string    `json:"stream"`
		Index   int       `json:"index"`
		Digest  Digest    `json:"digest"`
		Size    int       `json:"size"`
		StoredAt time.Time `json:"storedAt"`
	}

	// Store is the artifact store contract. Put is idempotent and
	// transactional per object; concurrent puts of identical bytes are safe
	// by construction.
	Store interface {
		// Put stores data under its content digest and returns the digest.
		// Re-putting identical bytes is a no-op.
		Put(ctx context.Context, data []byte, mediaType string) (Digest, error)
		// Get returns the bytes and media type for a digest, or ErrNotFound.
		Get(ctx context.Context, d Digest) ([]byte, string, error)
		// Attach records the linkage from (run, node, port) to a stored
		// digest. Attaching an unknown digest fails with ErrNotFound.
		Attach(ctx context.Context, runID, nodeRef, portID string, d Digest) error
		// NodeIO returns all attachments for a node within a run.
		NodeIO(ctx context.Context, runID, nodeRef string) ([]Attachment, error)
		// AppendChunk stores one terminal-stream fragment. Indexes are
		// assigned by the caller and must be monotone per stream.
		AppendChunk(ctx context.Context, runID, nodeRef, stream string, index int, data []byte) (Digest, error)
		// ReadStream returns the stream's chunks ordered by index.
		ReadStream(ctx context.Context, runID, nodeRef, stream string) ([]Chunk, error)
	}
)
