// Package blob stores video blobs as fixed-size chunks in Postgres.
//
// A blob is a metadata row plus an ordered set of chunk rows. The metadata
// row is written only after every chunk write succeeded, inside one
// transaction, so a readable blob always has its full chunk set.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when no blob exists for the given ID.
	ErrNotFound = errors.New("blob not found")
	// ErrTooLarge is returned when a stream exceeds the caller's max size mid-write.
	ErrTooLarge = errors.New("blob exceeds maximum size")
	// ErrUnsupportedType is returned when the declared content type is not in the allow-list.
	ErrUnsupportedType = errors.New("unsupported content type")
)

// Meta describes a stored blob.
type Meta struct {
	ID          string
	ContentType string
	SizeBytes   int64
	ChunkCount  int
	CreatedAt   time.Time
}

// Store persists blobs as chunked binary objects.
type Store interface {
	// Write consumes r incrementally, splitting it into fixed-size chunks.
	// The declared content type is validated against the allow-list before any
	// byte is persisted. If the cumulative size exceeds maxBytes the write is
	// aborted and no partial chunks remain visible.
	Write(ctx context.Context, r io.Reader, contentType string, maxBytes int64) (*Meta, error)

	// Open returns the blob's metadata and a reader producing its content in
	// chunk-index order. The reader is single-use; re-reading means calling
	// Open again. Returns ErrNotFound when the blob does not exist.
	Open(ctx context.Context, blobID string) (*Meta, io.ReadCloser, error)

	// Stat returns the blob's metadata, or ErrNotFound.
	Stat(ctx context.Context, blobID string) (*Meta, error)

	// Delete removes all chunks and the metadata row. Deleting an unknown
	// blobID returns ErrNotFound; it never leaves a partial blob behind.
	Delete(ctx context.Context, blobID string) error

	// Ping reports whether the underlying store is reachable.
	Ping(ctx context.Context) error

	// ListCreatedBefore returns IDs of blobs whose metadata row is older than
	// cutoff. Used by the orphan consistency pass.
	ListCreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}
