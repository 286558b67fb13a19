package repository

import (
	"context"
	"time"

	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/session/domain"
)

// Repository defines persistence for sessions.
type Repository interface {
	// Insert persists the session and returns the repository-assigned ID.
	// Supplying a pre-existing ID fails with domain.ErrConflict.
	Insert(ctx context.Context, s *domain.Session) (string, error)
	// Get returns the session for id, or nil if not found.
	Get(ctx context.Context, id string) (*domain.Session, error)
	// ListByDevice returns the device's sessions ordered by event timestamp,
	// newest first. Offset pagination is stable only while no concurrent
	// insert or delete happens for that device between pages.
	ListByDevice(ctx context.Context, deviceID string, limit, offset int) ([]*domain.Session, error)
	// UpdateBlobRef sets the blob reference and updated_at exactly once.
	// Returns domain.ErrNotFound for unknown sessions and
	// domain.ErrAlreadyAttached when a reference is already set.
	UpdateBlobRef(ctx context.Context, sessionID, blobID string) error
	// Delete removes the session. Returns domain.ErrNotFound when missing.
	Delete(ctx context.Context, sessionID string) error
	// ListOlderThan returns IDs of sessions created before cutoff, based on
	// created_at (not the client-supplied event timestamp). Used by retention.
	ListOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
	// BlobReferenced reports whether any session references the given blob.
	// Used by the orphan consistency pass.
	BlobReferenced(ctx context.Context, blobID string) (bool, error)
	// Export returns a lazy cursor over flattened session records, newest
	// event first, optionally filtered by device. Caller must Close it.
	Export(ctx context.Context, deviceID string) (ExportCursor, error)
	// Ping reports whether the underlying store is reachable.
	Ping(ctx context.Context) error
}

// ExportCursor iterates export records lazily, sql.Rows style.
type ExportCursor interface {
	// Next advances to the next record, returning false at the end or on error.
	Next() bool
	// Record returns the current record. Valid only after a true Next.
	Record() *domain.ExportRecord
	// Err returns the first error encountered during iteration.
	Err() error
	Close() error
}
