package blob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PostgresStore implements Store over the blobs and blob_chunks tables.
type PostgresStore struct {
	db         *sql.DB
	chunkBytes int
	allowed    map[string]struct{}
}

// NewPostgresStore returns a blob store that persists chunks of chunkBytes each
// and accepts only the given MIME types (compared case-insensitively, without parameters).
func NewPostgresStore(db *sql.DB, chunkBytes int, allowedTypes []string) *PostgresStore {
	allowed := make(map[string]struct{}, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	return &PostgresStore{db: db, chunkBytes: chunkBytes, allowed: allowed}
}

// Write streams r into chunk rows and commits the metadata row last, all in one
// transaction. Type validation happens before the transaction starts; a size
// overrun rolls everything back, so no partial blob is ever visible.
func (s *PostgresStore) Write(ctx context.Context, r io.Reader, contentType string, maxBytes int64) (*Meta, error) {
	normalized, err := normalizeContentType(contentType)
	if err != nil {
		return nil, ErrUnsupportedType
	}
	if _, ok := s.allowed[normalized]; !ok {
		return nil, ErrUnsupportedType
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("blob write: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // no-op after commit

	id := uuid.NewString()
	buf := make([]byte, s.chunkBytes)
	var total int64
	chunkIndex := 0

	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			total += int64(n)
			if total > maxBytes {
				return nil, ErrTooLarge
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO blob_chunks (blob_id, chunk_index, data) VALUES ($1, $2, $3)`,
				id, chunkIndex, buf[:n],
			); err != nil {
				return nil, fmt.Errorf("blob write: chunk %d: %w", chunkIndex, err)
			}
			chunkIndex++
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("blob write: read: %w", readErr)
		}
	}

	meta := &Meta{
		ID:          id,
		ContentType: normalized,
		SizeBytes:   total,
		ChunkCount:  chunkIndex,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO blobs (id, content_type, size_bytes, chunk_count, created_at) VALUES ($1, $2, $3, $4, $5)`,
		meta.ID, meta.ContentType, meta.SizeBytes, meta.ChunkCount, meta.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("blob write: metadata: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("blob write: commit: %w", err)
	}
	return meta, nil
}

// Open returns the blob's metadata and a lazy reader over its chunks in index order.
func (s *PostgresStore) Open(ctx context.Context, blobID string) (*Meta, io.ReadCloser, error) {
	meta, err := s.Stat(ctx, blobID)
	if err != nil {
		return nil, nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_index, data FROM blob_chunks WHERE blob_id = $1 ORDER BY chunk_index`,
		blobID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("blob open: %w", err)
	}
	return meta, &chunkReader{rows: rows, wantChunks: meta.ChunkCount}, nil
}

// Stat returns the blob's metadata, or ErrNotFound.
func (s *PostgresStore) Stat(ctx context.Context, blobID string) (*Meta, error) {
	var m Meta
	err := s.db.QueryRowContext(ctx,
		`SELECT id, content_type, size_bytes, chunk_count, created_at FROM blobs WHERE id = $1`,
		blobID,
	).Scan(&m.ID, &m.ContentType, &m.SizeBytes, &m.ChunkCount, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob stat: %w", err)
	}
	return &m, nil
}

// Delete removes the metadata row and all chunks in one transaction.
// Returns ErrNotFound when no metadata row existed, e.g. on a repeated delete.
func (s *PostgresStore) Delete(ctx context.Context, blobID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("blob delete: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE id = $1`, blobID)
	if err != nil {
		return fmt.Errorf("blob delete: metadata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("blob delete: %w", err)
	}
	// Chunks are removed even when the metadata row was already gone, so an
	// interrupted earlier delete cannot strand them.
	if _, err := tx.ExecContext(ctx, `DELETE FROM blob_chunks WHERE blob_id = $1`, blobID); err != nil {
		return fmt.Errorf("blob delete: chunks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("blob delete: commit: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping reports whether Postgres is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ListCreatedBefore returns IDs of blobs created before cutoff, oldest first.
func (s *PostgresStore) ListCreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM blobs WHERE created_at < $1 ORDER BY created_at`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("blob list: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("blob list: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("blob list: %w", err)
	}
	return ids, nil
}

// chunkReader streams chunk rows as a contiguous byte sequence. It verifies
// chunk indexes are consecutive from 0 and that the full chunk count arrives.
type chunkReader struct {
	rows       *sql.Rows
	wantChunks int
	nextIndex  int
	current    []byte
	done       bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.current) == 0 {
		if r.done {
			return 0, io.EOF
		}
		if !r.rows.Next() {
			r.done = true
			if err := r.rows.Err(); err != nil {
				return 0, fmt.Errorf("blob read: %w", err)
			}
			if r.nextIndex != r.wantChunks {
				return 0, fmt.Errorf("blob read: got %d chunks, want %d", r.nextIndex, r.wantChunks)
			}
			return 0, io.EOF
		}
		var idx int
		var data []byte
		if err := r.rows.Scan(&idx, &data); err != nil {
			return 0, fmt.Errorf("blob read: %w", err)
		}
		if idx != r.nextIndex {
			return 0, fmt.Errorf("blob read: chunk %d out of order, want %d", idx, r.nextIndex)
		}
		r.nextIndex++
		r.current = data
	}
	n := copy(p, r.current)
	r.current = r.current[n:]
	return n, nil
}

func (r *chunkReader) Close() error {
	return r.rows.Close()
}

// normalizeContentType lowercases the media type and strips parameters
// (e.g. "Video/MP4; codecs=avc1" → "video/mp4").
func normalizeContentType(contentType string) (string, error) {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return "", errors.New("empty content type")
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", err
	}
	return strings.ToLower(mediaType), nil
}
