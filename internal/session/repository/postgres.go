package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/session/domain"
)

// uniqueViolation is the Postgres error code for duplicate keys.
const uniqueViolation = "23505"

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a session repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Insert persists the session. The ID is assigned here unless the caller set
// one; a colliding ID fails with domain.ErrConflict.
func (r *PostgresRepository) Insert(ctx context.Context, s *domain.Session) (string, error) {
	id := s.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, device_id, emotion_score, latitude, longitude, event_timestamp, blob_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, s.DeviceID, s.EmotionScore,
		nullFloatFromPtr(s.Latitude), nullFloatFromPtr(s.Longitude),
		s.EventTimestamp, nullStringFromPtr(s.BlobID), s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return "", domain.ErrConflict
		}
		return "", fmt.Errorf("session insert: %w", err)
	}
	s.ID = id
	return id, nil
}

// Get returns the session for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, device_id, emotion_score, latitude, longitude, event_timestamp, blob_id, created_at, updated_at
		 FROM sessions WHERE id = $1`,
		id,
	)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("session get: %w", err)
	}
	return s, nil
}

// ListByDevice returns sessions for the device ordered by event_timestamp
// descending, paginated by limit and offset.
func (r *PostgresRepository) ListByDevice(ctx context.Context, deviceID string, limit, offset int) ([]*domain.Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_id, emotion_score, latitude, longitude, event_timestamp, blob_id, created_at, updated_at
		 FROM sessions WHERE device_id = $1 ORDER BY event_timestamp DESC LIMIT $2 OFFSET $3`,
		deviceID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("session list: %w", err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("session list: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session list: %w", err)
	}
	return out, nil
}

// UpdateBlobRef sets blob_id and updated_at only when no blob is attached yet.
// The WHERE guard makes concurrent attaches resolve to exactly one winner.
func (r *PostgresRepository) UpdateBlobRef(ctx context.Context, sessionID, blobID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET blob_id = $2, updated_at = $3 WHERE id = $1 AND blob_id IS NULL`,
		sessionID, blobID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("session update blob ref: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session update blob ref: %w", err)
	}
	if n > 0 {
		return nil
	}
	// No row updated: the session is either missing or already has a blob.
	var existing sql.NullString
	err = r.db.QueryRowContext(ctx, `SELECT blob_id FROM sessions WHERE id = $1`, sessionID).Scan(&existing)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("session update blob ref: %w", err)
	}
	return domain.ErrAlreadyAttached
}

// Delete removes the session row. Returns domain.ErrNotFound when missing.
func (r *PostgresRepository) Delete(ctx context.Context, sessionID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("session delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session delete: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListOlderThan returns IDs of sessions whose created_at is before cutoff, oldest first.
func (r *PostgresRepository) ListOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE created_at < $1 ORDER BY created_at`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("session list older: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("session list older: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session list older: %w", err)
	}
	return ids, nil
}

// BlobReferenced reports whether any session references the given blob ID.
func (r *PostgresRepository) BlobReferenced(ctx context.Context, blobID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE blob_id = $1)`,
		blobID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("session blob referenced: %w", err)
	}
	return exists, nil
}

// Export returns a lazy cursor over flattened session records, newest event
// first. deviceID filters when non-empty.
func (r *PostgresRepository) Export(ctx context.Context, deviceID string) (ExportCursor, error) {
	query := `SELECT id, device_id, emotion_score, latitude, longitude, event_timestamp, blob_id IS NOT NULL, created_at
		 FROM sessions ORDER BY event_timestamp DESC`
	var rows *sql.Rows
	var err error
	if deviceID != "" {
		query = `SELECT id, device_id, emotion_score, latitude, longitude, event_timestamp, blob_id IS NOT NULL, created_at
		 FROM sessions WHERE device_id = $1 ORDER BY event_timestamp DESC`
		rows, err = r.db.QueryContext(ctx, query, deviceID)
	} else {
		rows, err = r.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("session export: %w", err)
	}
	return &exportCursor{rows: rows}, nil
}

// Ping reports whether Postgres is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

type exportCursor struct {
	rows    *sql.Rows
	current *domain.ExportRecord
	err     error
}

func (c *exportCursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}
	var (
		rec      domain.ExportRecord
		lat, lon sql.NullFloat64
	)
	if err := c.rows.Scan(&rec.SessionID, &rec.DeviceID, &rec.EmotionScore,
		&lat, &lon, &rec.EventTimestamp, &rec.HasVideo, &rec.CreatedAt); err != nil {
		c.err = err
		return false
	}
	rec.Latitude = ptrFromNullFloat(lat)
	rec.Longitude = ptrFromNullFloat(lon)
	c.current = &rec
	return true
}

func (c *exportCursor) Record() *domain.ExportRecord { return c.current }

func (c *exportCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

func (c *exportCursor) Close() error { return c.rows.Close() }

type sessionScanner interface {
	Scan(dest ...any) error
}

func scanSession(row sessionScanner) (*domain.Session, error) {
	var (
		s        domain.Session
		lat, lon sql.NullFloat64
		blobID   sql.NullString
	)
	if err := row.Scan(&s.ID, &s.DeviceID, &s.EmotionScore, &lat, &lon,
		&s.EventTimestamp, &blobID, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Latitude = ptrFromNullFloat(lat)
	s.Longitude = ptrFromNullFloat(lon)
	s.BlobID = ptrFromNullString(blobID)
	return &s, nil
}

func nullFloatFromPtr(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func ptrFromNullFloat(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	return &n.Float64
}

func nullStringFromPtr(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func ptrFromNullString(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	return &n.String
}
