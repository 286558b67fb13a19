// Package service orchestrates the two-phase write: create the session
// record first, attach the video blob second. Each phase is independently
// retriable; a failed attach leaves the session creatable-but-incomplete,
// never corrupted.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/blob"
	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/session/domain"
	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/session/repository"
	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/telemetry"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Service exposes the session operations. It never caches sessions or blobs;
// every read goes to the stores so retention deletes are always observed.
type Service struct {
	sessions      repository.Repository
	blobs         blob.Store
	maxBlobBytes  int64
	attachTimeout time.Duration
	emitter       telemetry.EventEmitter
	metrics       *telemetry.Metrics
}

// New returns a session service over the given stores. emitter and metrics
// may be nil; telemetry is then skipped.
func New(sessions repository.Repository, blobs blob.Store, maxBlobBytes int64, attachTimeout time.Duration, emitter telemetry.EventEmitter, metrics *telemetry.Metrics) *Service {
	return &Service{
		sessions:      sessions,
		blobs:         blobs,
		maxBlobBytes:  maxBlobBytes,
		attachTimeout: attachTimeout,
		emitter:       emitter,
		metrics:       metrics,
	}
}

// CreateInput carries the client-supplied fields for a new session.
type CreateInput struct {
	DeviceID       string
	EmotionScore   int
	Latitude       *float64
	Longitude      *float64
	EventTimestamp time.Time
}

// CreateSession validates the input and persists a new session with no blob
// attached. Validation failures are rejected before any store mutation.
func (s *Service) CreateSession(ctx context.Context, in CreateInput) (*domain.Session, error) {
	now := time.Now().UTC()
	sess := &domain.Session{
		DeviceID:       in.DeviceID,
		EmotionScore:   in.EmotionScore,
		Latitude:       in.Latitude,
		Longitude:      in.Longitude,
		EventTimestamp: in.EventTimestamp,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.sessions.Insert(ctx, sess); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.SessionsCreated.Add(ctx, 1)
	}
	telemetry.EmitAsync(s.emitter, ctx, &telemetry.Event{
		EventType: "session.created",
		SessionID: sess.ID,
		DeviceID:  sess.DeviceID,
		Source:    "service",
		CreatedAt: now,
	})
	return sess, nil
}

// AttachBlob stores the video stream and links it to the session, exactly
// once. If another attach won the race after our blob was written, the
// just-written blob is deleted so it cannot be orphaned.
func (s *Service) AttachBlob(ctx context.Context, sessionID string, r io.Reader, contentType string) (*blob.Meta, error) {
	ctx, cancel := context.WithTimeout(ctx, s.attachTimeout)
	defer cancel()

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, domain.ErrNotFound
	}
	if sess.BlobID != nil {
		return nil, domain.ErrAlreadyAttached
	}

	meta, err := s.blobs.Write(ctx, r, contentType, s.maxBlobBytes)
	if err != nil {
		return nil, err
	}

	if err := s.sessions.UpdateBlobRef(ctx, sessionID, meta.ID); err != nil {
		// The link failed (concurrent attach won, session deleted, or I/O
		// error); reclaim the blob we just wrote. Cleanup must survive the
		// request context being canceled.
		cleanupCtx, cleanupCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cleanupCancel()
		if delErr := s.blobs.Delete(cleanupCtx, meta.ID); delErr != nil && !errors.Is(delErr, blob.ErrNotFound) {
			log.Printf("service: orphan cleanup of blob %s failed: %v", meta.ID, delErr)
		}
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.VideosAttached.Add(ctx, 1)
	}
	telemetry.EmitAsync(s.emitter, ctx, &telemetry.Event{
		EventType: "blob.attached",
		SessionID: sessionID,
		DeviceID:  sess.DeviceID,
		BlobID:    meta.ID,
		Source:    "service",
		CreatedAt: time.Now().UTC(),
	})
	return meta, nil
}

// GetSession returns the session for id, or domain.ErrNotFound.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, domain.ErrNotFound
	}
	return sess, nil
}

// ListSessions returns the device's sessions, newest event first. limit is
// clamped to [1, 1000] with a default of 100; a negative offset becomes 0.
func (s *Service) ListSessions(ctx context.Context, deviceID string, limit, offset int) ([]*domain.Session, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device_id is required", domain.ErrValidation)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.sessions.ListByDevice(ctx, deviceID, limit, offset)
}

// StreamBlob returns the session's video metadata and a lazy reader over its
// bytes. The reader is single-use; callers re-stream by calling again.
func (s *Service) StreamBlob(ctx context.Context, sessionID string) (*blob.Meta, io.ReadCloser, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess == nil {
		return nil, nil, domain.ErrNotFound
	}
	if sess.BlobID == nil {
		return nil, nil, domain.ErrNoBlobAttached
	}
	return s.blobs.Open(ctx, *sess.BlobID)
}

// DeleteSession removes the session and its blob. The blob goes first: a
// crash in between leaves an orphaned blob for the consistency pass, never a
// session pointing at missing data.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return domain.ErrNotFound
	}
	if sess.BlobID != nil {
		if err := s.blobs.Delete(ctx, *sess.BlobID); err != nil && !errors.Is(err, blob.ErrNotFound) {
			return fmt.Errorf("delete session %s: %w", sessionID, err)
		}
	}
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.SessionsDeleted.Add(ctx, 1)
	}
	telemetry.EmitAsync(s.emitter, ctx, &telemetry.Event{
		EventType: "session.deleted",
		SessionID: sessionID,
		DeviceID:  sess.DeviceID,
		Source:    "service",
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// ExportAll returns a lazy cursor over flattened session records for bulk
// consumption (e.g. CSV). deviceID filters when non-empty.
func (s *Service) ExportAll(ctx context.Context, deviceID string) (repository.ExportCursor, error) {
	return s.sessions.Export(ctx, deviceID)
}
