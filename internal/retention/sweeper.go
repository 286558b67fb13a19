// Package retention deletes expired sessions and reclaims orphaned blobs.
//
// Expiry is measured from the server-side created_at, not the client-supplied
// event timestamp, so a device with a skewed clock cannot dodge the policy.
package retention

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/blob"
	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/session/domain"
	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/session/repository"
	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/telemetry"
)

// Result summarizes one sweep pass.
type Result struct {
	SessionsSwept    int
	SweepFailures    int
	OrphansReclaimed int
}

// Sweeper removes sessions older than the retention period, blob first so an
// interrupted sweep leaves orphaned blobs (reclaimed later) rather than
// sessions referencing missing data.
type Sweeper struct {
	sessions    repository.Repository
	blobs       blob.Store
	retention   time.Duration
	orphanGrace time.Duration
	interval    time.Duration
	emitter     telemetry.EventEmitter
	metrics     *telemetry.Metrics
	now         func() time.Time
}

// New returns a sweeper enforcing the given retention period. orphanGrace is
// how old an unreferenced blob must be before the consistency pass reclaims
// it; it must comfortably exceed the attach timeout so in-flight uploads are
// never mistaken for orphans.
func New(sessions repository.Repository, blobs blob.Store, retention, orphanGrace, interval time.Duration, emitter telemetry.EventEmitter, metrics *telemetry.Metrics) *Sweeper {
	return &Sweeper{
		sessions:    sessions,
		blobs:       blobs,
		retention:   retention,
		orphanGrace: orphanGrace,
		interval:    interval,
		emitter:     emitter,
		metrics:     metrics,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps once immediately, then on every interval tick until ctx is
// canceled. Errors are logged and the loop keeps going.
func (s *Sweeper) Run(ctx context.Context) {
	if _, err := s.SweepOnce(ctx); err != nil {
		log.Printf("retention: sweep failed: %v", err)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				log.Printf("retention: sweep failed: %v", err)
			}
		}
	}
}

// SweepOnce runs a single expiry pass followed by the orphan consistency
// pass. A failure on one session is logged and skipped; it never aborts the
// whole sweep. The returned error covers only failures to enumerate.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	var res Result
	cutoff := s.now().Add(-s.retention)

	ids, err := s.sessions.ListOlderThan(ctx, cutoff)
	if err != nil {
		return res, err
	}
	for _, id := range ids {
		if err := s.sweepSession(ctx, id); err != nil {
			res.SweepFailures++
			if s.metrics != nil {
				s.metrics.SweepFailures.Add(ctx, 1)
			}
			log.Printf("retention: sweep of session %s failed: %v", id, err)
			continue
		}
		res.SessionsSwept++
		if s.metrics != nil {
			s.metrics.SessionsSwept.Add(ctx, 1)
		}
		telemetry.EmitAsync(s.emitter, ctx, &telemetry.Event{
			EventType: "session.swept",
			SessionID: id,
			Source:    "retention",
			CreatedAt: s.now(),
		})
	}

	reclaimed, err := s.reclaimOrphans(ctx)
	res.OrphansReclaimed = reclaimed
	if err != nil {
		return res, err
	}

	if res.SessionsSwept > 0 || res.SweepFailures > 0 || res.OrphansReclaimed > 0 {
		log.Printf("retention: swept %d sessions (%d failures), reclaimed %d orphaned blobs",
			res.SessionsSwept, res.SweepFailures, res.OrphansReclaimed)
	}
	return res, nil
}

func (s *Sweeper) sweepSession(ctx context.Context, id string) error {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess == nil {
		// Already gone, possibly deleted by the owner mid-sweep.
		return nil
	}
	if sess.BlobID != nil {
		if err := s.blobs.Delete(ctx, *sess.BlobID); err != nil && !errors.Is(err, blob.ErrNotFound) {
			return err
		}
	}
	if err := s.sessions.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}

// reclaimOrphans deletes blobs past the grace age that no session references.
// These arise from a crash between blob delete and session delete, or between
// blob write and attach.
func (s *Sweeper) reclaimOrphans(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.orphanGrace)
	ids, err := s.blobs.ListCreatedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	for _, id := range ids {
		referenced, err := s.sessions.BlobReferenced(ctx, id)
		if err != nil {
			log.Printf("retention: reference check for blob %s failed: %v", id, err)
			continue
		}
		if referenced {
			continue
		}
		if err := s.blobs.Delete(ctx, id); err != nil {
			if !errors.Is(err, blob.ErrNotFound) {
				log.Printf("retention: reclaim of blob %s failed: %v", id, err)
			}
			continue
		}
		reclaimed++
		if s.metrics != nil {
			s.metrics.OrphansReclaimed.Add(ctx, 1)
		}
	}
	return reclaimed, nil
}
