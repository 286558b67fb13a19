// Package domain holds the session entity and its validation rules.
package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no session exists for the given ID.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyAttached is returned when a session already references a blob.
	ErrAlreadyAttached = errors.New("session already has a video attached")
	// ErrNoBlobAttached is returned when streaming a session that has no blob.
	ErrNoBlobAttached = errors.New("session has no video attached")
	// ErrConflict is returned when an insert collides with an existing session ID.
	ErrConflict = errors.New("session id already exists")
	// ErrValidation wraps all input validation failures.
	ErrValidation = errors.New("validation failed")
)

const (
	// MinEmotionScore and MaxEmotionScore bound the accepted score range,
	// 1 (very negative) to 5 (very positive).
	MinEmotionScore = 1
	MaxEmotionScore = 5
)

// Session is one recorded emotion event. BlobID is nil until a video is
// attached; the session is "complete" only after a successful attach.
type Session struct {
	ID             string
	DeviceID       string
	EmotionScore   int
	Latitude       *float64
	Longitude      *float64
	EventTimestamp time.Time // client-supplied; distinct from CreatedAt
	BlobID         *string
	CreatedAt      time.Time // server-assigned, immutable
	UpdatedAt      time.Time
}

// Validate checks the session for creation. Returns an error wrapping
// ErrValidation describing the first failure.
func (s *Session) Validate() error {
	if s.DeviceID == "" {
		return fmt.Errorf("%w: device_id is required", ErrValidation)
	}
	if s.EmotionScore < MinEmotionScore || s.EmotionScore > MaxEmotionScore {
		return fmt.Errorf("%w: emotion_score must be between %d and %d",
			ErrValidation, MinEmotionScore, MaxEmotionScore)
	}
	if (s.Latitude == nil) != (s.Longitude == nil) {
		return fmt.Errorf("%w: latitude and longitude must be provided together", ErrValidation)
	}
	if s.Latitude != nil {
		if *s.Latitude < -90 || *s.Latitude > 90 {
			return fmt.Errorf("%w: latitude must be between -90 and 90", ErrValidation)
		}
		if *s.Longitude < -180 || *s.Longitude > 180 {
			return fmt.Errorf("%w: longitude must be between -180 and 180", ErrValidation)
		}
	}
	if s.EventTimestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrValidation)
	}
	return nil
}

// ExportRecord is one flattened row for bulk export. Field order matches the
// CSV layout consumed by the export formatter.
type ExportRecord struct {
	SessionID      string
	DeviceID       string
	EmotionScore   int
	Latitude       *float64
	Longitude      *float64
	EventTimestamp time.Time
	HasVideo       bool
	CreatedAt      time.Time
}
