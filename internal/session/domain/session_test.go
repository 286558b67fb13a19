package domain

import (
	"errors"
	"testing"
	"time"
)

func ptr(f float64) *float64 { return &f }

func validSession() *Session {
	return &Session{
		DeviceID:       "550e8400-e29b-41d4-a716-446655440000",
		EmotionScore:   3,
		Latitude:       ptr(25.0330),
		Longitude:      ptr(121.5654),
		EventTimestamp: time.Date(2024, 12, 2, 12, 0, 0, 0, time.UTC),
	}
}

func TestValidate_Valid(t *testing.T) {
	s := validSession()
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	// Coordinates are optional when both are absent.
	s.Latitude = nil
	s.Longitude = nil
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate without coordinates: %v", err)
	}
}

func TestValidate_ScoreRange(t *testing.T) {
	for score := MinEmotionScore; score <= MaxEmotionScore; score++ {
		s := validSession()
		s.EmotionScore = score
		if err := s.Validate(); err != nil {
			t.Errorf("score %d should be valid: %v", score, err)
		}
	}
	for _, score := range []int{0, -1, 6, 100} {
		s := validSession()
		s.EmotionScore = score
		err := s.Validate()
		if !errors.Is(err, ErrValidation) {
			t.Errorf("score %d: error = %v, want ErrValidation", score, err)
		}
	}
}

func TestValidate_Invalid(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Session)
	}{
		{"missing device id", func(s *Session) { s.DeviceID = "" }},
		{"latitude without longitude", func(s *Session) { s.Longitude = nil }},
		{"longitude without latitude", func(s *Session) { s.Latitude = nil }},
		{"latitude out of range", func(s *Session) { s.Latitude = ptr(91) }},
		{"longitude out of range", func(s *Session) { s.Longitude = ptr(-181) }},
		{"zero timestamp", func(s *Session) { s.EventTimestamp = time.Time{} }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := validSession()
			tc.mutate(s)
			if err := s.Validate(); !errors.Is(err, ErrValidation) {
				t.Errorf("error = %v, want ErrValidation", err)
			}
		})
	}
}
