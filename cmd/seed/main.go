// seed inserts development sample sessions for local testing.
// Idempotent: skips inserts if the seed device already has sessions.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/config"
	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/db"
	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/session/domain"
	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/session/repository"
)

const seedDeviceID = "dev-device-001"

func coord(f float64) *float64 { return &f }

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	repo := repository.NewPostgresRepository(conn)
	ctx := context.Background()

	existing, err := repo.ListByDevice(ctx, seedDeviceID, 1, 0)
	if err != nil {
		log.Fatalf("seed check: %v", err)
	}
	if len(existing) > 0 {
		log.Printf("Seed already applied (device %s has sessions). Skipping.", seedDeviceID)
		os.Exit(0)
	}

	now := time.Now().UTC()
	samples := []*domain.Session{
		{
			DeviceID:       seedDeviceID,
			EmotionScore:   5,
			Latitude:       coord(25.0330),
			Longitude:      coord(121.5654),
			EventTimestamp: now.Add(-2 * time.Hour),
		},
		{
			DeviceID:       seedDeviceID,
			EmotionScore:   2,
			Latitude:       coord(25.0478),
			Longitude:      coord(121.5319),
			EventTimestamp: now.Add(-26 * time.Hour),
		},
		{
			DeviceID:       seedDeviceID,
			EmotionScore:   3,
			EventTimestamp: now.Add(-72 * time.Hour),
		},
	}

	for _, s := range samples {
		s.CreatedAt = now
		s.UpdatedAt = now
		if err := s.Validate(); err != nil {
			log.Fatalf("seed session invalid: %v", err)
		}
		id, err := repo.Insert(ctx, s)
		if err != nil {
			log.Fatalf("insert seed session: %v", err)
		}
		log.Printf("seeded session %s (score %d)", id, s.EmotionScore)
	}

	log.Println("Seed completed successfully.")
}
