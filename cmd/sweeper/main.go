// Sweeper enforces the data retention policy as a standalone process, for
// deployments that run the server with SWEEP_INTERVAL=0 and schedule sweeps
// externally. Pass -once for a single pass (e.g. from cron).
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/blob"
	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/config"
	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/db"
	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/retention"
	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/session/repository"
	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/telemetry"
	otelx "github.com/ntu-info/emogo-backend-bloggerwang1217/internal/telemetry/otel"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep pass and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, err := otelx.NewProviders(ctx, cfg.OTLPEndpoint, "emogo-sweeper", cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetry.ShutdownDrainDuration)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	blobStore := blob.NewPostgresStore(conn, cfg.ChunkBytes, cfg.AllowedTypes())
	repo := repository.NewPostgresRepository(conn)
	emitter := otelx.NewEventEmitter(providers.LoggerProvider)
	metrics, err := telemetry.NewMetrics(providers.MeterProvider)
	if err != nil {
		log.Fatalf("metrics: %v", err)
	}

	interval := cfg.SweepEvery()
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	grace := cfg.AttachDeadline() + time.Hour
	sweeper := retention.New(repo, blobStore, cfg.RetentionPeriod(), grace, interval, emitter, metrics)

	if *once {
		res, err := sweeper.SweepOnce(ctx)
		if err != nil {
			log.Fatalf("sweep: %v", err)
		}
		log.Printf("sweep done: %d sessions swept, %d failures, %d orphaned blobs reclaimed",
			res.SessionsSwept, res.SweepFailures, res.OrphansReclaimed)
		return
	}

	log.Printf("sweeper running every %s (retention %s)", interval, cfg.RetentionPeriod())
	sweeper.Run(ctx)
	log.Println("sweeper stopped")
}
