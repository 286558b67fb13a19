// Server runs the emotion session HTTP API, the optional gRPC health
// endpoint, and the in-process retention sweeper.
package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/blob"
	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/config"
	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/db"
	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/retention"
	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/server"
	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/session/repository"
	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/session/service"
	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/telemetry"
	otelx "github.com/ntu-info/emogo-backend-bloggerwang1217/internal/telemetry/otel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, err := otelx.NewProviders(ctx, cfg.OTLPEndpoint, "emogo-backend", cfg.OTLPInsecure)
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
	svc := service.New(repo, blobStore, cfg.MaxVideoBytes, cfg.AttachDeadline(), emitter, metrics)

	if every := cfg.SweepEvery(); every > 0 {
		grace := cfg.AttachDeadline() + time.Hour
		sweeper := retention.New(repo, blobStore, cfg.RetentionPeriod(), grace, every, emitter, metrics)
		go sweeper.Run(ctx)
		log.Printf("retention sweeper running every %s (retention %s)", every, cfg.RetentionPeriod())
	}

	healthcheck := func(r *http.Request) error {
		if err := repo.Ping(r.Context()); err != nil {
			return err
		}
		return blobStore.Ping(r.Context())
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.NewHTTPServer(svc, healthcheck, cfg.CORSOriginList()).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("HTTP API listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	var grpcStop func()
	if cfg.GRPCHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			log.Fatalf("listen %s: %v", cfg.GRPCHealthAddr, err)
		}
		grpcSrv, hs := server.NewGRPCHealthServer()
		go server.WatchHealth(ctx, hs, 15*time.Second, func(ctx context.Context) error {
			if err := repo.Ping(ctx); err != nil {
				return err
			}
			return blobStore.Ping(ctx)
		})
		go func() {
			log.Printf("gRPC health listening on %s", cfg.GRPCHealthAddr)
			if err := grpcSrv.Serve(lis); err != nil {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
		grpcStop = grpcSrv.GracefulStop
	}

	<-ctx.Done()
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if grpcStop != nil {
		grpcStop()
	}
	log.Println("server stopped")
}
