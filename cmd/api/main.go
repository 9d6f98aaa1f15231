// Package main implements the Tessera REST API server: ingestion job
// submission, retrieval across the configured modality spaces, and
// runtime administration under /v1.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tesserai/tessera/engine/config"
	"github.com/tesserai/tessera/engine/runtime"
	"github.com/tesserai/tessera/engine/worker"
	"github.com/tesserai/tessera/pkg/metrics"
	"github.com/tesserai/tessera/pkg/mid"
	"github.com/tesserai/tessera/pkg/resilience"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfgPath, err := config.Path()
	if err != nil {
		logger.Error("resolve config path", "error", err)
		os.Exit(1)
	}

	if err := run(cfgPath, level, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfgPath string, level *slog.LevelVar, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met := metrics.New()
	rt := runtime.New(cfgPath, logger, met)
	if err := rt.Build(ctx); err != nil {
		return err
	}
	defer rt.Release(context.Background())

	cfg, err := rt.Config()
	if err != nil {
		return err
	}
	level.Set(logLevel(cfg.General.LogLevel))

	// Stores may still be starting; health reports what Warmup could
	// not reach.
	if err := rt.Warmup(ctx); err != nil {
		logger.Warn("warmup incomplete", "error", err)
	}

	jobs := worker.New(rt.JobRunner(), logger, met)
	jobs.Start()

	if cfg.General.NATSURL != "" {
		nc, err := nats.Connect(cfg.General.NATSURL, nats.Name("tessera-api"))
		if err != nil {
			logger.Warn("job intake bridge disabled", "url", cfg.General.NATSURL, "error", err)
		} else {
			defer nc.Close()
			lim := resilience.NewLimiter(resilience.LimiterOpts{Rate: 50, Burst: 100})
			sub, err := worker.StartIntake(nc, jobs, func() config.Config {
				c, _ := rt.Config()
				return c
			}, lim, logger)
			if err != nil {
				logger.Warn("job intake bridge disabled", "error", err)
			} else {
				defer sub.Unsubscribe()
				logger.Info("job intake bridge listening", "subject", worker.IntakeSubject)
			}
		}
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.General.Host, cfg.General.Port),
		Handler:      newHandler(rt, jobs, met, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := jobs.Shutdown(shutCtx); err != nil {
		logger.Warn("worker shutdown", "error", err)
	}
	if err := rt.Persist(shutCtx); err != nil {
		logger.Warn("ingest cache persist", "error", err)
	}
	return nil
}

// newHandler wires the /v1 routes.
func newHandler(rt *runtime.Runtime, jobs *worker.Worker, met *metrics.Registry, logger *slog.Logger) http.Handler {
	lock := mid.NewLock()
	excl := mid.Exclusive(lock)

	// Everything touching the stores serializes on one lock; health,
	// job polling, and metrics read no store and bypass it.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", handleHealth(rt))
	mux.Handle("GET /v1/reload", excl(handleReload(rt, logger)))
	mux.Handle("POST /v1/upload", excl(handleUpload(rt, logger)))
	mux.Handle("POST /v1/ingest/{kind}", excl(handleIngest(rt, jobs)))
	mux.HandleFunc("POST /v1/job", handleJob(jobs))
	mux.Handle("POST /v1/query/{pair}", excl(handleQuery(rt, logger)))
	mux.Handle("GET /v1/lineage/{node}", excl(handleLineage(rt)))
	mux.Handle("GET /v1/metrics", met.Handler())

	return mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.OTel("tessera-api"),
		mid.CORS("*"),
	)
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
