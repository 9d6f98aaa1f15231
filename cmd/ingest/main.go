// Command ingest runs the ingestion pipeline once over the given
// paths and URLs, without going through the API server. Useful for
// bulk loads and cron-driven refreshes against the same stores the
// server reads. With -submit it instead queues the targets on a
// running server over NATS and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tesserai/tessera/engine/config"
	"github.com/tesserai/tessera/engine/runtime"
	"github.com/tesserai/tessera/engine/worker"
	"github.com/tesserai/tessera/pkg/metrics"
	"github.com/tesserai/tessera/pkg/natsutil"
)

func main() {
	var (
		cfgFlag     = flag.String("config", "", "config file (default: platform config path)")
		asList      = flag.Bool("list", false, "treat each argument as a list file, one path or URL per line")
		remove      = flag.Bool("delete", false, "remove every trace of the named sources instead of ingesting")
		submit      = flag.Bool("submit", false, "queue targets on a running server over NATS instead of ingesting here")
		metricsPort = flag.Int("metrics", 0, "serve /metrics on this port while running (0 = off)")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: ingest [flags] <path-or-url> [...]")
		flag.PrintDefaults()
		os.Exit(2)
	}
	if *submit && *remove {
		fmt.Fprintln(os.Stderr, "ingest: -submit and -delete cannot be combined")
		os.Exit(2)
	}

	cfgPath := *cfgFlag
	if cfgPath == "" {
		p, err := config.Path()
		if err != nil {
			logger.Error("resolve config path", "error", err)
			os.Exit(1)
		}
		cfgPath = p
	}

	if *submit {
		if err := runSubmit(cfgPath, flag.Args(), *asList, logger); err != nil {
			logger.Error("submit failed", "error", err)
			os.Exit(1)
		}
		return
	}

	met := metrics.New()
	if *metricsPort > 0 {
		met.CollectRuntime("tessera_ingest", 15*time.Second)
		met.ServeAsync(*metricsPort)
	}

	if err := run(cfgPath, flag.Args(), *asList, *remove, logger, met); err != nil {
		logger.Error("ingest failed", "error", err)
		os.Exit(1)
	}
}

func run(cfgPath string, targets []string, asList, remove bool, logger *slog.Logger, met *metrics.Registry) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := runtime.New(cfgPath, logger, met)
	if err := rt.Build(ctx); err != nil {
		return err
	}
	defer rt.Release(context.Background())

	if remove {
		for _, target := range targets {
			if err := rt.DeleteSource(ctx, target); err != nil {
				return fmt.Errorf("delete %s: %w", target, err)
			}
			logger.Info("source removed", "source", target)
		}
		return nil
	}

	if err := rt.Warmup(ctx); err != nil {
		return err
	}
	defer func() {
		if err := rt.Persist(context.Background()); err != nil {
			logger.Warn("ingest cache persist", "error", err)
		}
	}()

	cfg, err := rt.Config()
	if err != nil {
		return err
	}
	runner := rt.JobRunner()
	failed := 0
	for i, target := range targets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		job := worker.Job{
			ID:     fmt.Sprintf("cli-%d", i+1),
			Kind:   targetKind(target, asList),
			Args:   targetArgs(target),
			Config: cfg,
		}
		start := time.Now()
		if err := runner.Run(ctx, job); err != nil {
			logger.Error("target failed", "target", target, "error", err)
			failed++
			continue
		}
		logger.Info("target ingested", "target", target, "duration", time.Since(start))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d targets failed", failed, len(targets))
	}
	return nil
}

// runSubmit hands the targets to a running server over the NATS
// intake subject. List files travel by path, so they must be readable
// from the server process.
func runSubmit(cfgPath string, targets []string, asList bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath, logger)
	if err != nil {
		return err
	}
	if cfg.General.NATSURL == "" {
		return fmt.Errorf("submit: general.nats_url is not set in %s", cfgPath)
	}
	nc, err := nats.Connect(cfg.General.NATSURL, nats.Name("tessera-ingest"))
	if err != nil {
		return fmt.Errorf("submit: connect %s: %w", cfg.General.NATSURL, err)
	}
	defer nc.Close()

	for _, target := range targets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		req := worker.IntakeRequest{Kind: targetKind(target, asList), Args: targetArgs(target)}
		if err := natsutil.Publish(ctx, nc, worker.IntakeSubject, req); err != nil {
			return fmt.Errorf("submit %s: %w", target, err)
		}
		logger.Info("target queued", "target", target, "kind", req.Kind)
	}
	if err := nc.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("submit: flush: %w", err)
	}
	return nil
}

func isURL(target string) bool {
	return strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://")
}

func targetKind(target string, asList bool) worker.Kind {
	switch {
	case asList && looksLikeURLList(target):
		return worker.KindIngestURLList
	case asList:
		return worker.KindIngestPathList
	case isURL(target):
		return worker.KindIngestURL
	default:
		return worker.KindIngestPath
	}
}

func targetArgs(target string) map[string]string {
	if isURL(target) {
		return map[string]string{"url": target}
	}
	return map[string]string{"path": target}
}

// looksLikeURLList peeks at a list file to decide whether its entries
// are URLs. Mixed files dispatch on the first entry.
func looksLikeURLList(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return isURL(line)
	}
	return false
}
