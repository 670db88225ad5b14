package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tablebook/shared/cachex"
	"tablebook/shared/config"
	"tablebook/shared/dbx"
	"tablebook/shared/lockx"
	"tablebook/shared/logx"
	"tablebook/shared/metricsx"

	"tablebook/booking/internal/chain"
	"tablebook/booking/internal/domain"
	"tablebook/booking/internal/repos"
)

const (
	verifyLeaseKey  = "lease:chain-verify"
	verifyInterval  = 5 * time.Minute
	verifyBatchSize = 1000
)

// The auditor walks the full event log and recomputes the hash chain. It is
// the only component allowed to declare the log corrupt.
func main() {
	cfg, problems := config.Load("chain-auditor", 8084)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	var cache *cachex.Client
	if cfg.RedisAddr != "" {
		cache, err = cachex.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "redis_unavailable", "verify lease disabled",
				slog.String("error", err.Error()),
			)
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	eventsRepo := repos.NewEventsRepo(dbPool)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info(ctx, "auditor_start", "chain auditor started",
		slog.Duration("interval", verifyInterval),
	)

	verify(ctx, eventsRepo, cache, logger)
	ticker := time.NewTicker(verifyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info(context.Background(), "auditor_stop", "chain auditor stopped")
			return
		case <-ticker.C:
			verify(ctx, eventsRepo, cache, logger)
		}
	}
}

func verify(ctx context.Context, eventsRepo *repos.EventsRepo, cache *cachex.Client, logger logx.Logger) {
	if cache != nil {
		lease, ok, err := lockx.Acquire(ctx, cache.Client(), verifyLeaseKey, verifyInterval)
		if err == nil && !ok {
			return
		}
		if lease != nil {
			defer func() { _ = lockx.Release(ctx, cache.Client(), lease) }()
		}
	}

	start := time.Now()
	verified, err := eventsRepo.VerifyChain(ctx, verifyBatchSize)
	if err != nil {
		var fault domain.IntegrityFault
		if errors.As(err, &fault) {
			metricsx.IncChainVerifyFailure()
			attrs := []slog.Attr{
				slog.String("error_code", "DATA_LOSS"),
				slog.String("error", fault.Error()),
			}
			var mismatch chain.Mismatch
			if errors.As(err, &mismatch) {
				attrs = append(attrs,
					slog.Int64("position", mismatch.GlobalPosition),
					slog.String("event_id", mismatch.EventID),
				)
			}
			logger.Error(ctx, "chain_corrupt", "event log hash chain is broken", attrs...)
			return
		}
		logger.Error(ctx, "chain_verify_failed", "chain verification aborted",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Info(ctx, "chain_verified", "event log hash chain intact",
		slog.Int64("events", verified),
		slog.Duration("took", time.Since(start)),
	)
}
