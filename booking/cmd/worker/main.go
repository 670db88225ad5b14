package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"tablebook/shared/cachex"
	"tablebook/shared/config"
	"tablebook/shared/dbx"
	"tablebook/shared/lockx"
	"tablebook/shared/logx"
	"tablebook/shared/metricsx"
	"tablebook/shared/mqx"
	"tablebook/shared/observability"

	"tablebook/booking/internal/repos"
	"tablebook/booking/internal/retry"
	"tablebook/booking/internal/targets"
)

const (
	taskOutboxScan     = "outbox.scan"
	taskOutboxDispatch = "outbox.dispatch"

	scanLeaseKey = "lease:outbox-scan"
	staleHorizon = 5 * time.Minute
)

type dispatchPayload struct {
	EntryID string `json:"entry_id"`
}

func main() {
	cfg, problems := config.Load("outbox-worker", 8083)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
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

	backoff := retry.Policy{
		Base:   time.Duration(cfg.OutboxBackoffBaseMS) * time.Millisecond,
		Cap:    time.Duration(cfg.OutboxBackoffCapMS) * time.Millisecond,
		Jitter: retry.DefaultPolicy().Jitter,
	}
	outboxRepo := repos.NewOutboxRepo(dbPool, cfg.OutboxMaxAttempts, backoff)

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer producer.Close()

	cache, err := cachex.New(cfg)
	if err != nil {
		logger.Warn(context.Background(), "redis_unavailable", "scan lease disabled, relying on claim query",
			slog.String("error", err.Error()),
		)
		cache = nil
	} else {
		defer cache.Close()
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
	})
	defer server.Shutdown()

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskOutboxScan, func(ctx context.Context, t *asynq.Task) error {
		if cache != nil {
			lease, ok, err := lockx.Acquire(ctx, cache.Client(), scanLeaseKey, time.Duration(cfg.OutboxScanSec)*time.Second)
			if err == nil && !ok {
				return nil
			}
			if lease != nil {
				defer func() { _ = lockx.Release(ctx, cache.Client(), lease) }()
			}
		}
		entries, err := outboxRepo.ClaimPending(ctx, cfg.ServiceName, cfg.OutboxBatchSize)
		if err != nil {
			return err
		}
		metricsx.AddOutboxClaimed(len(entries))
		client := asynq.NewClient(redisOpt)
		defer client.Close()
		for _, entry := range entries {
			payload, _ := json.Marshal(dispatchPayload{EntryID: entry.EntryID.String()})
			task := asynq.NewTask(taskOutboxDispatch, payload, asynq.Queue(cfg.AsynqQueue))
			if _, err := client.Enqueue(task); err != nil {
				logger.Error(ctx, "enqueue_failed", "failed to enqueue outbox dispatch",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("entry_id", entry.EntryID.String()),
					slog.String("error", err.Error()),
				)
				// Leave the row in processing; ReleaseStale returns it to
				// pending once the claim horizon passes.
			}
		}
		return nil
	})
	mux.HandleFunc(taskOutboxDispatch, func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("asynq").Start(ctx, "outbox.dispatch")
		span.SetAttributes(attribute.String("queue", cfg.AsynqQueue))
		defer span.End()

		var payload dispatchPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return err
		}
		entryID, err := uuid.Parse(strings.TrimSpace(payload.EntryID))
		if err != nil {
			return err
		}
		entry, err := outboxRepo.GetByID(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.Status == repos.OutboxStatusSent || entry.Status == repos.OutboxStatusFailed {
			return nil
		}
		span.SetAttributes(
			attribute.String("target", entry.Target),
			attribute.String("topic", entry.Topic),
		)

		var meta targets.DeliveryMeta
		if err := json.Unmarshal(entry.Payload, &meta); err != nil {
			// A row that cannot be decoded will never deliver; fail it
			// straight to dead-letter.
			_, _ = outboxRepo.MarkFailed(ctx, entry.EntryID, entry.MaxAttempts, "undecodable payload: "+err.Error())
			metricsx.IncOutboxDelivery(entry.Target, "dead")
			return nil
		}
		headers := map[string]string{
			"event_id":       meta.EventID.String(),
			"event_type":     meta.EventType,
			"aggregate_type": meta.AggregateType,
			"aggregate_id":   meta.AggregateID.String(),
			"target":         entry.Target,
			"published_at":   time.Now().UTC().Format(time.RFC3339Nano),
		}

		start := time.Now()
		if err := producer.Publish(ctx, entry.Topic, []byte(meta.AggregateID.String()), entry.Payload, headers); err != nil {
			attempts := entry.Attempts + 1
			dead, markErr := outboxRepo.MarkFailed(ctx, entry.EntryID, attempts, err.Error())
			if markErr != nil {
				return markErr
			}
			if dead {
				metricsx.IncOutboxDelivery(entry.Target, "dead")
				logger.Warn(ctx, "outbox_dead", "outbox entry moved to dead-letter",
					slog.String("entry_id", entry.EntryID.String()),
					slog.String("target", entry.Target),
					slog.Int("attempts", attempts),
					slog.String("error", err.Error()),
				)
				return nil
			}
			metricsx.IncOutboxDelivery(entry.Target, "retry")
			return err
		}
		if err := outboxRepo.MarkSent(ctx, entry.EntryID); err != nil {
			return err
		}
		metricsx.IncOutboxDelivery(entry.Target, "sent")
		metricsx.ObserveDeliveryLatency(entry.Target, time.Since(start))
		return nil
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	defer scheduler.Shutdown()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.OutboxScanSec)+"s", asynq.NewTask(taskOutboxScan, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
			if err != nil {
				continue
			}
			metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
		}
	}()

	// Rows claimed by a worker that died stay in processing forever unless
	// someone releases them.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			released, err := outboxRepo.ReleaseStale(ctx, staleHorizon)
			cancel()
			if err != nil {
				logger.Error(context.Background(), "release_stale_failed", "failed to release stale claims",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("error", err.Error()),
				)
				continue
			}
			if released > 0 {
				logger.Info(context.Background(), "stale_released", "released stale outbox claims",
					slog.Int64("count", released),
				)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "outbox worker started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "worker_failed", "worker failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "worker_stop", "outbox worker stopped")
}
