package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"tablebook/shared/cachex"
	"tablebook/shared/config"
	"tablebook/shared/dbx"
	"tablebook/shared/events"
	"tablebook/shared/influxx"
	"tablebook/shared/logx"
	"tablebook/shared/metricsx"
	"tablebook/shared/mqx"
	"tablebook/shared/observability"

	"tablebook/booking/internal/repos"
)

// projection consumes the booking event stream (analytics target) and folds
// it into the slot_occupancy read model, demand metrics, and cache
// invalidation. It never writes bookings; the command path owns those rows.
type projection struct {
	occupancy *repos.OccupancyRepo
	events    *repos.EventsRepo
	influx    *influxx.Client
	cache     *cachex.Client
	logger    logx.Logger
}

type lifecyclePayload struct {
	RestaurantID uuid.UUID `json:"restaurant_id"`
	SlotAt       time.Time `json:"slot_at"`
	PartySize    int       `json:"party_size"`
	ToStatus     string    `json:"to_status"`
}

func main() {
	cfg, problems := config.Load("booking-events-consumer", 8082)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
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

	reader, err := mqx.NewConsumer(cfg, events.TopicBookingEvents, cfg.KafkaGroupID)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka reader init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer reader.Close()

	proj := &projection{
		occupancy: repos.NewOccupancyRepo(dbPool),
		events:    repos.NewEventsRepo(dbPool),
		logger:    logger,
	}
	if cfg.InfluxURL != "" {
		influx, err := influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_unavailable", "demand metrics disabled",
				slog.String("error", err.Error()),
			)
		} else {
			proj.influx = influx
			defer influx.Close()
		}
	}
	if cfg.RedisAddr != "" {
		cache, err := cachex.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "redis_unavailable", "cache invalidation disabled",
				slog.String("error", err.Error()),
			)
		} else {
			proj.cache = cache
			defer cache.Close()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if strings.EqualFold(os.Getenv("REBUILD_PROJECTION"), "true") {
		if err := proj.rebuild(ctx); err != nil {
			logger.Error(ctx, "projection_rebuild_failed", "failed to rebuild slot occupancy",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(ctx, "consumer_start", "booking events consumer started",
		slog.String("topic", events.TopicBookingEvents),
		slog.String("group", cfg.KafkaGroupID),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		spanCtx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
		span.SetAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", events.TopicBookingEvents),
		)
		if err := proj.handle(spanCtx, msg.Value); err != nil {
			span.End()
			logger.Error(ctx, "event_handle_failed", "failed to handle event",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			continue
		}
		span.End()
		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		stats := reader.Stats()
		metricsx.SetKafkaLag(stats.Topic, cfg.KafkaGroupID, stats.Lag)
	}

	logger.Info(context.Background(), "consumer_stop", "booking events consumer stopped")
}

// rebuild replays the event log from the beginning and recomputes
// slot_occupancy. Each restaurant's rows are cleared on its first event so a
// partial previous state cannot leak into the rebuilt counts. The consumer
// group offset is untouched; rows touched again by live messages converge to
// the same values.
func (p *projection) rebuild(ctx context.Context) error {
	const pageSize = 1000

	start := time.Now()
	cleared := make(map[uuid.UUID]bool)
	var after int64
	var applied int
	for {
		page, err := p.events.GetAllEvents(ctx, after, pageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		for _, evt := range page {
			after = evt.GlobalPosition

			var delta int
			switch evt.EventType {
			case events.EventBookingCreated:
				delta = 1
			case events.EventBookingCancelled:
				delta = -1
			default:
				continue
			}
			var payload lifecyclePayload
			if err := json.Unmarshal(evt.Payload, &payload); err != nil {
				return err
			}
			if payload.RestaurantID == uuid.Nil || payload.SlotAt.IsZero() {
				continue
			}
			if !cleared[payload.RestaurantID] {
				if err := p.occupancy.Rebuild(ctx, payload.RestaurantID); err != nil {
					return err
				}
				cleared[payload.RestaurantID] = true
			}
			if err := p.occupancy.Apply(ctx, payload.RestaurantID, payload.SlotAt, delta, delta*payload.PartySize); err != nil {
				return err
			}
			applied++
		}
	}

	p.logger.Info(ctx, "projection_rebuilt", "slot occupancy rebuilt from event log",
		slog.Int("events_applied", applied),
		slog.Int("restaurants", len(cleared)),
		slog.Int64("last_position", after),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (p *projection) handle(ctx context.Context, raw []byte) error {
	var envelope events.Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return err
	}
	if envelope.EventID == uuid.Nil || envelope.AggregateID == uuid.Nil {
		return errors.New("missing event_id/aggregate_id")
	}
	var payload lifecyclePayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return err
	}
	if payload.RestaurantID == uuid.Nil || payload.SlotAt.IsZero() {
		return errors.New("missing restaurant_id/slot_at")
	}

	var delta, partyDelta int
	switch envelope.EventType {
	case events.EventBookingCreated:
		delta, partyDelta = 1, payload.PartySize
	case events.EventBookingCancelled:
		delta, partyDelta = -1, -payload.PartySize
	case events.EventBookingConfirmed, events.EventBookingCompleted:
		// Confirmation and completion do not change seat occupancy.
	default:
		return nil
	}
	if delta != 0 {
		if err := p.occupancy.Apply(ctx, payload.RestaurantID, payload.SlotAt, delta, partyDelta); err != nil {
			return err
		}
	}

	if p.influx != nil {
		err := p.influx.WritePoint(ctx, "booking_demand",
			map[string]string{
				"restaurant_id": payload.RestaurantID.String(),
				"event_type":    envelope.EventType,
			},
			map[string]any{
				"party_size": payload.PartySize,
				"count":      1,
			},
			envelope.OccurredAt,
		)
		if err != nil {
			metricsx.IncInfluxWriteFailure()
			p.logger.Warn(ctx, "influx_write_failed", "failed to write demand point",
				slog.String("error", err.Error()),
			)
		}
	}

	if p.cache != nil && delta != 0 {
		key := "availability:" + payload.RestaurantID.String() + ":" + payload.SlotAt.UTC().Format("2006-01-02")
		if err := p.cache.Delete(ctx, key); err != nil {
			p.logger.Warn(ctx, "cache_invalidate_failed", "failed to invalidate availability cache",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}
