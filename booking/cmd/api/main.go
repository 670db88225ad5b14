package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tablebook/shared/authx"
	"tablebook/shared/cachex"
	"tablebook/shared/config"
	"tablebook/shared/dbx"
	"tablebook/shared/httpx"
	"tablebook/shared/logx"
	"tablebook/shared/metricsx"
	"tablebook/shared/observability"

	"tablebook/booking/internal/cqrs"
	"tablebook/booking/internal/domain"
	"tablebook/booking/internal/handlers"
	"tablebook/booking/internal/middleware"
	"tablebook/booking/internal/repos"
	"tablebook/booking/internal/retry"
	"tablebook/booking/internal/targets"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("booking-api", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	if cfg.DatabaseURL == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
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

	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		var err error
		dbPool, err = dbx.NewPool(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(context.Background(), "db_init_failed", "database init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	router, err := targets.Load(cfg.TargetsConfigPath)
	if err != nil {
		readyProblems = append(readyProblems, config.Problem{Field: "TARGETS_CONFIG_PATH", Message: err.Error()})
		router = targets.Default()
	}

	backoff := retry.Policy{
		Base:   time.Duration(cfg.OutboxBackoffBaseMS) * time.Millisecond,
		Cap:    time.Duration(cfg.OutboxBackoffCapMS) * time.Millisecond,
		Jitter: 0.2,
	}
	eventsRepo := repos.NewEventsRepo(dbPool)
	outboxRepo := repos.NewOutboxRepo(dbPool, cfg.OutboxMaxAttempts, backoff)
	bookingsRepo := repos.NewBookingsRepo(dbPool, eventsRepo, outboxRepo, router,
		time.Duration(cfg.SlotLockTimeoutMS)*time.Millisecond)
	restaurantsRepo := repos.NewRestaurantsRepo(dbPool)
	leadsRepo := repos.NewLeadsRepo(dbPool)
	auditRepo := repos.NewAuditRepo(dbPool)

	var cache *cachex.Client
	if cfg.RedisAddr != "" {
		cache, err = cachex.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "cache_init_failed", "availability cache disabled",
				slog.String("error", err.Error()),
			)
			cache = nil
		} else {
			defer func() { _ = cache.Close() }()
		}
	}

	limits := domain.Limits{BookingWindowDays: cfg.BookingWindowDays, MaxPartySize: cfg.MaxPartySize}
	bus := cqrs.NewBus()
	bus.UseCommandMiddleware(commandLogging(logger))
	bus.UseQueryMiddleware(queryLogging(logger))
	handlers.NewCommandHandlers(bookingsRepo, restaurantsRepo, leadsRepo, cache, logger, limits).Register(bus)
	handlers.NewQueryHandlers(bookingsRepo, restaurantsRepo, leadsRepo, outboxRepo, eventsRepo, cache, logger,
		time.Duration(cfg.AvailabilityCacheTTLSec)*time.Second).Register(bus)

	var verifier *authx.JWTVerifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		verifier, err = authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		}
	}

	api := &apiRoutes{
		bus:         bus,
		restaurants: restaurantsRepo,
		outbox:      outboxRepo,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: database unavailable",
				map[string]any{"problem": "db_ping_failed"},
			)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())
	api.register(mux)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	skipInfra := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
	}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.DBRequiredMiddleware{Pool: dbPool, Skip: skipInfra}.Wrap(handler)
	handler = middleware.AuditMiddleware{
		Enabled: cfg.AuditEnabled,
		Repo:    auditRepo,
		Logger:  logger,
		Skip:    skipInfra,
	}.Wrap(handler)
	handler = middleware.RestaurantMiddleware{Restaurants: restaurantsRepo, Skip: skipInfra}.Wrap(handler)
	handler = middleware.AuthMiddleware{Verifier: verifier, Skip: skipInfra}.Wrap(handler)
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewIPRateLimiter(10, 30, 2*time.Minute),
		Skip:    skipInfra,
	}.Wrap(handler)
	handler = middleware.CORSMiddleware{AllowCredentials: false}.Wrap(handler)
	handler = metricsx.Instrument(handler)
	if cfg.OtelEnabled {
		handler = otelhttp.NewHandler(handler, "http")
	}
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("slot_lock_timeout_ms", cfg.SlotLockTimeoutMS),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	if dbPool != nil {
		dbPool.Close()
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}

func commandLogging(logger logx.Logger) cqrs.CommandMiddleware {
	return func(name string, next cqrs.CommandHandlerFunc) cqrs.CommandHandlerFunc {
		return func(ctx context.Context, cmd cqrs.Command) cqrs.CommandResult {
			start := time.Now()
			res := next(ctx, cmd)
			attrs := []slog.Attr{
				slog.String("command", name),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.Bool("success", res.Success),
			}
			if res.Error != nil {
				attrs = append(attrs, slog.String("error", res.Error.Error()))
				logger.Warn(ctx, "command_failed", "command failed", attrs...)
				return res
			}
			logger.Info(ctx, "command_handled", "command handled", attrs...)
			return res
		}
	}
}

func queryLogging(logger logx.Logger) cqrs.QueryMiddleware {
	return func(name string, next cqrs.QueryHandlerFunc) cqrs.QueryHandlerFunc {
		return func(ctx context.Context, qry cqrs.Query) cqrs.QueryResult {
			start := time.Now()
			res := next(ctx, qry)
			if res.Error != nil {
				logger.Warn(ctx, "query_failed", "query failed",
					slog.String("query", name),
					slog.Int64("duration_ms", time.Since(start).Milliseconds()),
					slog.String("error", res.Error.Error()),
				)
				return res
			}
			logger.Debug(ctx, "query_handled", "query handled",
				slog.String("query", name),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
			return res
		}
	}
}
