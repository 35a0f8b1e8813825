package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tablequeue/internal/api"
	"tablequeue/internal/availability"
	"tablequeue/internal/config"
	"tablequeue/internal/database"
	"tablequeue/internal/events"
	"tablequeue/internal/hold"
	"tablequeue/internal/ledger"
	"tablequeue/internal/metrics"
	"tablequeue/internal/notify"
	"tablequeue/internal/queue"
	"tablequeue/internal/reservation"
	"tablequeue/internal/scheduler"
	"tablequeue/internal/slotclock"
	"tablequeue/shared/audit"
)

func main() {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	logger := zerolog.New(output).With().Timestamp().Logger()

	cfg, err := config.Load(os.Getenv("TABLEQUEUE_CONFIG_PATH"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal().Err(err).Str("timezone", cfg.Queue.Timezone).Msg("unknown time zone")
	}

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db error")
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if cfg.Redis.Address != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
	}

	floor := config.NewFloorPlan(nil)
	if err := config.WatchFloorPlan(ctx, cfg.FloorPlan.Path, cfg.FloorPlanWatchInterval(), &logger, func(fp *config.FloorPlanConfig) {
		floor.Set(fp.Tables)
	}); err != nil {
		logger.Fatal().Err(err).Msg("load floor plan")
	}

	bus := events.NewEventBus(&logger)
	if cfg.RabbitMQ.Enabled {
		pub, err := events.DialAMQP(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, &logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect rabbitmq")
		}
		defer pub.Close()
		bus.SubscribeAll(pub.Handle)
	}

	var noticeMetrics *notify.Metrics
	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
		noticeMetrics = notify.NewMetrics("tablequeue", prometheus.DefaultRegisterer)
	}
	notifier := notify.NewDispatcher(db, bus, notify.Config{
		RateLimiter: notify.RateLimiterConfig{
			Rate:      cfg.Queue.NoticesPerSecond,
			Burst:     cfg.Queue.NoticeBurst,
			JitterMax: notify.DefaultRateLimiterConfig().JitterMax,
		},
		Retry: notify.DefaultRetryConfig(),
	}, noticeMetrics, &logger)

	clock := slotclock.New(loc)
	l := ledger.New(db, bus, &logger)

	holdOpts := []hold.Option{hold.WithHoldDuration(cfg.HoldDuration())}
	matcherOpts := []availability.Option{}
	convOpts := []reservation.ConverterOption{}
	if rdb != nil {
		holdOpts = append(holdOpts, hold.WithLocker(hold.NewRedisLock(rdb, cfg.LockTTL())))
		if ttl := cfg.CacheTTL(); ttl > 0 {
			matcherOpts = append(matcherOpts, availability.WithCache(rdb, ttl))
		}
		convOpts = append(convOpts, reservation.WithResultCache(rdb, cfg.IdempotencyTTL()))
	}

	holds := hold.NewManager(db, l, floor, clock, notifier, bus, &logger, holdOpts...)
	defer holds.Close()
	matcher := availability.NewMatcher(floor, db, &logger, matcherOpts...)
	conv := reservation.NewConverter(db, holds, floor, matcher, notifier, bus, &logger, convOpts...)
	reservations := reservation.NewService(db, matcher, holds, floor, clock, notifier, bus, &logger)
	queueSvc := queue.NewService(l, db, matcher, holds, conv, reservations, clock, bus, &logger,
		queue.WithMaxEntriesPerUser(cfg.Queue.MaxConcurrentEntries))

	if err := holds.Restore(ctx); err != nil {
		logger.Error().Err(err).Msg("restore hold timers")
	}

	sched := scheduler.New(scheduler.Config{
		Interval:     cfg.TickInterval(),
		NoticeWindow: cfg.NoticeWindow(),
	}, db, holds, matcher, clock, notifier, &logger)
	go sched.Start(ctx)
	defer sched.Stop()

	backup := database.NewBackupService(db, cfg.Backup, &logger)
	go backup.Start(ctx)

	if cfg.Audit.Enabled {
		auditSvc := audit.NewService(audit.Config{
			Dir:           cfg.Audit.ExportDir,
			Hour:          cfg.Audit.ExportHour,
			RetentionDays: cfg.Audit.RetentionDays,
			Location:      loc,
		}, db, db, &logger)
		auditSvc.Start(ctx)
		defer auditSvc.Stop()
	}

	go startHealthServer(ctx, cfg.Monitoring.HealthCheckPort, db, rdb, &logger)
	if cfg.Monitoring.PrometheusEnabled {
		go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, &logger)
	}

	server := api.NewHTTPServer(api.Config{
		Address:           cfg.Server.Address,
		ReadTimeout:       cfg.ReadTimeout(),
		WriteTimeout:      cfg.WriteTimeout(),
		DebugEndpoints:    cfg.Server.DebugEndpoints,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	}, queueSvc, reservations, db, floor, clock, &logger)

	logger.Info().Str("timezone", loc.String()).Dur("hold", cfg.HoldDuration()).Msg("tablequeue started")
	if err := server.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("api server error")
	}
	logger.Info().Msg("tablequeue stopped")
}

func startHealthServer(ctx context.Context, port int, db *database.DB, rdb *redis.Client, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctxPing, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := db.PingContext(ctxPing); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		if rdb != nil {
			if err := rdb.Ping(ctxPing).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	serve(ctx, fmt.Sprintf(":%d", port), mux, "health", logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	serve(ctx, fmt.Sprintf(":%d", port), mux, "metrics", logger)
}

func serve(ctx context.Context, addr string, h http.Handler, name string, logger *zerolog.Logger) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Str("server", name).Msg("server error")
	}
}
