package main

import (
	"context"
	"net/http"
	"time"

	"github.com/medbook/medbook/libs/config"
	"github.com/medbook/medbook/libs/db"
	"github.com/medbook/medbook/libs/grpcx"
	"github.com/medbook/medbook/libs/httpx"
	"github.com/medbook/medbook/libs/kafkax"
	"github.com/medbook/medbook/libs/lock"
	otelx "github.com/medbook/medbook/libs/otel"
	"github.com/medbook/medbook/libs/runtime"
	"github.com/medbook/medbook/services/schedule-service/internal/consumer"
	"github.com/medbook/medbook/services/schedule-service/internal/events"
	"github.com/medbook/medbook/services/schedule-service/internal/generation"
	"github.com/medbook/medbook/services/schedule-service/internal/handlers"
	"github.com/medbook/medbook/services/schedule-service/internal/inbox"
	"github.com/medbook/medbook/services/schedule-service/internal/slots"
	"github.com/medbook/medbook/services/schedule-service/internal/storage"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	service := config.String("SERVICE_NAME", "schedule-service")
	port, err := config.Port("PORT", "8088")
	if err != nil {
		panic(err)
	}
	grpcPort, err := config.Port("GRPC_PORT", "9098")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	loc, err := config.Location("TIMEZONE", "UTC")
	if err != nil {
		panic(err)
	}
	policy, err := slots.ParseBreakPolicy(config.String("BREAK_POLICY", "strict"))
	if err != nil {
		panic(err)
	}
	interval, err := config.Duration("GENERATION_INTERVAL", 24*time.Hour)
	if err != nil {
		panic(err)
	}
	timeout, err := config.Duration("GENERATION_TIMEOUT", 10*time.Minute)
	if err != nil {
		panic(err)
	}
	limitPerMinute, err := config.Int("RATE_LIMIT_PER_MINUTE", 60, 1, 100000)
	if err != nil {
		panic(err)
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	if config.Bool("MIGRATE_ON_START", true) {
		if err := db.Migrate(ctx, dbURL, storage.Migrations); err != nil {
			logger.Error("db migration failed", "err", err)
			panic(err)
		}
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()
	repo := storage.NewRepository(pool)

	var limiter httpx.Limiter = httpx.NewMemoryLimiter(limitPerMinute, time.Minute)
	var locker generation.Locker = lock.NewMemoryLocker()
	var redisCheck func(context.Context) error
	if redisURL := config.String("REDIS_URL", ""); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			panic(err)
		}
		rdb := redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		limiter = httpx.NewRedisLimiter(rdb, limitPerMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "rl:schedule"))
		locker = lock.NewRedisLocker(rdb, "schedule")
		redisCheck = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		logger.Info("redis enabled", "rate_limit_per_minute", limitPerMinute)
	}

	brokers := config.String("KAFKA_BROKERS", "")
	var publisher generation.Publisher
	if len(kafkax.SplitBrokers(brokers)) > 0 {
		kp := events.NewKafkaPublisher(brokers)
		defer func() { _ = kp.Close() }()
		publisher = kp

		c := consumer.New(logger, inbox.NewRepository(pool), consumer.Config{
			Brokers: brokers,
			GroupID: config.String("KAFKA_GROUP_ID", service),
			Topic:   config.String("KAFKA_DOCTOR_DELETED_TOPIC", consumer.TopicDoctorDeleted),
		}, consumer.DoctorDeletedHandler(repo, logger))
		go c.Run(ctx)
	} else {
		logger.Warn("kafka disabled (no brokers configured)")
	}

	svc := generation.NewService(repo, logger, generation.Options{
		Location:    loc,
		BreakPolicy: policy,
		Locker:      locker,
		Publisher:   publisher,
	})
	if interval > 0 {
		worker := generation.NewWorker(svc, logger, generation.WorkerConfig{
			Interval:   interval,
			Timeout:    timeout,
			RunOnStart: config.Bool("GENERATION_RUN_ON_START", false),
		})
		go worker.Run(ctx)
	} else {
		logger.Info("scheduled generation disabled")
	}

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "redis", Check: redisCheck},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	handlers.New(repo, svc, loc, logger).Register(mux)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: config.List("CORS_ALLOWED_ORIGINS"),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "X-Doctor-Id", "X-Request-Id"},
			MaxAge:         10 * time.Minute,
		}),
		httpx.RateLimit(limiter, logger, true),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(2*time.Minute),
	)
	handler = otelhttp.NewHandler(handler, "schedule")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcSrv, health := grpcx.NewServer()
	health.SetServingStatus(service, healthpb.HealthCheckResponse_SERVING)
	go func() {
		if err := grpcx.Serve(ctx, grpcSrv, ":"+grpcPort, logger); err != nil {
			logger.Error("grpc server failed", "err", err)
		}
	}()

	runtime.ServeHTTP(ctx, srv, logger, 10*time.Second)
	health.Shutdown()
}
