package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/postroomhq/postroom/internal/api"
	"github.com/postroomhq/postroom/internal/auth"
	"github.com/postroomhq/postroom/internal/config"
	"github.com/postroomhq/postroom/internal/db"
	"github.com/postroomhq/postroom/internal/health"
	"github.com/postroomhq/postroom/internal/logging"
	"github.com/postroomhq/postroom/internal/mailq"
	"github.com/postroomhq/postroom/internal/metrics"
	"github.com/postroomhq/postroom/internal/ratelimit"
	"github.com/postroomhq/postroom/internal/store"
	"github.com/postroomhq/postroom/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	// Initialize structured logging
	logger := logging.New("postroom-api")

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, "postroom-api")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	// DB connect with retry so the API survives a slow Postgres start
	pool, err := db.ConnectWithRetry(ctx, cfg.DSN(), 10)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	if err := store.EnsureSchema(ctx, pool); err != nil {
		logger.Plain().WithError(err).Fatal("schema setup failed")
	}
	st := store.New(pool)

	// NSQ publisher for accepted emails
	pub, err := mailq.NewPublisher(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.EmailsTopic, cfg.NSQ.DLQTopic)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer pub.Stop()

	// Redis for per-key rate limiting. The limiter fails open, so a missing
	// Redis only disables throttling.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
	defer rdb.Close()
	limiter := ratelimit.New(rdb, cfg.API.RateLimitPerMinute, logger)

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	srv := api.NewServer(st, pub, cfg.Worker.MaxAttempts, logger)
	authMW := auth.Middleware(st, cfg.API.KeySalt, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/", api.Banner(cfg.AppName))
	mux.Handle("/v1/", srv.Routes(authMW, limiter.Middleware))
	mux.HandleFunc("/healthz", health.HTTPHandler(pool, rdb, nil))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("api server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("api server failed")
		}
	}()

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down api service")
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("api service stopped")
}
