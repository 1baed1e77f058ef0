package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postroomhq/postroom/internal/config"
	"github.com/postroomhq/postroom/internal/db"
	"github.com/postroomhq/postroom/internal/health"
	"github.com/postroomhq/postroom/internal/logging"
	"github.com/postroomhq/postroom/internal/mailq"
	"github.com/postroomhq/postroom/internal/metrics"
	"github.com/postroomhq/postroom/internal/sender"
	"github.com/postroomhq/postroom/internal/store"
	"github.com/postroomhq/postroom/internal/tracing"
	"github.com/postroomhq/postroom/internal/worker"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	// Initialize structured logging
	logger := logging.New("postroom-worker")

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, "postroom-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	// DB connect with retry so the worker survives a slow Postgres start
	pool, err := db.ConnectWithRetry(ctx, cfg.DSN(), 10)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	if err := store.EnsureSchema(ctx, pool); err != nil {
		logger.Plain().WithError(err).Fatal("schema setup failed")
	}
	st := store.New(pool)

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool, nil, nil))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	snd := buildSender(ctx, cfg, logger)
	logger.Plain().WithProvider(snd.Name()).Info("delivery provider configured")

	// DLQ producer
	dlqPub, err := mailq.NewPublisher(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.EmailsTopic, cfg.NSQ.DLQTopic)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
	}
	defer dlqPub.Stop()

	// NSQ consumer
	consumer, err := nsq.NewConsumer(cfg.NSQ.EmailsTopic, cfg.NSQ.WorkerChannel, worker.ConsumerConfig(cfg.Worker))
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}

	w := worker.New(st, snd, dlqPub, cfg.Worker, logger)
	consumer.AddConcurrentHandlers(w, cfg.Worker.Concurrency)

	// Start backlog monitoring
	startBacklogMonitor(cfg)

	// Connecting directly to NSQD forces channel creation, instead of the channel being lazily created on first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	logger.Plain().Info("worker service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down worker service")
	consumer.Stop()
	<-consumer.StopChan
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker service stopped")
}

func buildSender(ctx context.Context, cfg config.Config, logger *logging.Logger) sender.Sender {
	switch cfg.Provider {
	case "ses":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SES.Region))
		if err != nil {
			logger.Plain().WithError(err).Fatal("aws config load failed")
		}
		return sender.NewSESSender(awsCfg, cfg.SES.Source)
	case "noop":
		return sender.NoopSender{}
	default:
		return sender.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.User, cfg.SMTP.Pass, cfg.SMTP.StartTLS)
	}
}

// startBacklogMonitor starts a goroutine to periodically update worker backlog metrics
func startBacklogMonitor(cfg config.Config) {
	go func() {
		logger := logging.New("postroom-worker-monitor")
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		httpClient := &http.Client{Timeout: 5 * time.Second}

		for range ticker.C {
			// NSQ stats live on the HTTP port next to the TCP one
			nsqdHTTPAddr := strings.Replace(cfg.NSQ.NsqdTCPAddr, ":4150", ":4151", 1)
			resp, err := httpClient.Get(fmt.Sprintf("http://%s/stats?format=json", nsqdHTTPAddr))
			if err != nil {
				logger.Plain().WithError(err).Error("Failed to get NSQ stats")
				continue
			}

			var stats struct {
				Topics []struct {
					Name     string `json:"topic_name"`
					Channels []struct {
						Name     string `json:"channel_name"`
						Depth    int64  `json:"depth"`
						Deferred int64  `json:"deferred_count"`
					} `json:"channels"`
				} `json:"topics"`
			}

			if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
				resp.Body.Close()
				logger.Plain().WithError(err).Error("Failed to decode NSQ stats")
				continue
			}
			resp.Body.Close()

			for _, topic := range stats.Topics {
				if topic.Name != cfg.NSQ.EmailsTopic {
					continue
				}
				for _, channel := range topic.Channels {
					if channel.Name == cfg.NSQ.WorkerChannel {
						// deferred messages are retries waiting out their delay
						metrics.UpdateQueueBacklog(float64(channel.Depth + channel.Deferred))
					}
					metrics.UpdateNSQChannelDepth(topic.Name, channel.Name, float64(channel.Depth))
				}
			}
		}
	}()
}
