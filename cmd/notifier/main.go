package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dripper/internal/awsutil"
	"dripper/internal/config"
	"dripper/internal/httpserver"
	"dripper/internal/logging"
	"dripper/internal/notifier"
	"dripper/internal/observability"
	sqsqueue "dripper/internal/queue/sqs"
	"dripper/internal/store/pg"
)

func mustDuration(name, v string) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Error("invalid duration", "name", name, "value", v, "err", err)
		os.Exit(1)
	}
	return d
}

func main() {
	_ = godotenv.Load()

	cfg := config.LoadNotifier()
	logging.Init("notifier", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		slog.Error("notifier db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("notifier sqs client init failed", "err", err)
		os.Exit(1)
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	if _, err := sqsClient.GetQueueAttributes(startupCtx, &sqs.GetQueueAttributesInput{
		QueueUrl:       &cfg.EventsQueueURL,
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	}); err != nil {
		slog.Error("sqs not reachable", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	consumer := &sqsqueue.EventConsumer{
		SQS:               sqsClient,
		QueueURL:          cfg.EventsQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}

	processor := &notifier.Processor{
		Store:      store,
		HTTP:       &http.Client{Timeout: mustDuration("WEBHOOK_TIMEOUT", cfg.WebhookTimeout)},
		MaxRetries: cfg.WebhookMaxRetries,
		RetryBase:  mustDuration("WEBHOOK_RETRY_BASE", cfg.WebhookRetryBase),
		RetryCap:   mustDuration("WEBHOOK_RETRY_CAP", cfg.WebhookRetryCap),
	}

	healthMux := httpserver.New().Mux
	healthMux.HandleFunc("/healthz", httpserver.Healthz())
	healthMux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
		func(c context.Context) error {
			_, err := sqsClient.GetQueueAttributes(c, &sqs.GetQueueAttributesInput{
				QueueUrl:       &cfg.EventsQueueURL,
				AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
			})
			return err
		},
	))
	healthSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpserver.Logging(healthMux),
	}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("notifier health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()
	go func() {
		slog.Info("notifier metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("notifier metrics server failed", "err", err)
		}
	}()

	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("notifier starting poll", "queue_url", cfg.EventsQueueURL)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.NotifierConcurrency, processor.Handle)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("notifier poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("notifier health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("notifier shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("notifier shutdown timeout waiting for poll loop")
	}
}
