package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"dripper/internal/awsutil"
	"dripper/internal/config"
	"dripper/internal/dispatch"
	"dripper/internal/engine"
	"dripper/internal/events"
	"dripper/internal/gateway"
	"dripper/internal/httpserver"
	"dripper/internal/identity"
	"dripper/internal/logging"
	"dripper/internal/observability"
	"dripper/internal/proxy"
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

	cfg := config.LoadEngine()
	logger := logging.Init("engine", cfg.LogFormat, cfg.LogLevel)

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
		slog.Error("engine db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("engine sqs client init failed", "err", err)
		os.Exit(1)
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	pool := identity.NewPool(identity.Limits{
		PerMinute: cfg.IdentityPerMinute,
		PerHour:   cfg.IdentityPerHour,
		PerDay:    cfg.IdentityPerDay,
	}, mustDuration("IDENTITY_COOLDOWN", cfg.IdentityCooldown), store)

	allocator := proxy.NewAllocator(cfg.ProxyFailThreshold, store, pool)

	gw := &gateway.Client{
		BaseURL: cfg.GatewayBaseURL,
		APIKey:  cfg.GatewayAPIKey,
		HTTP:    &http.Client{Timeout: mustDuration("GATEWAY_TIMEOUT", cfg.GatewayTimeout) + time.Second},
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.GatewayRPSPerPod), cfg.GatewayBurst)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gateway",
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})
	dispatcher := &dispatch.Dispatcher{
		Sender:  gw,
		Limiter: limiter,
		Breaker: cb,
		Timeout: mustDuration("GATEWAY_TIMEOUT", cfg.GatewayTimeout),
	}

	emitter := &events.Emitter{Queue: &sqsqueue.EventProducer{
		SQS:      sqsClient,
		QueueURL: cfg.EventsQueueURL,
	}}

	coordinator := engine.NewCoordinator(store, pool, allocator, dispatcher, emitter, engine.Options{
		ScanInterval:   mustDuration("SCAN_INTERVAL", cfg.ScanInterval),
		BatchSize:      cfg.ScanBatchSize,
		Shards:         cfg.WorkerShards,
		ClaimStaleness: mustDuration("CLAIM_STALENESS", cfg.ClaimStaleness),
		MaxRetries:     cfg.MaxRetries,
		Backoff: engine.Backoff{
			Base:       mustDuration("RETRY_BASE", cfg.RetryBase),
			Cap:        mustDuration("RETRY_CAP", cfg.RetryCap),
			JitterFrac: cfg.RetryJitterFrac,
		},
	}, logger)

	healthMux := httpserver.New().Mux
	healthMux.HandleFunc("/healthz", httpserver.Healthz())
	healthMux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
	))
	healthSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpserver.Logging(healthMux),
	}

	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("engine health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()
	go func() {
		slog.Info("engine metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("engine metrics server failed", "err", err)
		}
	}()

	probeErrCh := make(chan error, 1)
	go func() {
		probeErrCh <- allocator.RunProbes(ctx, proxy.TCPProber{Timeout: 5 * time.Second},
			mustDuration("PROXY_PROBE_INTERVAL", cfg.ProxyProbeInterval))
	}()

	runErrCh := make(chan error, 1)
	go func() {
		slog.Info("engine coordinator starting",
			"scan_interval", cfg.ScanInterval,
			"shards", cfg.WorkerShards,
			"batch_size", cfg.ScanBatchSize,
		)
		runErrCh <- coordinator.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-runErrCh:
		if err != nil {
			slog.Error("engine coordinator failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("engine health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("engine shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-runErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("engine shutdown timeout waiting for coordinator")
	}
}
