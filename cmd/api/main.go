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

	"dripper/internal/config"
	"dripper/internal/httpserver"
	"dripper/internal/logging"
	"dripper/internal/observability"
	"dripper/internal/service"
	"dripper/internal/store/pg"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat, cfg.LogLevel)

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
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	observability.Register(prometheus.DefaultRegisterer)

	svc := &service.CampaignService{Store: pg.New(db)}

	s := httpserver.New()
	api := &httpserver.API{Svc: svc}
	api.Register(s.Mux)

	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, func(ctx context.Context) error {
		return db.Ping(ctx)
	}))

	handler := httpserver.Metrics(observability.APIRequests)(s.Mux)
	handler = httpserver.Logging(handler)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}
	go func() {
		slog.Info("api metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}
}
