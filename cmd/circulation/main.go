// cmd/circulation/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bookledger/internal/catalog"
	"bookledger/internal/circulation"
	"bookledger/internal/config"
	"bookledger/internal/httpapi"
	"bookledger/internal/roster"
	"bookledger/internal/store"
	"bookledger/internal/telemetry"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "circulation: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	tel, err := telemetry.Setup(ctx, cfg.Telemetry, os.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tel.Shutdown(shutdownCtx)
	}()
	logger := tel.Logger

	backend, closeStore, err := store.Open(ctx, cfg, logger, tel.TracerProvider)
	if err != nil {
		return err
	}
	defer closeStore()

	circ, err := circulation.NewService(backend,
		circulation.WithPolicy(cfg.Policy()),
		circulation.WithRetryPolicy(cfg.Retry),
		circulation.WithBreakerSettings(cfg.Breaker),
		circulation.WithLogger(logger),
		circulation.WithTracerProvider(tel.TracerProvider),
		circulation.WithMeterProvider(tel.MeterProvider),
	)
	if err != nil {
		return err
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Circulation: circ,
		Catalog:     catalog.NewService(backend.Catalog(), logger),
		Roster: roster.NewService(backend.Roster(),
			roster.WithRateLimit(cfg.Registration.Interval, cfg.Registration.Burst),
			roster.WithLogger(logger),
		),
		Ping:    backend.Ping,
		Metrics: tel.MetricsHandler(),
		Logger:  logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting circulation service", slog.String("port", cfg.Port), slog.String("store", cfg.Store))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
