// cmd/chaos/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"

	"bookledger/internal/chaos"
	"bookledger/internal/circulation"
	"bookledger/internal/config"
	"bookledger/internal/store"
	"bookledger/internal/telemetry"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	report := flag.Bool("report", false, "print the results as JSON")
	flag.Parse()

	held, err := run(*configPath, *report)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chaos: %v\n", err)
		os.Exit(1)
	}
	if !held {
		os.Exit(2)
	}
}

// run executes the game day and reports whether every hypothesis held.
func run(configPath string, report bool) (bool, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return false, err
	}
	tel, err := telemetry.Setup(ctx, cfg.Telemetry, os.Stderr)
	if err != nil {
		return false, err
	}
	defer tel.Shutdown(context.Background())

	backend, closeStore, err := store.Open(ctx, cfg, tel.Logger, tel.TracerProvider)
	if err != nil {
		return false, err
	}
	defer closeStore()

	svc, err := circulation.NewService(backend,
		circulation.WithPolicy(cfg.Policy()),
		circulation.WithRetryPolicy(cfg.Retry),
		circulation.WithBreakerSettings(cfg.Breaker),
		circulation.WithLogger(tel.Logger),
		circulation.WithTracerProvider(tel.TracerProvider),
		circulation.WithMeterProvider(tel.MeterProvider),
	)
	if err != nil {
		return false, err
	}

	engine := chaos.NewEngine(
		chaos.WithLogger(tel.Logger),
		chaos.WithTracerProvider(tel.TracerProvider),
		chaos.WithPause(time.Second),
	)
	engine.RegisterExperiments(chaos.Target{
		Circulation: svc,
		Checker:     backend,
		Books:       backend.Catalog(),
		Students:    backend.Roster(),
	}, chaos.Settings{
		Workers:  cfg.Chaos.Workers,
		Students: cfg.Chaos.Students,
		Copies:   cfg.Chaos.Copies,
		Duration: cfg.Chaos.Duration,
	})

	results, err := engine.ExecuteGameDay(ctx, chaos.GameDay{
		Name:      "Borrow Ledger Game Day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
	})
	if err != nil {
		return false, err
	}

	if report {
		enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return false, err
		}
	}

	held := len(results) == len(engine.Experiments())
	for _, r := range results {
		held = held && r.HypothesisHeld
	}
	return held, nil
}
