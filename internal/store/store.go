// Package store opens the configured persistence backend.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"bookledger/internal/catalog"
	"bookledger/internal/circulation"
	"bookledger/internal/config"
	"bookledger/internal/roster"
	"bookledger/internal/store/memory"
	"bookledger/internal/store/postgres"
)

// Backend is everything the binaries need from a store.
type Backend interface {
	circulation.Store
	circulation.InvariantChecker
	Catalog() catalog.Repository
	Roster() roster.Repository
	Ping(ctx context.Context) error
}

var (
	_ Backend = (*memory.Store)(nil)
	_ Backend = (*postgres.Store)(nil)
)

// Open returns the backend named by cfg.Store and a function releasing it.
// Journal spans of the postgres backend are recorded on tp.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger, tp trace.TracerProvider) (Backend, func() error, error) {
	switch strings.ToLower(cfg.Store) {
	case config.StoreMemory:
		logger.WarnContext(ctx, "using in-memory store, data is lost on exit")
		return memory.New(), func() error { return nil }, nil
	case config.StorePostgres:
		s, err := postgres.Open(ctx, cfg.Postgres(), postgres.WithTracerProvider(tp))
		if err != nil {
			return nil, nil, err
		}
		if cfg.Database.Migrate {
			if err := s.Migrate(ctx); err != nil {
				s.Close()
				return nil, nil, err
			}
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}
