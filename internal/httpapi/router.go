// Package httpapi assembles the HTTP surface of the service.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"bookledger/internal/catalog"
	"bookledger/internal/circulation"
	"bookledger/internal/roster"
)

type Deps struct {
	Circulation circulation.Service
	Catalog     catalog.Service
	Roster      roster.Service
	// Ping reports store health. Nil means always healthy.
	Ping    func(context.Context) error
	Metrics http.Handler
	Logger  *slog.Logger
}

// NewRouter mounts every route under /api.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(AccessLog(logger))
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", health(d.Ping))
		if d.Metrics != nil {
			r.Method(http.MethodGet, "/admin/metrics", d.Metrics)
		}
		circulation.NewHandler(d.Circulation).Register(r)
		catalog.NewHandler(d.Catalog).Register(r)
		roster.NewHandler(d.Roster).Register(r)
	})
	return r
}

func health(ping func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				circulation.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
				return
			}
		}
		circulation.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// AccessLog logs one line per request.
func AccessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				level := slog.LevelInfo
				if ww.Status() >= http.StatusInternalServerError {
					level = slog.LevelError
				}
				logger.LogAttrs(r.Context(), level, "request",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", ww.Status()),
					slog.Int("bytes", ww.BytesWritten()),
					slog.Duration("duration", time.Since(start)),
					slog.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
