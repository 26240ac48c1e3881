package telemetry

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"bookledger/internal/config"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "warn")
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "book_id", 7)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"book_id":7`)

	_, err = NewLogger(&buf, "loud")
	assert.Error(t, err)
}

func TestSnapshotReportsCounters(t *testing.T) {
	ctx := context.Background()
	tel, err := Setup(ctx, config.TelemetryConfig{ServiceName: "test", LogLevel: "debug"}, &bytes.Buffer{})
	require.NoError(t, err)
	t.Cleanup(func() { tel.Shutdown(context.Background()) })

	meter := tel.MeterProvider.Meter("test")
	borrows, err := meter.Int64Counter("borrows")
	require.NoError(t, err)
	fines, err := meter.Float64Counter("fines")
	require.NoError(t, err)

	borrows.Add(ctx, 2, metric.WithAttributes(attribute.String("outcome", "ok")))
	fines.Add(ctx, 30)

	snap, err := tel.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap["borrows"], 1)
	assert.Equal(t, 2.0, snap["borrows"][0].Value)
	assert.Equal(t, "ok", snap["borrows"][0].Attributes["outcome"])
	require.Len(t, snap["fines"], 1)
	assert.Equal(t, 30.0, snap["fines"][0].Value)

	rec := httptest.NewRecorder()
	tel.MetricsHandler()(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"borrows"`)
}
