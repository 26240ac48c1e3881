package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrInvalidVersion      = errors.New("invalid version number")
)

// Event is one journal entry of a stream.
type Event struct {
	ID        int64                  `json:"id" db:"id"`
	Stream    string                 `json:"stream" db:"stream"`
	EventType string                 `json:"event_type" db:"event_type"`
	EventData jsoniter.RawMessage    `json:"event_data" db:"event_data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	Version   int                    `json:"version" db:"version"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}

// NewEvent encodes payload as the event data.
func NewEvent(eventType string, payload interface{}, metadata map[string]interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{EventType: eventType, EventData: data, Metadata: metadata}, nil
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.EventData, v); err != nil {
		return fmt.Errorf("decode %s event %d: %w", e.EventType, e.Version, err)
	}
	return nil
}

// DBTX is the subset of *sql.DB / *sql.Tx the store needs. Passing a
// transaction makes the append part of the caller's unit of work.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Schema creates the journal table. Versions are unique per stream so two
// writers racing past the version check still cannot both commit.
const Schema = `
CREATE TABLE IF NOT EXISTS ledger_events (
	id         BIGSERIAL PRIMARY KEY,
	stream     TEXT        NOT NULL,
	event_type TEXT        NOT NULL,
	event_data JSONB       NOT NULL,
	metadata   JSONB,
	version    INT         NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (stream, version)
);`

// EventStore appends and loads versioned event streams in PostgreSQL.
type EventStore struct {
	tracer trace.Tracer
	now    func() time.Time
}

func NewEventStore() *EventStore {
	return &EventStore{
		tracer: otel.Tracer("bookledger/eventstore"),
		now:    time.Now,
	}
}

// WithTracerProvider returns a copy of es that records spans on tp.
func (es *EventStore) WithTracerProvider(tp trace.TracerProvider) *EventStore {
	cp := *es
	cp.tracer = tp.Tracer("bookledger/eventstore")
	return &cp
}

// AppendEvents appends events to stream if its current version equals
// expectedVersion. Assigned ids, versions and timestamps are written back into
// events.
func (es *EventStore) AppendEvents(ctx context.Context, db DBTX, stream string, expectedVersion int, events []Event) error {
	ctx, span := es.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("stream", stream),
			attribute.Int("expected.version", expectedVersion),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	if expectedVersion < 0 {
		return ErrInvalidVersion
	}

	currentVersion, err := es.currentVersion(ctx, db, stream)
	if err != nil {
		return err
	}
	if currentVersion != expectedVersion {
		span.SetAttributes(
			attribute.Int("actual.version", currentVersion),
			attribute.Bool("conflict.detected", true),
		)
		return ErrConcurrencyConflict
	}

	for i := range events {
		version := expectedVersion + i + 1
		createdAt := es.now().UTC()

		// lib/pq sends []byte as bytea, so JSON goes over the wire as text.
		var metadata interface{}
		if events[i].Metadata != nil {
			raw, err := json.MarshalToString(events[i].Metadata)
			if err != nil {
				return fmt.Errorf("marshal metadata of event %d: %w", i, err)
			}
			metadata = raw
		}

		var eventID int64
		err = db.QueryRowContext(ctx, `
			INSERT INTO ledger_events (stream, event_type, event_data, metadata, version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, stream, events[i].EventType, string(events[i].EventData), metadata, version, createdAt).Scan(&eventID)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return ErrConcurrencyConflict
			}
			return fmt.Errorf("insert event %d: %w", i, err)
		}

		events[i].ID = eventID
		events[i].Stream = stream
		events[i].Version = version
		events[i].CreatedAt = createdAt

		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.Int64("event.id", eventID),
			attribute.Int("event.version", version),
			attribute.String("event.type", events[i].EventType),
		))
	}

	span.SetAttributes(attribute.Bool("append.success", true))
	return nil
}

// LoadEvents returns the events of stream with fromVersion <= version and, if
// toVersion > 0, version <= toVersion, oldest first.
func (es *EventStore) LoadEvents(ctx context.Context, db DBTX, stream string, fromVersion, toVersion int) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.load",
		trace.WithAttributes(
			attribute.String("stream", stream),
			attribute.Int("from.version", fromVersion),
			attribute.Int("to.version", toVersion),
		),
	)
	defer span.End()

	query := `
		SELECT id, stream, event_type, event_data, metadata, version, created_at
		FROM ledger_events
		WHERE stream = $1
		AND version >= $2
	`
	args := []interface{}{stream, fromVersion}
	if toVersion > 0 {
		query += " AND version <= $3"
		args = append(args, toVersion)
	}
	query += " ORDER BY version ASC"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			event        Event
			data         []byte
			metadataJSON []byte
		)
		if err := rows.Scan(&event.ID, &event.Stream, &event.EventType, &data, &metadataJSON, &event.Version, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.EventData = append(jsoniter.RawMessage(nil), data...)
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of event %d: %w", event.ID, err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// CurrentVersion returns the latest version of stream, 0 if it is empty.
func (es *EventStore) CurrentVersion(ctx context.Context, db DBTX, stream string) (int, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.get_version",
		trace.WithAttributes(attribute.String("stream", stream)),
	)
	defer span.End()

	version, err := es.currentVersion(ctx, db, stream)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("current.version", version))
	return version, nil
}

func (es *EventStore) currentVersion(ctx context.Context, db DBTX, stream string) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM ledger_events
		WHERE stream = $1
	`, stream).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("query current version: %w", err)
	}
	return version, nil
}
