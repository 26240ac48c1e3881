package eventstore

import "time"

// Memory is an in-process journal following the same versioning rules as
// EventStore. It is not safe for concurrent use; callers serialize access.
type Memory struct {
	streams map[string][]Event
	lastID  int64
	now     func() time.Time
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{streams: make(map[string][]Event), now: now}
}

// AppendEvents mirrors EventStore.AppendEvents.
func (m *Memory) AppendEvents(stream string, expectedVersion int, events []Event) error {
	if expectedVersion < 0 {
		return ErrInvalidVersion
	}
	if len(m.streams[stream]) != expectedVersion {
		return ErrConcurrencyConflict
	}
	for i := range events {
		m.lastID++
		events[i].ID = m.lastID
		events[i].Stream = stream
		events[i].Version = expectedVersion + i + 1
		events[i].CreatedAt = m.now().UTC()
		m.streams[stream] = append(m.streams[stream], events[i])
	}
	return nil
}

// LoadEvents mirrors EventStore.LoadEvents.
func (m *Memory) LoadEvents(stream string, fromVersion, toVersion int) []Event {
	var out []Event
	for _, e := range m.streams[stream] {
		if e.Version < fromVersion || (toVersion > 0 && e.Version > toVersion) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Clone returns an independent copy. Event payloads are shared since they are
// never mutated after append.
func (m *Memory) Clone() *Memory {
	cp := &Memory{
		streams: make(map[string][]Event, len(m.streams)),
		lastID:  m.lastID,
		now:     m.now,
	}
	for k, v := range m.streams {
		cp.streams[k] = append([]Event(nil), v...)
	}
	return cp
}
