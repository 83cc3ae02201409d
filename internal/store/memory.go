package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of [Store].
//
// MemoryStore keeps every record in append order behind a single RWMutex.
// Identities start at 1 and increase monotonically. Data is lost when the
// process exits.
type MemoryStore struct {
	mu       sync.RWMutex
	readings []Reading
	events   []WateringEvent
	nextID   int64
	nextEvID int64
	now      func() time.Time
}

// NewMemoryStore creates a new in-memory [Store] implementation.
//
// The store is immediately ready for use. No cleanup is required when done.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:   1,
		nextEvID: 1,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// PersistReading validates and appends a reading.
func (m *MemoryStore) PersistReading(ctx context.Context, in ReadingInput) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	if err := in.Validate(); err != nil {
		return Reading{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r := Reading{
		ID:         m.nextID,
		Timestamp:  m.now(),
		Humidity:   in.Humidity,
		Light:      in.Light,
		PumpStatus: in.PumpStatus,
		Mode:       in.Mode,
		SoilType:   in.SoilType,
	}
	m.nextID++
	m.readings = append(m.readings, r)
	return r, nil
}

// LatestReading returns the last appended reading.
func (m *MemoryStore) LatestReading(ctx context.Context) (Reading, bool, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.readings) == 0 {
		return Reading{}, false, nil
	}
	return m.readings[len(m.readings)-1], true, nil
}

// ListReadings returns a copy of the matching page, newest first.
func (m *MemoryStore) ListReadings(ctx context.Context, q Query) ([]Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q = q.normalize(DefaultReadingsLimit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Reading, 0, q.Limit)
	skipped := 0
	for i := len(m.readings) - 1; i >= 0 && len(results) < q.Limit; i-- {
		r := m.readings[i]
		if !q.matches(r.Timestamp) {
			continue
		}
		if skipped < q.Skip {
			skipped++
			continue
		}
		results = append(results, r)
	}
	return results, nil
}

// CreateWateringEvent validates and appends a watering event.
func (m *MemoryStore) CreateWateringEvent(ctx context.Context, in WateringEventInput) (WateringEvent, error) {
	if err := ctx.Err(); err != nil {
		return WateringEvent{}, err
	}
	if err := in.Validate(); err != nil {
		return WateringEvent{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ev := WateringEvent{
		ID:              m.nextEvID,
		StartTime:       m.now(),
		DurationSeconds: in.DurationSeconds,
		Reason:          in.Reason,
	}
	m.nextEvID++
	m.events = append(m.events, ev)
	return ev, nil
}

// ListWateringEvents returns a copy of the matching page, newest first.
func (m *MemoryStore) ListWateringEvents(ctx context.Context, q Query) ([]WateringEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q = q.normalize(DefaultEventsLimit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]WateringEvent, 0, q.Limit)
	skipped := 0
	for i := len(m.events) - 1; i >= 0 && len(results) < q.Limit; i-- {
		ev := m.events[i]
		if !q.matches(ev.StartTime) {
			continue
		}
		if skipped < q.Skip {
			skipped++
			continue
		}
		results = append(results, ev)
	}
	return results, nil
}

// ReadingStats aggregates readings inside [start, end].
func (m *MemoryStore) ReadingStats(ctx context.Context, start, end time.Time) (ReadingStats, error) {
	if err := ctx.Err(); err != nil {
		return ReadingStats{}, err
	}
	if end.Before(start) {
		return ReadingStats{}, fmt.Errorf("store: end %s is before start %s", end, start)
	}

	q := Query{Start: start, End: end}

	m.mu.RLock()
	matched := make([]Reading, 0)
	for _, r := range m.readings {
		if q.matches(r.Timestamp) {
			matched = append(matched, r)
		}
	}
	m.mu.RUnlock()

	return statsOf(matched, start, end), nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
