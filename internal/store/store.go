package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Default page sizes for list queries.
const (
	DefaultReadingsLimit = 100
	DefaultEventsLimit   = 50
	MaxLimit             = 1000
)

var (
	// ErrNotFound is returned when a lookup matches no record.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidReading is returned by PersistReading when the input fails validation.
	ErrInvalidReading = errors.New("store: invalid reading")

	// ErrInvalidEvent is returned by CreateWateringEvent when the input fails validation.
	ErrInvalidEvent = errors.New("store: invalid watering event")
)

// ReadingInput holds the measured fields of a reading before it is persisted.
type ReadingInput struct {
	Humidity   float64 `json:"humidity"`
	Light      float64 `json:"light"`
	PumpStatus bool    `json:"pump_status"`
	Mode       string  `json:"mode"`
	SoilType   string  `json:"soil_type"`
}

// Validate reports whether the input can be stored. Mode and soil type must
// be non-blank; measurements must be finite.
func (in ReadingInput) Validate() error {
	if math.IsNaN(in.Humidity) || math.IsInf(in.Humidity, 0) {
		return fmt.Errorf("%w: humidity must be finite", ErrInvalidReading)
	}
	if math.IsNaN(in.Light) || math.IsInf(in.Light, 0) {
		return fmt.Errorf("%w: light must be finite", ErrInvalidReading)
	}
	if strings.TrimSpace(in.Mode) == "" {
		return fmt.Errorf("%w: mode is required", ErrInvalidReading)
	}
	if strings.TrimSpace(in.SoilType) == "" {
		return fmt.Errorf("%w: soil_type is required", ErrInvalidReading)
	}
	return nil
}

// Reading is a persisted sensor reading.
//
// Reading is the canonical record shared by the storage layer, the latest
// state cache and the observer feed. Its JSON form is the message observers
// receive. Readings are immutable once returned by [Store.PersistReading].
type Reading struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Humidity   float64   `json:"humidity"`
	Light      float64   `json:"light"`
	PumpStatus bool      `json:"pump_status"`
	Mode       string    `json:"mode"`
	SoilType   string    `json:"soil_type"`
}

// WateringEventInput holds the fields of a watering event before it is stored.
type WateringEventInput struct {
	DurationSeconds int    `json:"duration_seconds"`
	Reason          string `json:"reason"`
}

// Validate reports whether the event can be stored.
func (in WateringEventInput) Validate() error {
	if in.DurationSeconds < 0 {
		return fmt.Errorf("%w: duration_seconds cannot be negative", ErrInvalidEvent)
	}
	return nil
}

// WateringEvent records one irrigation cycle, automatic or manual.
type WateringEvent struct {
	ID              int64     `json:"id"`
	StartTime       time.Time `json:"start_time"`
	DurationSeconds int       `json:"duration_seconds"`
	Reason          string    `json:"reason"`
}

// Query selects a page of records, newest first.
//
// Start and End are inclusive bounds; a zero value leaves that side open.
type Query struct {
	Skip  int
	Limit int
	Start time.Time
	End   time.Time
}

// normalize applies the default limit and clamps out-of-range values.
func (q Query) normalize(defaultLimit int) Query {
	if q.Skip < 0 {
		q.Skip = 0
	}
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	return q
}

// matches reports whether t falls inside the query's time range.
func (q Query) matches(t time.Time) bool {
	if !q.Start.IsZero() && t.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && t.After(q.End) {
		return false
	}
	return true
}

// Aggregate holds summary values for one measured field.
type Aggregate struct {
	Average float64 `json:"average"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// ReadingStats summarises the readings in a time range.
type ReadingStats struct {
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	TotalReadings int       `json:"total_readings"`
	Humidity      Aggregate `json:"humidity"`
	Light         Aggregate `json:"light"`
}

// Store is the storage collaborator for readings and watering events.
//
// Store implementations must be safe for concurrent access. PersistReading
// assigns the identity and timestamp of the returned [Reading].
type Store interface {
	// PersistReading validates and stores a reading, returning the stored record.
	PersistReading(ctx context.Context, in ReadingInput) (Reading, error)

	// LatestReading returns the most recently stored reading.
	// The boolean is false when the store holds no readings.
	LatestReading(ctx context.Context) (Reading, bool, error)

	// ListReadings returns a page of readings, newest first.
	ListReadings(ctx context.Context, q Query) ([]Reading, error)

	// CreateWateringEvent stores a watering event starting now.
	CreateWateringEvent(ctx context.Context, in WateringEventInput) (WateringEvent, error)

	// ListWateringEvents returns a page of watering events, newest first.
	ListWateringEvents(ctx context.Context, q Query) ([]WateringEvent, error)

	// ReadingStats aggregates readings with start <= timestamp <= end.
	ReadingStats(ctx context.Context, start, end time.Time) (ReadingStats, error)

	// Close releases any resources held by the store.
	Close() error
}

// statsOf computes aggregates over readings. The caller supplies the range.
func statsOf(readings []Reading, start, end time.Time) ReadingStats {
	stats := ReadingStats{Start: start, End: end, TotalReadings: len(readings)}
	if len(readings) == 0 {
		return stats
	}

	stats.Humidity = Aggregate{Min: readings[0].Humidity, Max: readings[0].Humidity}
	stats.Light = Aggregate{Min: readings[0].Light, Max: readings[0].Light}

	var humiditySum, lightSum float64
	for _, r := range readings {
		humiditySum += r.Humidity
		lightSum += r.Light
		stats.Humidity.Min = math.Min(stats.Humidity.Min, r.Humidity)
		stats.Humidity.Max = math.Max(stats.Humidity.Max, r.Humidity)
		stats.Light.Min = math.Min(stats.Light.Min, r.Light)
		stats.Light.Max = math.Max(stats.Light.Max, r.Light)
	}
	n := float64(len(readings))
	stats.Humidity.Average = humiditySum / n
	stats.Light.Average = lightSum / n
	return stats
}
