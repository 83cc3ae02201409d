package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// registers the "sqlite" database/sql driver
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sensor_readings (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp   INTEGER NOT NULL,
	humidity    REAL    NOT NULL,
	light       REAL    NOT NULL,
	pump_status INTEGER NOT NULL,
	mode        TEXT    NOT NULL,
	soil_type   TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sensor_readings_timestamp ON sensor_readings (timestamp);

CREATE TABLE IF NOT EXISTS watering_events (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	start_time       INTEGER NOT NULL,
	duration_seconds INTEGER NOT NULL,
	reason           TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_watering_events_start_time ON watering_events (start_time);
`

// SQLStore is a SQLite implementation of [Store].
//
// Timestamps are stored as UTC Unix nanoseconds so range filters and ordering
// use plain integer comparison. The pool is limited to a single connection:
// SQLite serialises writers anyway, and this keeps ":memory:" databases
// shared across calls.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLStore opens (creating if needed) the SQLite database at path and
// applies the schema. Use ":memory:" for a throwaway database.
func OpenSQLStore(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// PersistReading validates and inserts a reading.
func (s *SQLStore) PersistReading(ctx context.Context, in ReadingInput) (Reading, error) {
	if err := in.Validate(); err != nil {
		return Reading{}, err
	}

	ts := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sensor_readings (timestamp, humidity, light, pump_status, mode, soil_type)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ts.UnixNano(), in.Humidity, in.Light, in.PumpStatus, in.Mode, in.SoilType,
	)
	if err != nil {
		return Reading{}, fmt.Errorf("failed to insert reading: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Reading{}, fmt.Errorf("failed to read reading id: %w", err)
	}

	return Reading{
		ID:         id,
		Timestamp:  ts,
		Humidity:   in.Humidity,
		Light:      in.Light,
		PumpStatus: in.PumpStatus,
		Mode:       in.Mode,
		SoilType:   in.SoilType,
	}, nil
}

// LatestReading returns the reading with the greatest timestamp.
func (s *SQLStore) LatestReading(ctx context.Context) (Reading, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, timestamp, humidity, light, pump_status, mode, soil_type
		 FROM sensor_readings ORDER BY timestamp DESC, id DESC LIMIT 1`)

	r, err := scanReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Reading{}, false, nil
	}
	if err != nil {
		return Reading{}, false, fmt.Errorf("failed to query latest reading: %w", err)
	}
	return r, true, nil
}

// ListReadings returns a page of readings, newest first.
func (s *SQLStore) ListReadings(ctx context.Context, q Query) ([]Reading, error) {
	q = q.normalize(DefaultReadingsLimit)
	where, args := rangeClause("timestamp", q)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, humidity, light, pump_status, mode, soil_type
		 FROM sensor_readings`+where+`
		 ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, q.Limit, q.Skip)...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	results := make([]Reading, 0)
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// CreateWateringEvent inserts a watering event starting now.
func (s *SQLStore) CreateWateringEvent(ctx context.Context, in WateringEventInput) (WateringEvent, error) {
	if err := in.Validate(); err != nil {
		return WateringEvent{}, err
	}

	start := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO watering_events (start_time, duration_seconds, reason) VALUES (?, ?, ?)`,
		start.UnixNano(), in.DurationSeconds, in.Reason,
	)
	if err != nil {
		return WateringEvent{}, fmt.Errorf("failed to insert watering event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return WateringEvent{}, fmt.Errorf("failed to read watering event id: %w", err)
	}

	return WateringEvent{
		ID:              id,
		StartTime:       start,
		DurationSeconds: in.DurationSeconds,
		Reason:          in.Reason,
	}, nil
}

// ListWateringEvents returns a page of watering events, newest first.
func (s *SQLStore) ListWateringEvents(ctx context.Context, q Query) ([]WateringEvent, error) {
	q = q.normalize(DefaultEventsLimit)
	where, args := rangeClause("start_time", q)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, start_time, duration_seconds, reason
		 FROM watering_events`+where+`
		 ORDER BY start_time DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, q.Limit, q.Skip)...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query watering events: %w", err)
	}
	defer rows.Close()

	results := make([]WateringEvent, 0)
	for rows.Next() {
		var (
			ev    WateringEvent
			start int64
		)
		if err := rows.Scan(&ev.ID, &start, &ev.DurationSeconds, &ev.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan watering event: %w", err)
		}
		ev.StartTime = time.Unix(0, start).UTC()
		results = append(results, ev)
	}
	return results, rows.Err()
}

// ReadingStats aggregates readings inside [start, end] in a single query.
func (s *SQLStore) ReadingStats(ctx context.Context, start, end time.Time) (ReadingStats, error) {
	if end.Before(start) {
		return ReadingStats{}, fmt.Errorf("store: end %s is before start %s", end, start)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(AVG(humidity), 0), COALESCE(MIN(humidity), 0), COALESCE(MAX(humidity), 0),
		        COALESCE(AVG(light), 0), COALESCE(MIN(light), 0), COALESCE(MAX(light), 0)
		 FROM sensor_readings WHERE timestamp >= ? AND timestamp <= ?`,
		start.UnixNano(), end.UnixNano(),
	)

	stats := ReadingStats{Start: start, End: end}
	err := row.Scan(
		&stats.TotalReadings,
		&stats.Humidity.Average, &stats.Humidity.Min, &stats.Humidity.Max,
		&stats.Light.Average, &stats.Light.Min, &stats.Light.Max,
	)
	if err != nil {
		return ReadingStats{}, fmt.Errorf("failed to aggregate readings: %w", err)
	}
	return stats, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanReading(sc rowScanner) (Reading, error) {
	var (
		r  Reading
		ts int64
	)
	if err := sc.Scan(&r.ID, &ts, &r.Humidity, &r.Light, &r.PumpStatus, &r.Mode, &r.SoilType); err != nil {
		return Reading{}, err
	}
	r.Timestamp = time.Unix(0, ts).UTC()
	return r, nil
}

// rangeClause builds the optional WHERE clause for a query's time range.
func rangeClause(column string, q Query) (string, []any) {
	var (
		clause string
		args   []any
	)
	if !q.Start.IsZero() {
		clause += " WHERE " + column + " >= ?"
		args = append(args, q.Start.UnixNano())
	}
	if !q.End.IsZero() {
		if clause == "" {
			clause += " WHERE "
		} else {
			clause += " AND "
		}
		clause += column + " <= ?"
		args = append(args, q.End.UnixNano())
	}
	return clause, args
}
