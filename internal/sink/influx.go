package sink

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/jpalmerr/regadera/internal/store"
)

// InfluxMeasurement is the measurement every reading is written to.
const InfluxMeasurement = "sensor_readings"

// InfluxConfig holds the InfluxDB v2 connection settings.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink writes readings as points to an InfluxDB v2 bucket.
type InfluxSink struct {
	client influxdb2.Client
	writer pointWriter
}

// NewInfluxSink creates an [InfluxSink]. No connection is made until the
// first write.
func NewInfluxSink(cfg InfluxConfig) (*InfluxSink, error) {
	if cfg.URL == "" || cfg.Token == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx config incomplete: url, token, org and bucket are required")
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client: client,
		writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

func (s *InfluxSink) Name() string {
	return "influx"
}

// Write stores r as one point tagged by mode and soil type.
func (s *InfluxSink) Write(ctx context.Context, r store.Reading) error {
	if err := s.writer.WritePoint(ctx, readingPoint(r)); err != nil {
		return fmt.Errorf("writing reading %d to influx: %w", r.ID, err)
	}
	return nil
}

func (s *InfluxSink) Close() error {
	s.client.Close()
	return nil
}

func readingPoint(r store.Reading) *write.Point {
	tags := map[string]string{
		"mode":      r.Mode,
		"soil_type": r.SoilType,
	}
	fields := map[string]interface{}{
		"humidity":    r.Humidity,
		"light":       r.Light,
		"pump_status": r.PumpStatus,
		"reading_id":  r.ID,
	}
	return influxdb2.NewPoint(InfluxMeasurement, tags, fields, r.Timestamp)
}
