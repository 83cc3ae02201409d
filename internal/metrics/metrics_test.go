package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jpalmerr/regadera/internal/feed"
	"github.com/jpalmerr/regadera/internal/registry"
)

var _ feed.Recorder = (*Metrics)(nil)

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubConn struct {
	id  string
	err error
}

func (c stubConn) ID() string                         { return c.id }
func (c stubConn) Send(context.Context, []byte) error { return c.err }
func (c stubConn) Close() error                       { return nil }

func TestMetrics_Recorder(t *testing.T) {
	m := New()

	m.ConnectionOpened(feed.RoleObserver)
	m.ConnectionOpened(feed.RoleObserver)
	m.ConnectionClosed(feed.RoleObserver)
	m.ConnectionOpened(feed.RoleProducer)
	m.FrameRejected(feed.KindDecode)
	m.ReadingPublished(2, 0)
	m.ReadingPublished(1, 1)

	if got := testutil.ToFloat64(m.connections.WithLabelValues(feed.RoleObserver)); got != 1 {
		t.Errorf("observer connections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.connections.WithLabelValues(feed.RoleProducer)); got != 1 {
		t.Errorf("producer connections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.framesRejected.WithLabelValues(feed.KindDecode)); got != 1 {
		t.Errorf("decode rejections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.readingsPublished); got != 2 {
		t.Errorf("readings published = %v, want 2", got)
	}
}

func TestMetrics_RegistryObserver(t *testing.T) {
	m := New()
	r := registry.New(
		registry.WithObserver(m.RegistryObserver()),
		registry.WithLogger(testLogger()),
	)

	_ = r.Join("ui-feed", stubConn{id: "a"})
	_ = r.Join("ui-feed", stubConn{id: "b", err: errors.New("gone")})
	r.Broadcast(context.Background(), "ui-feed", []byte("x"))

	if got := testutil.ToFloat64(m.channelMembers.WithLabelValues("ui-feed")); got != 1 {
		t.Errorf("channel members = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.deliveries.WithLabelValues("ui-feed", "ok")); got != 1 {
		t.Errorf("ok deliveries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.deliveries.WithLabelValues("ui-feed", "error")); got != 1 {
		t.Errorf("failed deliveries = %v, want 1", got)
	}
}

func TestMetrics_SinkWrite(t *testing.T) {
	m := New()
	m.SinkWrite("influx", "ok")
	m.SinkWrite("influx", "dropped")
	m.SinkWrite("mqtt", "ok")

	if got := testutil.CollectAndCount(m.sinkWrites); got != 3 {
		t.Errorf("sink series = %d, want 3", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ReadingPublished(1, 0)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	for _, want := range []string{"regadera_readings_published_total 1", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestMetrics_IndependentInstances(t *testing.T) {
	a, b := New(), New()
	a.ReadingPublished(1, 0)
	if got := testutil.ToFloat64(b.readingsPublished); got != 0 {
		t.Errorf("second instance counter = %v, want 0", got)
	}
}
