package regadera

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jpalmerr/regadera/internal/store"
)

// runInstance starts rg in the background and waits until it serves requests.
// The returned function cancels it and waits for Start to return.
func runInstance(t *testing.T, rg *Regadera) (stop func()) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- rg.Start(ctx)
	}()

	healthURL := fmt.Sprintf("http://localhost:%d/healthz", rg.Port())
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(healthURL)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		select {
		case err := <-done:
			cancel()
			t.Fatalf("Start() returned early: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("instance did not become ready")
		}
		time.Sleep(20 * time.Millisecond)
	}

	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Start() returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Start() did not return after context cancellation")
		}
	}
}

func dialWS(t *testing.T, port int, path string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://localhost:%d%s", port, path), nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", path, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readReading(t *testing.T, ws *websocket.Conn) Reading {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var r Reading
	if err := json.Unmarshal(data, &r); err != nil {
		t.Fatalf("Unmarshal(%s) error = %v", data, err)
	}
	return r
}

const validFrame = `{"humedad":41.5,"luz":820,"bomba":false,"modo":"auto","suelo":"arcilla"}`

// TestStart_BlocksUntilContextCancelled verifies that Start blocks until the
// provided context is cancelled.
func TestStart_BlocksUntilContextCancelled(t *testing.T) {
	rg, err := New(WithPort(19301), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- rg.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)

	select {
	case err := <-done:
		t.Fatalf("Start() returned early with error: %v", err)
	default:
		// expected: still blocking
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() error = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after context cancellation")
	}
}

func TestStart_ReturnsImmediatelyIfContextAlreadyCancelled(t *testing.T) {
	rg, err := New(WithPort(19302), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() {
		done <- rg.Start(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() error = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start() should return immediately for a cancelled context")
	}
}

func TestStart_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", ":19303")
	if err != nil {
		t.Skipf("could not reserve port: %v", err)
	}
	defer ln.Close()

	rg, err := New(WithPort(19303), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = rg.Start(ctx)
	if err == nil {
		t.Fatal("Start() expected error for port in use, got nil")
	}
	if !strings.Contains(err.Error(), "failed to start HTTP server") {
		t.Errorf("Start() error = %v, want error containing 'failed to start HTTP server'", err)
	}
}

func TestStart_InvalidSQLitePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "dir", "regadera.db")
	rg, err := New(WithPort(19304), WithSQLiteStorage(path), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := rg.Start(ctx); err == nil {
		t.Fatal("Start() expected error for unusable sqlite path, got nil")
	}
}

func TestStart_ProducerToObserver(t *testing.T) {
	rg, err := New(WithPort(19305), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	stop := runInstance(t, rg)
	defer stop()

	observer := dialWS(t, rg.Port(), "/ws/ui-feed")
	producer := dialWS(t, rg.Port(), "/ws/esp32")

	// the observer has joined once its upgrade returned; give the handler a moment
	time.Sleep(50 * time.Millisecond)

	if err := producer.WriteMessage(websocket.TextMessage, []byte(validFrame)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	got := readReading(t, observer)
	if got.ID != 1 || got.Humidity != 41.5 || got.SoilType != "arcilla" {
		t.Errorf("observer got %+v, want reading 1 with humidity 41.5 and soil arcilla", got)
	}
}

func TestStart_MetricsExposed(t *testing.T) {
	rg, err := New(WithPort(19306), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	stop := runInstance(t, rg)
	defer stop()

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/metrics", rg.Port()))
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /metrics status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

// TestStart_SnapshotSurvivesRestart verifies that a new instance on the same
// database serves the last stored reading to a newly joined observer.
func TestStart_SnapshotSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regadera.db")

	first, err := New(WithPort(19307), WithSQLiteStorage(path), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	stop := runInstance(t, first)
	postReading(t, first.Port(), `{"humidity":55,"light":300,"pump_status":true,"mode":"manual","soil_type":"arena"}`)
	stop()

	second, err := New(WithPort(19308), WithSQLiteStorage(path), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	stop = runInstance(t, second)
	defer stop()

	observer := dialWS(t, second.Port(), "/ws/ui-feed")
	got := readReading(t, observer)
	if got.ID != 1 || got.Humidity != 55 || got.Mode != "manual" {
		t.Errorf("snapshot = %+v, want reading 1 with humidity 55 and mode manual", got)
	}
}

// TestStart_MultipleSequentialRuns verifies that a new Regadera can be
// started after the previous one shuts down.
func TestStart_MultipleSequentialRuns(t *testing.T) {
	for i := 0; i < 3; i++ {
		rg, err := New(WithPort(19310+i), WithLogger(testLogger()))
		if err != nil {
			t.Fatalf("iteration %d: New() error = %v", i, err)
		}
		stop := runInstance(t, rg)
		stop()
	}
}

// TestStart_WaitsForSessionsBeforeClosingStore cancels while a producer
// session is still handling a frame and has another one buffered. Start must
// not close the store under it, and the buffered frame must not be ingested.
func TestStart_WaitsForSessionsBeforeClosingStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regadera.db")

	var logBuf syncBuffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	rg, err := New(
		WithPort(19330),
		WithSQLiteStorage(path),
		WithLogger(logger),
		WithReadingCallback(func(Reading) {
			once.Do(func() { close(entered) })
			<-release
		}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- rg.Start(ctx)
	}()

	healthURL := fmt.Sprintf("http://localhost:%d/healthz", rg.Port())
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(healthURL)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("instance did not become ready")
		}
		time.Sleep(20 * time.Millisecond)
	}

	producer := dialWS(t, rg.Port(), "/ws/esp32")
	if err := producer.WriteMessage(websocket.TextMessage, []byte(validFrame)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("first reading never reached the callback")
	}
	if err := producer.WriteMessage(websocket.TextMessage, []byte(validFrame)); err != nil {
		close(release)
		t.Fatalf("WriteMessage() error = %v", err)
	}

	cancel()

	select {
	case err := <-done:
		close(release)
		t.Fatalf("Start() returned while a session was still ingesting: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after the session finished")
	}

	out := logBuf.String()
	for _, unwanted := range []string{"failed to persist reading", "database is closed"} {
		if strings.Contains(out, unwanted) {
			t.Errorf("log output contains %q:\n%s", unwanted, out)
		}
	}

	st, err := store.OpenSQLStore(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenSQLStore() error = %v", err)
	}
	defer st.Close()
	readings, err := st.ListReadings(context.Background(), store.Query{})
	if err != nil {
		t.Fatalf("ListReadings() error = %v", err)
	}
	if len(readings) != 1 {
		t.Errorf("stored %d readings, want only the one handled before cancel", len(readings))
	}
}
