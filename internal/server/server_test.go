package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jpalmerr/regadera/internal/cache"
	"github.com/jpalmerr/regadera/internal/feed"
	"github.com/jpalmerr/regadera/internal/registry"
	"github.com/jpalmerr/regadera/internal/store"
)

const validFrame = `{"humedad": 42.5, "luz": 300, "bomba": true, "modo": "auto", "suelo": "arena"}`

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	store    *store.MemoryStore
	cache    *cache.Latest
	registry *registry.Registry
	server   *Server
}

// newTestEnv wires a server around an in-memory store. Extra config is
// applied before the server is created.
func newTestEnv(t *testing.T, configure ...func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    store.NewMemoryStore(),
		cache:    cache.New(),
		registry: registry.New(registry.WithLogger(testLogger())),
	}

	hub, err := feed.NewHub(feed.HubConfig{
		Cache:    env.cache,
		Registry: env.registry,
		Channel:  "ui-feed",
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("NewHub() error = %v", err)
	}
	pipeline, err := feed.NewPipeline(env.store, hub)
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	ingest, err := feed.NewIngestHandler(feed.IngestConfig{
		Channel:  "esp32",
		Registry: env.registry,
		Pipeline: pipeline,
		Hub:      hub,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("NewIngestHandler() error = %v", err)
	}
	observer, err := feed.NewObserverHandler(hub, nil, testLogger())
	if err != nil {
		t.Fatalf("NewObserverHandler() error = %v", err)
	}

	cfg := Config{
		Store:    env.store,
		Pipeline: pipeline,
		Ingest:   ingest,
		Observer: observer,
		Logger:   testLogger(),
	}
	for _, fn := range configure {
		fn(&cfg)
	}

	env.server, err = NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return env
}

// serve starts an httptest server around the env's handler.
func (env *testEnv) serve(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(env.server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, baseURL, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + path
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", path, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readJSON(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("json.Unmarshal(%s) error = %v", data, err)
	}
}

func waitForMembers(t *testing.T, r *registry.Registry, channel string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Members(channel) == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("channel %q has %d members, want %d", channel, r.Members(channel), n)
}

func TestNewServer_Validation(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Error("NewServer() with empty config should fail")
	}

	env := newTestEnv(t)
	cfg := env.server.cfg
	cfg.ProducerPath = "/ws"
	cfg.ObserverPath = "/ws"
	if _, err := NewServer(cfg); err == nil {
		t.Error("NewServer() with identical paths should fail")
	}
}

func TestServer_ProducerToObservers(t *testing.T) {
	env := newTestEnv(t)
	ts := env.serve(t)

	obs1 := dial(t, ts.URL, DefaultObserverPath)
	obs2 := dial(t, ts.URL, DefaultObserverPath)
	waitForMembers(t, env.registry, "ui-feed", 2)

	producer := dial(t, ts.URL, DefaultProducerPath)
	if err := producer.WriteMessage(websocket.TextMessage, []byte(validFrame)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	for i, obs := range []*websocket.Conn{obs1, obs2} {
		var r store.Reading
		readJSON(t, obs, &r)
		if r.ID != 1 || r.Humidity != 42.5 || r.Light != 300 || !r.PumpStatus ||
			r.Mode != "auto" || r.SoilType != "arena" {
			t.Errorf("observer %d got %+v", i, r)
		}
	}

	latest, ok := env.cache.Get()
	if !ok || latest.ID != 1 {
		t.Errorf("cache = %+v, %v, want reading 1", latest, ok)
	}
}

func TestServer_InvalidFrameGetsDiagnostic(t *testing.T) {
	env := newTestEnv(t)
	ts := env.serve(t)

	obs := dial(t, ts.URL, DefaultObserverPath)
	waitForMembers(t, env.registry, "ui-feed", 1)
	producer := dial(t, ts.URL, DefaultProducerPath)

	if err := producer.WriteMessage(websocket.TextMessage, []byte("not-json")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	var d feed.Diagnostic
	readJSON(t, producer, &d)
	if d.Kind != feed.KindDecode || !strings.Contains(d.Message, "invalid payload") {
		t.Errorf("diagnostic = %+v", d)
	}
	if _, ok := env.cache.Get(); ok {
		t.Error("cache should be unchanged after invalid frame")
	}

	// the producer connection survives and the observer's first message is
	// the next valid reading
	if err := producer.WriteMessage(websocket.TextMessage, []byte(validFrame)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	var r store.Reading
	readJSON(t, obs, &r)
	if r.ID != 1 {
		t.Errorf("first observer message ID = %d, want 1", r.ID)
	}
}

func TestServer_ObserverSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ts := env.serve(t)

	// empty cache: no snapshot, the first message is the first broadcast
	early := dial(t, ts.URL, DefaultObserverPath)
	waitForMembers(t, env.registry, "ui-feed", 1)

	if _, err := env.server.cfg.Pipeline.Ingest(context.Background(), store.ReadingInput{
		Humidity: 55, Light: 120, Mode: "manual", SoilType: "arcilla",
	}); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	var first store.Reading
	readJSON(t, early, &first)
	if first.ID != 1 {
		t.Errorf("early observer first message ID = %d, want 1", first.ID)
	}

	late := dial(t, ts.URL, DefaultObserverPath)
	var snap store.Reading
	readJSON(t, late, &snap)
	if snap.ID != 1 || snap.SoilType != "arcilla" {
		t.Errorf("snapshot = %+v, want reading 1", snap)
	}
}

func TestServer_RESTCreateIsBroadcast(t *testing.T) {
	env := newTestEnv(t)
	ts := env.serve(t)

	obs := dial(t, ts.URL, DefaultObserverPath)
	waitForMembers(t, env.registry, "ui-feed", 1)

	body := `{"humidity": 61.5, "light": 80, "pump_status": false, "mode": "auto", "soil_type": "franco"}`
	resp, err := http.Post(ts.URL+"/api/v1/readings/", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var created store.Reading
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	var pushed store.Reading
	readJSON(t, obs, &pushed)
	if pushed.ID != created.ID || pushed.SoilType != "franco" {
		t.Errorf("broadcast = %+v, want %+v", pushed, created)
	}
}

func TestServer_ShutdownClosesConnections(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := env.server.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	port := env.server.Addr().(*net.TCPAddr).Port
	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	obs := dial(t, base, DefaultObserverPath)
	producer := dial(t, base, DefaultProducerPath)
	waitForMembers(t, env.registry, "ui-feed", 1)
	waitForMembers(t, env.registry, "esp32", 1)

	cancel()

	for name, c := range map[string]*websocket.Conn{"observer": obs, "producer": producer} {
		_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
		for {
			_, _, err := c.ReadMessage()
			if err == nil {
				// the observer may first see the producer disconnect notice
				continue
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Errorf("%s: ReadMessage() error = %v, want normal closure", name, err)
			}
			break
		}
	}

	waitForMembers(t, env.registry, "ui-feed", 0)
	waitForMembers(t, env.registry, "esp32", 0)
}

func TestServer_WaitReturnsAfterSessionsEnd(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := env.server.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	port := env.server.Addr().(*net.TCPAddr).Port
	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	dial(t, base, DefaultObserverPath)
	dial(t, base, DefaultProducerPath)
	waitForMembers(t, env.registry, "ui-feed", 1)
	waitForMembers(t, env.registry, "esp32", 1)

	cancel()

	waited := make(chan struct{})
	go func() {
		env.server.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(3 * time.Second):
		t.Fatal("Wait() did not return after shutdown")
	}

	// handlers have returned, so teardown already left both channels
	if n := env.registry.Members("esp32"); n != 0 {
		t.Errorf("esp32 members after Wait = %d, want 0", n)
	}
	if n := env.registry.Members("ui-feed"); n != 0 {
		t.Errorf("ui-feed members after Wait = %d, want 0", n)
	}
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t)
	ts := env.serve(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestServer_MetricsMounted(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Metrics = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "regadera_up 1\n")
		})
	})
	ts := env.serve(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), "regadera_up 1") {
		t.Errorf("body = %q, want metrics output", data)
	}
}

func TestServer_UpgradeRequired(t *testing.T) {
	env := newTestEnv(t)
	ts := env.serve(t)

	resp, err := http.Get(ts.URL + DefaultProducerPath)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for plain HTTP on websocket path", resp.StatusCode)
	}
}

// --- Server Start Tests ---

func TestStart_AvailablePort_ReturnsNil(t *testing.T) {
	// port 0 = OS assigns available port
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := env.server.Start(ctx); err != nil {
		t.Errorf("Start() on available port returned error: %v", err)
	}
	if env.server.Addr() == nil {
		t.Error("Addr() = nil after Start")
	}
}

func TestStart_PortInUse_ReturnsError(t *testing.T) {
	// occupy a port
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer func() { _ = ln.Close() }()

	port := ln.Addr().(*net.TCPAddr).Port
	env := newTestEnv(t, func(c *Config) { c.Port = port })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = env.server.Start(ctx)
	if err == nil {
		t.Fatal("Start() on occupied port should return error")
	}
	if !strings.Contains(err.Error(), "failed to bind") {
		t.Errorf("expected bind error, got: %v", err)
	}

	waited := make(chan struct{})
	go func() {
		env.server.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Error("Wait() blocked after a failed Start")
	}
}

func TestStart_InvalidPort_ReturnsError(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Port = -1 })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := env.server.Start(ctx); err == nil {
		t.Fatal("Start() with invalid port should return error")
	}
}

// --- Dashboard Title Tests ---

// mockFS implements fs.ReadFileFS for testing dashboard rendering.
type mockFS struct {
	content string
}

func (m *mockFS) Open(name string) (fs.File, error) {
	return nil, fs.ErrNotExist
}

func (m *mockFS) ReadFile(name string) ([]byte, error) {
	if name == "assets/index.html" {
		return []byte(m.content), nil
	}
	return nil, fs.ErrNotExist
}

func dashboardServer(t *testing.T, content, title string) *Server {
	t.Helper()
	env := newTestEnv(t, func(c *Config) {
		if content != "" {
			c.Assets = &mockFS{content: content}
		}
		c.Title = title
	})
	return env.server
}

func TestHandleDashboard_CustomTitle(t *testing.T) {
	srv := dashboardServer(t, "<title>{{.Title}}</title><h1>{{.Title}}</h1>", "Invernadero Norte")

	rec := httptest.NewRecorder()
	srv.handleDashboard(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "<title>Invernadero Norte</title>") {
		t.Errorf("expected title tag with custom title, got: %s", body)
	}
	if !strings.Contains(body, "<h1>Invernadero Norte</h1>") {
		t.Errorf("expected h1 with custom title, got: %s", body)
	}
}

func TestHandleDashboard_DefaultTitle(t *testing.T) {
	srv := dashboardServer(t, "<title>{{.Title}}</title>", "")

	rec := httptest.NewRecorder()
	srv.handleDashboard(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if !strings.Contains(rec.Body.String(), "<title>Auto-Regadera</title>") {
		t.Errorf("expected default title, got: %s", rec.Body.String())
	}
}

func TestHandleDashboard_AssetsMissing(t *testing.T) {
	srv := dashboardServer(t, "", "Custom Title")

	rec := httptest.NewRecorder()
	srv.handleDashboard(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}
}

func TestHandleDashboard_NonRootPath(t *testing.T) {
	srv := dashboardServer(t, "<title>{{.Title}}</title>", "")

	rec := httptest.NewRecorder()
	srv.handleDashboard(rec, httptest.NewRequest(http.MethodGet, "/other", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status %d for non-root path, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestHandleDashboard_TitleWithHTMLChars(t *testing.T) {
	srv := dashboardServer(t, "<title>{{.Title}}</title>", "<script>alert('xss')</script>")

	rec := httptest.NewRecorder()
	srv.handleDashboard(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	body := rec.Body.String()
	if strings.Contains(body, "<script>") {
		t.Error("title should be HTML-escaped to prevent XSS")
	}
	if !strings.Contains(body, "&lt;script&gt;") {
		t.Errorf("expected escaped HTML, got: %s", body)
	}
}

func TestHandleDashboard_FeedPath(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Assets = &mockFS{content: `new WebSocket(host + "{{.FeedPath}}")`}
		c.ObserverPath = "/live"
	})

	rec := httptest.NewRecorder()
	env.server.handleDashboard(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if !strings.Contains(rec.Body.String(), `"/live"`) {
		t.Errorf("expected observer path in page, got: %s", rec.Body.String())
	}
}
