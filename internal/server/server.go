package server

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jpalmerr/regadera/internal/feed"
	"github.com/jpalmerr/regadera/internal/store"
	"github.com/jpalmerr/regadera/internal/wsconn"
)

const (
	// shutdownTimeout bounds graceful shutdown of in-flight HTTP requests.
	// Websocket connections are closed through their request contexts.
	shutdownTimeout = 5 * time.Second

	// defaultTitle is used when no custom title is configured.
	defaultTitle = "Auto-Regadera"

	// titlePlaceholder is the marker in HTML that gets replaced with the actual title.
	titlePlaceholder = "{{.Title}}"

	// feedPathPlaceholder is replaced with the observer websocket path.
	feedPathPlaceholder = "{{.FeedPath}}"

	// Default websocket paths.
	DefaultProducerPath = "/ws/esp32"
	DefaultObserverPath = "/ws/ui-feed"
)

// Config holds everything the [Server] routes to.
type Config struct {
	Port  int
	Title string
	// Assets holds assets/index.html; nil disables the dashboard route.
	Assets fs.FS

	ProducerPath  string
	ObserverPath  string
	MaxFrameBytes int64

	Store    store.Store
	Pipeline *feed.Pipeline
	Ingest   *feed.IngestHandler
	Observer *feed.ObserverHandler

	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server accepts websocket upgrades for producers and observers and serves
// the REST API, health, metrics and dashboard routes.
//
// The server is designed for graceful shutdown via context cancellation.
type Server struct {
	cfg        Config
	upgrader   *wsconn.Upgrader
	httpServer *http.Server
	logger     *slog.Logger

	mu   sync.Mutex
	addr net.Addr

	// sessions counts websocket handlers; hijacked connections are not
	// tracked by http.Server.Shutdown.
	sessions sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once
}

// NewServer creates a new HTTP [Server]. The server is not started until
// [Server.Start] is called.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Pipeline == nil {
		return nil, errors.New("server: store and pipeline are required")
	}
	if cfg.Ingest == nil || cfg.Observer == nil {
		return nil, errors.New("server: ingest and observer handlers are required")
	}
	if cfg.ProducerPath == "" {
		cfg.ProducerPath = DefaultProducerPath
	}
	if cfg.ObserverPath == "" {
		cfg.ObserverPath = DefaultObserverPath
	}
	if cfg.ProducerPath == cfg.ObserverPath {
		return nil, fmt.Errorf("server: producer and observer paths must differ, both are %q", cfg.ProducerPath)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Server{
		cfg:      cfg,
		upgrader: wsconn.NewUpgrader(cfg.MaxFrameBytes),
		logger:   cfg.Logger,
		done:     make(chan struct{}),
	}, nil
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(s.cfg.ProducerPath, s.handleProducer)
	mux.HandleFunc(s.cfg.ObserverPath, s.handleObserver)

	s.registerAPI(mux)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics)
	}

	if s.cfg.Assets != nil {
		mux.HandleFunc("/", s.handleDashboard)
	}
	return mux
}

// Start begins serving HTTP requests in a background goroutine.
//
// Start is non-blocking and returns immediately after confirming the server
// is listening. When ctx is cancelled every request context is cancelled
// with it, which ends all websocket sessions, and the server shuts down.
// Use [Server.Wait] to block until that has finished.
//
// Returns an error if the server fails to bind to the configured port.
func (s *Server) Start(ctx context.Context) error {
	// create listener first to verify port availability synchronously
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.markDone()
		return fmt.Errorf("failed to bind to port %d: %w", s.cfg.Port, err)
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// request contexts derive from ctx so websocket loops observe shutdown
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
		s.sessions.Wait()
		s.markDone()
	}()

	return nil
}

// Wait blocks until the server has shut down and every websocket session
// has returned. It returns at once if Start failed to bind.
func (s *Server) Wait() {
	<-s.done
}

func (s *Server) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) handleProducer(w http.ResponseWriter, r *http.Request) {
	// counted before the upgrade so Shutdown cannot return ahead of Add
	s.sessions.Add(1)
	defer s.sessions.Done()

	conn, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		s.logger.Warn("producer upgrade failed", "remote", r.RemoteAddr, "error", err.Error())
		return
	}
	s.logger.Debug("producer accepted", "conn_id", conn.ID(), "remote", conn.RemoteAddr())

	if err := s.cfg.Ingest.Serve(r.Context(), conn); err != nil {
		s.logger.Warn("producer session ended with error", "conn_id", conn.ID(), "error", err.Error())
	}
}

func (s *Server) handleObserver(w http.ResponseWriter, r *http.Request) {
	// counted before the upgrade so Shutdown cannot return ahead of Add
	s.sessions.Add(1)
	defer s.sessions.Done()

	conn, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		s.logger.Warn("observer upgrade failed", "remote", r.RemoteAddr, "error", err.Error())
		return
	}
	s.logger.Debug("observer accepted", "conn_id", conn.ID(), "remote", conn.RemoteAddr())

	if err := s.cfg.Observer.Serve(r.Context(), conn); err != nil {
		s.logger.Debug("observer session ended with error", "conn_id", conn.ID(), "error", err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

// handleDashboard serves the main dashboard page.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if s.cfg.Assets == nil {
		http.Error(w, "Dashboard not found", http.StatusInternalServerError)
		return
	}

	content, err := fs.ReadFile(s.cfg.Assets, "assets/index.html")
	if err != nil {
		http.Error(w, "Dashboard not found", http.StatusInternalServerError)
		return
	}

	// apply title substitution with HTML escaping to prevent XSS
	title := s.cfg.Title
	if title == "" {
		title = defaultTitle
	}
	rendered := strings.NewReplacer(
		titlePlaceholder, html.EscapeString(title),
		feedPathPlaceholder, html.EscapeString(s.cfg.ObserverPath),
	).Replace(string(content))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err = w.Write([]byte(rendered)); err != nil {
		s.logger.Error("failed to write dashboard response", "error", err)
	}
}
