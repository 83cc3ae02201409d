package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jpalmerr/regadera/internal/registry"
)

// Conn is a registry connection that can also receive frames.
//
// Receive blocks until a frame arrives, the context is done or the
// connection ends. It returns [registry.ErrClosed] after a clean close.
type Conn interface {
	registry.Conn
	Receive(ctx context.Context) ([]byte, error)
}

// State is the lifecycle state of a producer session.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateFaulted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateFaulted:
		return "faulted"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IngestHandler serves producer connections on the ingest channel.
type IngestHandler struct {
	channel      string
	registry     *registry.Registry
	pipeline     *Pipeline
	hub          *Hub
	writeTimeout time.Duration
	recorder     Recorder
	logger       *slog.Logger
}

// IngestConfig holds the collaborators of an [IngestHandler].
type IngestConfig struct {
	// Channel is the producer channel name.
	Channel      string
	Registry     *registry.Registry
	Pipeline     *Pipeline
	Hub          *Hub
	WriteTimeout time.Duration
	Recorder     Recorder
	Logger       *slog.Logger
}

// NewIngestHandler creates an [IngestHandler].
func NewIngestHandler(cfg IngestConfig) (*IngestHandler, error) {
	if cfg.Channel == "" {
		return nil, fmt.Errorf("feed: ingest handler requires a channel")
	}
	if cfg.Registry == nil || cfg.Pipeline == nil || cfg.Hub == nil {
		return nil, fmt.Errorf("feed: ingest handler requires registry, pipeline and hub")
	}
	if cfg.Channel == cfg.Hub.Channel() {
		return nil, fmt.Errorf("feed: ingest and observer channels must differ, both are %q", cfg.Channel)
	}
	h := &IngestHandler{
		channel:      cfg.Channel,
		registry:     cfg.Registry,
		pipeline:     cfg.Pipeline,
		hub:          cfg.Hub,
		writeTimeout: cfg.WriteTimeout,
		recorder:     cfg.Recorder,
		logger:       cfg.Logger,
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = registry.DefaultWriteTimeout
	}
	if h.recorder == nil {
		h.recorder = nopRecorder{}
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h, nil
}

// session tracks one producer connection.
type session struct {
	conn   Conn
	state  State
	logger *slog.Logger
}

func (s *session) transition(to State) {
	if s.state == to {
		return
	}
	s.logger.Debug("producer state changed", "from", s.state.String(), "to", to.String())
	s.state = to
}

// Serve runs a producer connection until it disconnects or ctx is done.
//
// Each frame is handled to completion before the next is read, so readings
// from one producer are published in arrival order. Rejected frames are
// answered with a [Diagnostic] and the connection stays open. Serve returns
// nil after a clean close or once ctx is done, and a [*DisconnectError] if
// the transport failed. Frames received after ctx is done are discarded.
func (h *IngestHandler) Serve(ctx context.Context, conn Conn) error {
	s := &session{
		conn:   conn,
		state:  StateConnecting,
		logger: h.logger.With("conn_id", conn.ID(), "channel", h.channel),
	}

	if err := h.registry.Join(h.channel, conn); err != nil {
		_ = conn.Close()
		s.transition(StateClosed)
		return fmt.Errorf("joining %q: %w", h.channel, err)
	}
	h.recorder.ConnectionOpened(RoleProducer)
	s.transition(StateOpen)
	s.logger.Info("producer connected")

	defer h.teardown(ctx, s)

	for {
		raw, err := conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, registry.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return &DisconnectError{ConnID: conn.ID(), Err: err}
		}
		// frames buffered before shutdown are not ingested
		if ctx.Err() != nil {
			return nil
		}

		if err := h.handleFrame(ctx, s, raw); err != nil {
			s.transition(StateFaulted)
			h.reject(ctx, s, raw, err)
			continue
		}
		s.transition(StateOpen)
	}
}

func (h *IngestHandler) handleFrame(ctx context.Context, s *session, raw []byte) error {
	in, err := DecodeFrame(raw)
	if err != nil {
		return err
	}
	r, err := h.pipeline.Ingest(ctx, in)
	if err != nil {
		return err
	}
	s.logger.Debug("reading ingested", "reading_id", r.ID)
	return nil
}

// reject reports err back to the producer.
func (h *IngestHandler) reject(ctx context.Context, s *session, raw []byte, err error) {
	var (
		decodeErr  *DecodeError
		persistErr *PersistenceError
		kind       string
	)
	switch {
	case errors.As(err, &decodeErr):
		kind = KindDecode
		s.logger.Warn("rejected producer frame", "kind", kind, "error", err.Error())
	case errors.As(err, &persistErr):
		kind = KindPersistence
		s.logger.Error("failed to persist reading", "kind", kind, "error", err.Error())
	default:
		// published but a hook or encoder failed; the reading itself is stored
		s.logger.Error("failed to publish reading", "error", err.Error())
		return
	}
	h.recorder.FrameRejected(kind)

	sendCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	if sendErr := s.conn.Send(sendCtx, newDiagnostic(kind, err, raw)); sendErr != nil {
		s.logger.Debug("could not deliver diagnostic", "error", sendErr.Error())
	}
}

func (h *IngestHandler) teardown(ctx context.Context, s *session) {
	h.registry.Leave(h.channel, s.conn)
	_ = s.conn.Close()
	s.transition(StateClosed)
	h.recorder.ConnectionClosed(RoleProducer)
	s.logger.Info("producer disconnected")
	h.hub.NotifyProducerDisconnected(ctx, s.conn.ID())
}
