package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jpalmerr/regadera/internal/registry"
)

// ObserverHandler serves dashboard connections on the observer channel.
type ObserverHandler struct {
	hub      *Hub
	recorder Recorder
	logger   *slog.Logger
}

// NewObserverHandler creates an [ObserverHandler].
func NewObserverHandler(hub *Hub, recorder Recorder, logger *slog.Logger) (*ObserverHandler, error) {
	if hub == nil {
		return nil, fmt.Errorf("feed: observer handler requires a hub")
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ObserverHandler{hub: hub, recorder: recorder, logger: logger}, nil
}

// Serve attaches conn to the observer channel and keeps it there until the
// client goes away or ctx is done. Inbound frames are read and discarded.
func (h *ObserverHandler) Serve(ctx context.Context, conn Conn) error {
	logger := h.logger.With("conn_id", conn.ID(), "channel", h.hub.Channel())
	defer conn.Close()

	snapshot, err := h.hub.Attach(ctx, conn)
	if err != nil {
		return fmt.Errorf("attaching observer: %w", err)
	}
	h.recorder.ConnectionOpened(RoleObserver)
	logger.Info("observer connected", "snapshot", snapshot)

	defer func() {
		h.hub.Detach(conn)
		h.recorder.ConnectionClosed(RoleObserver)
		logger.Info("observer disconnected")
	}()

	for {
		if _, err := conn.Receive(ctx); err != nil {
			if errors.Is(err, registry.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return &DisconnectError{ConnID: conn.ID(), Err: err}
		}
	}
}
