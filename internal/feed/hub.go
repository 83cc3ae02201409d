package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jpalmerr/regadera/internal/cache"
	"github.com/jpalmerr/regadera/internal/registry"
	"github.com/jpalmerr/regadera/internal/store"
)

// Hub owns the observer side of the feed: the latest-reading cache and the
// observer channel in the registry.
//
// Publish and Attach serialise on the same mutex, so an observer that joins
// while a reading is being published either receives that reading in its
// snapshot or in the broadcast, never both and never neither.
//
// The mutex is held for the whole broadcast. A stalled observer therefore
// holds up Attach, NotifyProducerDisconnected and the next Publish (and with
// it every [Pipeline.Ingest] caller, REST creates included) for up to the
// write timeout before it is dropped.
type Hub struct {
	mu sync.Mutex

	cache        *cache.Latest
	registry     *registry.Registry
	channel      string
	writeTimeout time.Duration
	recorder     Recorder
	logger       *slog.Logger

	hooksMu sync.RWMutex
	hooks   []func(store.Reading)
}

// HubConfig holds the collaborators of a [Hub].
type HubConfig struct {
	Cache    *cache.Latest
	Registry *registry.Registry
	// Channel is the observer channel name.
	Channel      string
	WriteTimeout time.Duration
	Recorder     Recorder
	Logger       *slog.Logger
}

// NewHub creates a [Hub]. Cache, Registry and Channel are required.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("feed: hub requires a cache")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("feed: hub requires a registry")
	}
	if cfg.Channel == "" {
		return nil, fmt.Errorf("feed: hub requires an observer channel")
	}
	h := &Hub{
		cache:        cfg.Cache,
		registry:     cfg.Registry,
		channel:      cfg.Channel,
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

// Channel returns the observer channel name.
func (h *Hub) Channel() string {
	return h.channel
}

// OnPublish registers fn to run after every published reading has been
// broadcast. Hooks run on the publishing goroutine and must not block.
func (h *Hub) OnPublish(fn func(store.Reading)) {
	h.hooksMu.Lock()
	defer h.hooksMu.Unlock()
	h.hooks = append(h.hooks, fn)
}

// Publish caches r as the latest reading and broadcasts it to observers.
//
// The broadcast is detached from ctx cancellation: a producer disconnecting
// mid-broadcast must not turn into delivery failures for observers.
func (h *Hub) Publish(ctx context.Context, r store.Reading) (registry.Result, error) {
	msg, err := json.Marshal(r)
	if err != nil {
		return registry.Result{}, fmt.Errorf("encoding reading %d: %w", r.ID, err)
	}

	h.mu.Lock()
	h.cache.Set(r)
	res := h.registry.Broadcast(context.WithoutCancel(ctx), h.channel, msg)
	h.mu.Unlock()

	h.recorder.ReadingPublished(res.Delivered, len(res.Failed))
	h.logger.Debug("reading published",
		"reading_id", r.ID,
		"delivered", res.Delivered,
		"failed", len(res.Failed),
	)

	h.hooksMu.RLock()
	hooks := h.hooks
	h.hooksMu.RUnlock()
	for _, fn := range hooks {
		h.runHook(fn, r)
	}
	return res, nil
}

// runHook calls fn with panic recovery. Panics are logged but do not propagate.
func (h *Hub) runHook(fn func(store.Reading), r store.Reading) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("publish hook panicked",
				"panic", rec,
				"reading_id", r.ID,
			)
		}
	}()
	fn(r)
}

// Attach joins conn to the observer channel and sends it the cached reading,
// if there is one. It reports whether a snapshot was sent.
//
// If the snapshot cannot be delivered the connection is removed again and
// the send error is returned.
func (h *Hub) Attach(ctx context.Context, conn registry.Conn) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.registry.Join(h.channel, conn); err != nil {
		return false, err
	}

	latest, ok := h.cache.Get()
	if !ok {
		return false, nil
	}

	msg, err := json.Marshal(latest)
	if err != nil {
		h.registry.Leave(h.channel, conn)
		return false, fmt.Errorf("encoding snapshot: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	if err := conn.Send(sendCtx, msg); err != nil {
		h.registry.Leave(h.channel, conn)
		return false, fmt.Errorf("sending snapshot: %w", err)
	}
	return true, nil
}

// Detach removes conn from the observer channel.
func (h *Hub) Detach(conn registry.Conn) {
	h.registry.Leave(h.channel, conn)
}

// NotifyProducerDisconnected tells observers that a producer went away.
// Best effort: the result is only logged.
func (h *Hub) NotifyProducerDisconnected(ctx context.Context, connID string) {
	msg, err := json.Marshal(Notice{
		Type:   TypeProducerDisconnected,
		ConnID: connID,
		At:     time.Now().UTC(),
	})
	if err != nil {
		h.logger.Warn("encoding disconnect notice", "error", err.Error())
		return
	}

	h.mu.Lock()
	res := h.registry.Broadcast(context.WithoutCancel(ctx), h.channel, msg)
	h.mu.Unlock()

	h.logger.Debug("producer disconnect notice sent",
		"conn_id", connID,
		"delivered", res.Delivered,
	)
}
