package regadera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jpalmerr/regadera/dashboard"
	"github.com/jpalmerr/regadera/internal/cache"
	"github.com/jpalmerr/regadera/internal/feed"
	"github.com/jpalmerr/regadera/internal/metrics"
	"github.com/jpalmerr/regadera/internal/registry"
	"github.com/jpalmerr/regadera/internal/server"
	"github.com/jpalmerr/regadera/internal/sink"
	"github.com/jpalmerr/regadera/internal/store"
	"github.com/jpalmerr/regadera/internal/wsconn"
)

const (
	defaultPort           = 8000
	defaultWriteTimeout   = 5 * time.Second
	defaultIngestChannel  = "esp32"
	defaultObserveChannel = "ui-feed"
	primeRetries          = 3
)

// Reading is a persisted sensor reading as delivered to callbacks.
type Reading = store.Reading

// Regadera is the main orchestrator for the irrigation telemetry relay.
//
// Regadera accepts sensor frames from the controller over a websocket,
// persists each one, and fans it out to every connected dashboard. It also
// serves a REST API over the stored history. It is created using [New] with
// functional options and started with [Regadera.Start].
//
// The typical lifecycle is:
//
//	rg, err := regadera.New(regadera.WithSQLiteStorage("regadera.db"))
//	if err != nil {
//	    slog.Error("failed to create regadera", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	rg.Start(ctx) // blocks until context cancelled
type Regadera struct {
	cfg    rgConfig
	logger *slog.Logger
}

// New creates a new [Regadera] instance with the given options.
//
// All options have sensible defaults:
//   - Port: 8000
//   - Storage: in memory
//   - Channels: "esp32" for the controller, "ui-feed" for dashboards
//   - Write timeout: 5 seconds
//
// Returns an error if any option is invalid.
func New(opts ...Option) (*Regadera, error) {
	cfg := rgConfig{
		port:           defaultPort,
		writeTimeout:   defaultWriteTimeout,
		maxFrameBytes:  wsconn.DefaultMaxFrameBytes,
		ingestChannel:  defaultIngestChannel,
		observeChannel: defaultObserveChannel,
		producerPath:   server.DefaultProducerPath,
		observerPath:   server.DefaultObserverPath,
		storageDriver:  StorageMemory,
	}

	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Regadera{cfg: cfg, logger: logger}, nil
}

// Start opens storage, connects the configured sinks and serves the
// websocket endpoints, REST API and dashboard.
//
// Start is a blocking call that runs until the provided context is cancelled.
// On cancellation every websocket session is ended and waited for, queued
// sink writes are attempted and storage is closed last.
//
// Returns nil on graceful shutdown. Returns an error if storage cannot be
// opened or the HTTP server fails to start.
func (rg *Regadera) Start(ctx context.Context) error {
	rg.logger.Info("regadera starting",
		"storage", string(rg.cfg.storageDriver),
		"producer_path", rg.cfg.producerPath,
		"observer_path", rg.cfg.observerPath,
	)
	rg.logger.Info("dashboard available", "url", fmt.Sprintf("http://localhost:%d", rg.cfg.port))

	// check if context already cancelled
	if ctx.Err() != nil {
		return nil
	}

	st, err := rg.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			rg.logger.Error("failed to close store", "error", err)
		}
	}()

	m := metrics.New()
	reg := registry.New(
		registry.WithWriteTimeout(rg.cfg.writeTimeout),
		registry.WithLogger(rg.logger),
		registry.WithObserver(m.RegistryObserver()),
	)

	latest := cache.New()
	if err := rg.primeCache(ctx, latest, st); err != nil {
		// an empty snapshot is recoverable; the next reading fills it
		rg.logger.Warn("starting with empty snapshot", "error", err.Error())
	}

	hub, err := feed.NewHub(feed.HubConfig{
		Cache:        latest,
		Registry:     reg,
		Channel:      rg.cfg.observeChannel,
		WriteTimeout: rg.cfg.writeTimeout,
		Recorder:     m,
		Logger:       rg.logger,
	})
	if err != nil {
		return err
	}
	pipeline, err := feed.NewPipeline(st, hub)
	if err != nil {
		return err
	}
	ingest, err := feed.NewIngestHandler(feed.IngestConfig{
		Channel:      rg.cfg.ingestChannel,
		Registry:     reg,
		Pipeline:     pipeline,
		Hub:          hub,
		WriteTimeout: rg.cfg.writeTimeout,
		Recorder:     m,
		Logger:       rg.logger,
	})
	if err != nil {
		return err
	}
	observer, err := feed.NewObserverHandler(hub, m, rg.logger)
	if err != nil {
		return err
	}

	workers := rg.startSinks(ctx, m)
	for _, w := range workers {
		hub.OnPublish(func(r store.Reading) {
			w.Enqueue(r)
		})
	}
	for _, cb := range rg.cfg.readingCallbacks {
		hub.OnPublish(func(r store.Reading) {
			invokeCallbackSafe(cb, r, rg.logger)
		})
	}

	// cleanup drains sink queues before the store is closed
	cleanup := func() {
		for _, w := range workers {
			if err := w.Close(); err != nil {
				rg.logger.Warn("failed to close sink", "sink", w.Name(), "error", err.Error())
			}
		}
	}

	httpServer, err := server.NewServer(server.Config{
		Port:          rg.cfg.port,
		Title:         rg.cfg.title,
		Assets:        dashboard.Assets,
		ProducerPath:  rg.cfg.producerPath,
		ObserverPath:  rg.cfg.observerPath,
		MaxFrameBytes: rg.cfg.maxFrameBytes,
		Store:         st,
		Pipeline:      pipeline,
		Ingest:        ingest,
		Observer:      observer,
		Metrics:       m.Handler(),
		Logger:        rg.logger,
	})
	if err != nil {
		cleanup()
		return err
	}
	if err := httpServer.Start(ctx); err != nil {
		cleanup()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	<-ctx.Done()
	// sessions may still be persisting; the store closes after they return
	httpServer.Wait()
	cleanup()
	rg.logger.Info("regadera stopped")
	return nil
}

func (rg *Regadera) openStore(ctx context.Context) (store.Store, error) {
	switch rg.cfg.storageDriver {
	case StorageSQLite:
		st, err := store.OpenSQLStore(ctx, rg.cfg.storageDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
		return st, nil
	case StorageMemory, "":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", rg.cfg.storageDriver)
	}
}

// primeCache loads the latest stored reading, retrying transient failures.
func (rg *Regadera) primeCache(ctx context.Context, latest *cache.Latest, st store.Store) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	return backoff.Retry(func() error {
		return latest.Prime(ctx, st)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, primeRetries), ctx))
}

// startSinks creates and starts a worker for every configured sink. A sink
// that cannot be set up is logged and skipped.
func (rg *Regadera) startSinks(ctx context.Context, m *metrics.Metrics) []*sink.Worker {
	var sinks []sink.Sink

	if c := rg.cfg.influx; c != nil {
		s, err := sink.NewInfluxSink(sink.InfluxConfig{
			URL:    c.URL,
			Token:  c.Token,
			Org:    c.Org,
			Bucket: c.Bucket,
		})
		if err != nil {
			rg.logger.Warn("influx mirror disabled", "error", err.Error())
		} else {
			sinks = append(sinks, s)
		}
	}

	if c := rg.cfg.mqtt; c != nil {
		s, err := sink.DialMQTT(ctx, sink.MQTTConfig{
			Broker:   c.Broker,
			ClientID: c.ClientID,
			Topic:    c.Topic,
			QoS:      c.QoS,
			Username: c.Username,
			Password: c.Password,
		}, rg.logger)
		switch {
		case errors.Is(err, context.Canceled):
			// shutting down before the broker answered
		case err != nil:
			rg.logger.Warn("mqtt relay disabled", "error", err.Error())
		default:
			sinks = append(sinks, s)
		}
	}

	workers := make([]*sink.Worker, 0, len(sinks))
	for _, s := range sinks {
		w := sink.NewWorker(s,
			sink.WithLogger(rg.logger),
			sink.WithWriteTimeout(rg.cfg.writeTimeout),
			sink.WithResultHook(m.SinkWrite),
		)
		w.Start(ctx)
		workers = append(workers, w)
		rg.logger.Info("sink enabled", "sink", s.Name())
	}
	return workers
}

// Port returns the configured HTTP port.
func (rg *Regadera) Port() int {
	return rg.cfg.port
}

// Title returns the configured dashboard title.
func (rg *Regadera) Title() string {
	return rg.cfg.title
}

// Channels returns the producer and observer channel names.
func (rg *Regadera) Channels() (ingest, observe string) {
	return rg.cfg.ingestChannel, rg.cfg.observeChannel
}

// Storage returns the configured storage driver.
func (rg *Regadera) Storage() StorageDriver {
	return rg.cfg.storageDriver
}

// invokeCallbackSafe calls a reading callback with panic recovery.
// Panics are logged but do not propagate.
func invokeCallbackSafe(cb func(Reading), r Reading, logger *slog.Logger) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("reading callback panicked",
				"panic", p,
				"reading_id", r.ID,
			)
		}
	}()
	cb(r)
}
