// Package regadera relays telemetry from an automatic plant-watering
// controller to live dashboards.
//
// The controller (an ESP32 board) connects over a websocket and sends one
// JSON frame per sensor reading. Every valid frame is persisted, cached as
// the latest reading and broadcast to all connected dashboards. A dashboard
// that connects late first receives the cached reading as a snapshot.
// A REST API exposes the reading history, watering events and statistics.
//
// # Quick Start
//
//	rg, _ := regadera.New(regadera.WithSQLiteStorage("regadera.db"))
//
//	// Set up graceful shutdown on SIGINT/SIGTERM
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	rg.Start(ctx) // blocks until context is cancelled
//
// # Configuration
//
// Regadera uses the functional options pattern for configuration:
//
//	rg, err := regadera.New(
//	    regadera.WithPort(9000),
//	    regadera.WithTitle("Greenhouse"),
//	    regadera.WithWriteTimeout(2 * time.Second),
//	    regadera.WithReadingCallback(func(r regadera.Reading) {
//	        log.Printf("humidity %.1f%%", r.Humidity)
//	    }),
//	)
//
// Published readings can also be mirrored to InfluxDB ([WithInflux]) and
// relayed to an MQTT broker ([WithMQTT]). Mirrors run behind a bounded
// queue and never delay the dashboards.
//
// # Architecture
//
// Regadera consists of several internal packages (under internal/):
//
//   - internal/registry: Channel membership and concurrent broadcast
//   - internal/feed: Producer ingest, persist-then-publish pipeline, snapshot-on-join
//   - internal/store: Reading and watering event storage (memory or SQLite)
//   - internal/cache: Latest reading holder
//   - internal/wsconn: Websocket connection adapter
//   - internal/sink: InfluxDB and MQTT mirrors
//   - internal/metrics: Prometheus metrics
//   - internal/server: HTTP server with websocket endpoints and REST API
//   - dashboard: Embedded web UI assets
//
// The internal packages are not part of the public API and may change
// without notice.
package regadera
