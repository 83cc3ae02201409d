// Package server provides the HTTP front end of regadera.
//
// It accepts websocket upgrades on two paths and hands each connection to
// the matching feed handler:
//
//   - producer path (default "/ws/esp32"): the irrigation controller
//   - observer path (default "/ws/ui-feed"): dashboards
//
// Alongside the websocket routes it serves the REST API under "/api/v1",
// "/healthz", "/metrics" and the embedded dashboard at "/".
//
// The server shuts down when its context is cancelled. Request contexts are
// derived from it, so every open websocket session ends as well.
package server
