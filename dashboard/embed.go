// Package dashboard provides the embedded web UI for Regadera.
//
// The page connects to the observer websocket, renders the latest reading
// and reconnects with backoff when the connection drops. It is served by the
// server package at the root path ("/").
package dashboard

import "embed"

// Assets is an embedded filesystem containing the dashboard web UI.
//
// The filesystem structure is:
//
//	assets/
//	  index.html    - Dashboard page with inline CSS and JavaScript
//
//go:embed assets/*
var Assets embed.FS
