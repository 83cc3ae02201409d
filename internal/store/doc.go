// Package store provides durable storage for sensor readings and watering events.
//
// This package is internal to regadera and is the storage collaborator used by
// the ingest pipeline, the latest state cache and the REST API.
//
// The main components are:
//
//   - [Store]: Interface defining persistence and query operations
//   - [MemoryStore]: In-memory implementation, used in tests and for ephemeral runs
//   - [SQLStore]: SQLite implementation backed by database/sql
//   - [Reading]: Storage representation of a sensor reading
//
// All implementations assign reading identity and timestamp at persistence
// time and are safe for concurrent access.
package store
