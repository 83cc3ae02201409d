package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/jpalmerr/regadera/internal/store"
)

// Pipeline persists a reading and hands it to the [Hub]. Every path that
// creates a reading goes through Ingest so the cache never lags storage.
//
// Ingest calls are serialised: readings are published in the order storage
// assigned their IDs, and the cache only ever moves forward.
type Pipeline struct {
	mu    sync.Mutex
	store store.Store
	hub   *Hub
}

// NewPipeline creates a [Pipeline].
func NewPipeline(st store.Store, hub *Hub) (*Pipeline, error) {
	if st == nil {
		return nil, fmt.Errorf("feed: pipeline requires a store")
	}
	if hub == nil {
		return nil, fmt.Errorf("feed: pipeline requires a hub")
	}
	return &Pipeline{store: st, hub: hub}, nil
}

// Ingest persists in and publishes the stored reading.
//
// A storage failure is returned as [*PersistenceError] and nothing is cached
// or broadcast.
func (p *Pipeline) Ingest(ctx context.Context, in store.ReadingInput) (store.Reading, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, err := p.store.PersistReading(ctx, in)
	if err != nil {
		return store.Reading{}, &PersistenceError{Err: err}
	}
	if _, err := p.hub.Publish(ctx, r); err != nil {
		return r, err
	}
	return r, nil
}
