// Package identity maps external identifiers to internal database ids.
// Lookups are batched (one query per batch, never one per identifier) and
// results are cached for the lifetime of one Resolver. Callers create a
// Resolver per ingestion run; a longer-lived cache would go stale against
// administrative changes to existing rows.
package identity

import (
	"context"
	"fmt"
	"sync"

	"mobility_hub/internal/feed"
	"mobility_hub/internal/storage"
)

// ResolvedSensor is the cached identity of a known sensor.
type ResolvedSensor struct {
	ID           int64
	Confidential bool
}

// ResolvedStream is the cached identity of a known datastream.
type ResolvedStream struct {
	ID           int64
	Confidential bool
}

// Resolver resolves external identifiers against the store through an
// in-memory cache. Safe for concurrent use.
type Resolver struct {
	store storage.Store

	mu      sync.RWMutex
	sensors map[string]ResolvedSensor
	streams map[string]ResolvedStream
}

// NewResolver builds a resolver over the given store.
func NewResolver(store storage.Store) *Resolver {
	return &Resolver{
		store:   store,
		sensors: make(map[string]ResolvedSensor),
		streams: make(map[string]ResolvedStream),
	}
}

func cacheKey(source string, id feed.ExternalID) string {
	return source + "\x00" + id.String()
}

// ResolveSensors maps the given external ids to internal sensors. Unknown
// ids are simply absent from the result; identifier-less entries are
// skipped. The store is consulted once for all cache misses together.
func (r *Resolver) ResolveSensors(ctx context.Context, source string, ids []feed.ExternalID) (map[feed.ExternalID]ResolvedSensor, error) {
	result := make(map[feed.ExternalID]ResolvedSensor, len(ids))

	var misses []string
	r.mu.RLock()
	for _, id := range ids {
		if id.IsZero() {
			continue
		}
		if hit, ok := r.sensors[cacheKey(source, id)]; ok {
			result[id] = hit
		} else {
			misses = append(misses, id.String())
		}
	}
	r.mu.RUnlock()

	if len(misses) == 0 {
		return result, nil
	}

	rows, err := r.store.SensorsByExternal(ctx, source, misses)
	if err != nil {
		return nil, fmt.Errorf("resolve sensors: %w", err)
	}

	r.mu.Lock()
	for _, row := range rows {
		resolved := ResolvedSensor{ID: row.ID, Confidential: row.Confidential}
		r.sensors[cacheKey(source, feed.ExternalID(row.ExternalID))] = resolved
		result[feed.ExternalID(row.ExternalID)] = resolved
	}
	r.mu.Unlock()

	return result, nil
}

// ResolveStreams maps the given external ids to internal datastreams, with
// the same batching and caching behaviour as ResolveSensors.
func (r *Resolver) ResolveStreams(ctx context.Context, source string, ids []feed.ExternalID) (map[feed.ExternalID]ResolvedStream, error) {
	result := make(map[feed.ExternalID]ResolvedStream, len(ids))

	var misses []string
	r.mu.RLock()
	for _, id := range ids {
		if id.IsZero() {
			continue
		}
		if hit, ok := r.streams[cacheKey(source, id)]; ok {
			result[id] = hit
		} else {
			misses = append(misses, id.String())
		}
	}
	r.mu.RUnlock()

	if len(misses) == 0 {
		return result, nil
	}

	rows, err := r.store.DatastreamsByExternal(ctx, source, misses)
	if err != nil {
		return nil, fmt.Errorf("resolve datastreams: %w", err)
	}

	r.mu.Lock()
	for _, row := range rows {
		resolved := ResolvedStream{ID: row.ID, Confidential: row.Confidential}
		r.streams[cacheKey(source, feed.ExternalID(row.ExternalID))] = resolved
		result[feed.ExternalID(row.ExternalID)] = resolved
	}
	r.mu.Unlock()

	return result, nil
}

// ResolveSensor is the point-lookup variant of ResolveSensors, for
// single-entity paths such as the row-at-a-time reconcile fallback.
func (r *Resolver) ResolveSensor(ctx context.Context, source string, id feed.ExternalID) (ResolvedSensor, bool, error) {
	resolved, err := r.ResolveSensors(ctx, source, []feed.ExternalID{id})
	if err != nil {
		return ResolvedSensor{}, false, err
	}
	hit, ok := resolved[id]
	return hit, ok, nil
}

// ResolveStream is the point-lookup variant of ResolveStreams.
func (r *Resolver) ResolveStream(ctx context.Context, source string, id feed.ExternalID) (ResolvedStream, bool, error) {
	resolved, err := r.ResolveStreams(ctx, source, []feed.ExternalID{id})
	if err != nil {
		return ResolvedStream{}, false, err
	}
	hit, ok := resolved[id]
	return hit, ok, nil
}

// RememberSensor records a freshly created sensor so later batches resolve
// it without a query.
func (r *Resolver) RememberSensor(source string, id feed.ExternalID, resolved ResolvedSensor) {
	if id.IsZero() {
		return
	}
	r.mu.Lock()
	r.sensors[cacheKey(source, id)] = resolved
	r.mu.Unlock()
}

// RememberStream records a freshly created datastream.
func (r *Resolver) RememberStream(source string, id feed.ExternalID, resolved ResolvedStream) {
	if id.IsZero() {
		return
	}
	r.mu.Lock()
	r.streams[cacheKey(source, id)] = resolved
	r.mu.Unlock()
}
