// Package reconcile turns observed external entities into internal ids,
// creating sensors and datastreams on first sight. Creation is
// insert-or-ignore against the store's uniqueness constraints, so
// concurrent runs over the same source never produce duplicate entities;
// a lost create is answered by re-resolving.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"mobility_hub/internal/feed"
	"mobility_hub/internal/identity"
	"mobility_hub/internal/storage"
)

// ResolvedStream is one datastream the batch's observations can now be
// ingested against. Type and Unit carry the normalized category for
// downstream consumers that denormalize.
type ResolvedStream struct {
	ID           int64
	Confidential bool
	Type         string
	Unit         string
}

// Reconciler maps a batch's external identities onto store rows. Each
// Reconcile call works through a fresh identity cache; mappings are never
// carried across runs, so administrative changes to existing rows are
// picked up on the next tick.
type Reconciler struct {
	store storage.Store
	log   zerolog.Logger
}

// New builds a reconciler over the given store.
func New(store storage.Store, log zerolog.Logger) *Reconciler {
	return &Reconciler{store: store, log: log}
}

// Reconcile resolves every sensor and datastream in the batch, creating
// missing ones, and returns the stream identities keyed the way the
// batch's observations reference them. Per-entity failures (unclassifiable
// category, unusable geometry, missing owner) skip the entity and keep the
// batch going; only store-level failures abort.
func (r *Reconciler) Reconcile(ctx context.Context, source string, batch feed.Batch) (map[feed.StreamKey]ResolvedStream, error) {
	resolver := identity.NewResolver(r.store)
	sensors, err := r.reconcileSensors(ctx, resolver, source, batch.Sensors)
	if err != nil {
		return nil, err
	}
	return r.reconcileDatastreams(ctx, resolver, source, sensors, batch.Datastreams)
}

func (r *Reconciler) reconcileSensors(ctx context.Context, resolver *identity.Resolver, source string, observed []feed.ObservedSensor) (map[feed.ExternalID]identity.ResolvedSensor, error) {
	// First occurrence wins within the batch.
	byID := make(map[feed.ExternalID]feed.ObservedSensor, len(observed))
	ids := make([]feed.ExternalID, 0, len(observed))
	for _, obs := range observed {
		if obs.ExternalID.IsZero() {
			r.log.Warn().Str("source", source).Msg("observed sensor without external id, skipping")
			continue
		}
		if _, seen := byID[obs.ExternalID]; seen {
			continue
		}
		byID[obs.ExternalID] = obs
		ids = append(ids, obs.ExternalID)
	}

	result, err := resolver.ResolveSensors(ctx, source, ids)
	if err != nil {
		return nil, err
	}

	var rows []storage.Sensor
	for _, id := range ids {
		if _, ok := result[id]; ok {
			continue
		}
		rows = append(rows, r.sensorRow(source, byID[id]))
	}
	if len(rows) == 0 {
		return result, nil
	}

	created, err := r.store.CreateSensors(ctx, rows)
	if err != nil {
		// The bulk insert can fail as a whole on one bad row; fall back to
		// creating entity by entity so the rest of the batch survives.
		r.log.Warn().Err(err).Str("source", source).Msg("bulk sensor create failed, retrying row by row")
		created = r.createSensorsOneByOne(ctx, source, rows)
	}
	for _, row := range created {
		resolved := identity.ResolvedSensor{ID: row.ID, Confidential: row.Confidential}
		result[feed.ExternalID(row.ExternalID)] = resolved
		resolver.RememberSensor(source, feed.ExternalID(row.ExternalID), resolved)
	}

	// Rows absent from created were taken by a concurrent run; resolve them
	// again to pick up the winner's ids.
	var unresolved []feed.ExternalID
	for _, id := range ids {
		if _, ok := result[id]; !ok {
			unresolved = append(unresolved, id)
		}
	}
	if len(unresolved) > 0 {
		again, err := resolver.ResolveSensors(ctx, source, unresolved)
		if err != nil {
			return nil, err
		}
		for id, resolved := range again {
			result[id] = resolved
		}
		for _, id := range unresolved {
			if _, ok := result[id]; !ok {
				r.log.Error().Str("source", source).Stringer("ex_id", id).Msg("sensor neither created nor resolvable, skipping")
			}
		}
	}

	return result, nil
}

func (r *Reconciler) createSensorsOneByOne(ctx context.Context, source string, rows []storage.Sensor) []storage.Sensor {
	var created []storage.Sensor
	for _, row := range rows {
		id, err := r.store.CreateSensor(ctx, row)
		if errors.Is(err, storage.ErrConflict) {
			// Concurrent creator won; the re-resolve pass picks it up.
			r.log.Debug().Str("source", source).Str("ex_id", row.ExternalID).Msg("sensor created concurrently")
			continue
		}
		if err != nil {
			r.log.Error().Err(err).Str("source", source).Str("ex_id", row.ExternalID).Msg("sensor create failed, skipping")
			continue
		}
		row.ID = id
		created = append(created, row)
	}
	return created
}

// sensorRow maps an observed sensor onto a store row. Geometry that cannot
// be reduced to coordinates is logged and dropped; the sensor is still
// created with its non-geometric attributes.
func (r *Reconciler) sensorRow(source string, obs feed.ObservedSensor) storage.Sensor {
	row := storage.Sensor{
		Source:       source,
		ExternalID:   obs.ExternalID.String(),
		Description:  obs.Description,
		Longitude:    obs.Longitude,
		Latitude:     obs.Latitude,
		Confidential: obs.Confidential,
	}
	if obs.Geometry != nil {
		if wkt, err := obs.Geometry.WKT(); err == nil {
			row.GeometryWKT = wkt
		}
		if row.Longitude == nil || row.Latitude == nil {
			lon, lat, err := obs.Geometry.Centroid()
			if err != nil {
				r.log.Warn().Str("source", source).Stringer("ex_id", obs.ExternalID).
					Str("geometry_type", obs.Geometry.Type).Msg("no usable geometry, keeping sensor without coordinates")
			} else {
				row.Longitude = &lon
				row.Latitude = &lat
			}
		}
	}
	return row
}

// pending is one classified datastream waiting for resolution against the
// store.
type pending struct {
	obs      feed.ObservedDatastream
	category Category
	sensorID int64
}

func (r *Reconciler) reconcileDatastreams(ctx context.Context, resolver *identity.Resolver, source string, sensors map[feed.ExternalID]identity.ResolvedSensor, observed []feed.ObservedDatastream) (map[feed.StreamKey]ResolvedStream, error) {
	result := make(map[feed.StreamKey]ResolvedStream, len(observed))

	var identified, anonymous []pending

	seen := make(map[feed.StreamKey]bool, len(observed))
	for _, obs := range observed {
		key := obs.Key()
		if seen[key] {
			continue
		}
		seen[key] = true

		category, ok := Classify(obs.Category)
		if !ok {
			r.log.Error().Str("source", source).Str("category", obs.Category).
				Stringer("key", key).Msg("no type/unit mapping for category, skipping datastream")
			continue
		}

		owner, err := r.ownerSensor(ctx, resolver, source, sensors, obs.SensorExternalID)
		if err != nil {
			return nil, err
		}
		if owner == nil {
			r.log.Error().Str("source", source).Stringer("key", key).
				Msg("owning sensor unknown, skipping datastream")
			continue
		}

		p := pending{obs: obs, category: category, sensorID: owner.ID}
		if obs.ExternalID.IsZero() {
			anonymous = append(anonymous, p)
		} else {
			identified = append(identified, p)
		}
	}

	if err := r.reconcileIdentified(ctx, resolver, source, identified, result); err != nil {
		return nil, err
	}
	if err := r.reconcileAnonymous(ctx, source, anonymous, result); err != nil {
		return nil, err
	}
	return result, nil
}

// ownerSensor finds the internal sensor a datastream belongs to, first in
// the batch's own sensors, then in the store.
func (r *Reconciler) ownerSensor(ctx context.Context, resolver *identity.Resolver, source string, sensors map[feed.ExternalID]identity.ResolvedSensor, id feed.ExternalID) (*identity.ResolvedSensor, error) {
	if resolved, ok := sensors[id]; ok {
		return &resolved, nil
	}
	if id.IsZero() {
		return nil, nil
	}
	resolved, ok, err := resolver.ResolveSensor(ctx, source, id)
	if err != nil {
		return nil, err
	}
	if ok {
		sensors[id] = resolved
		return &resolved, nil
	}
	return nil, nil
}

func (r *Reconciler) reconcileIdentified(ctx context.Context, resolver *identity.Resolver, source string, pendings []pending, result map[feed.StreamKey]ResolvedStream) error {
	if len(pendings) == 0 {
		return nil
	}

	ids := make([]feed.ExternalID, 0, len(pendings))
	for _, p := range pendings {
		ids = append(ids, p.obs.ExternalID)
	}
	known, err := resolver.ResolveStreams(ctx, source, ids)
	if err != nil {
		return err
	}

	var rows []storage.Datastream
	for _, p := range pendings {
		if resolved, ok := known[p.obs.ExternalID]; ok {
			result[p.obs.Key()] = ResolvedStream{ID: resolved.ID, Confidential: resolved.Confidential, Type: p.category.Type, Unit: p.category.Unit}
			continue
		}
		rows = append(rows, storage.Datastream{
			SensorID:     p.sensorID,
			ExternalID:   p.obs.ExternalID.String(),
			Type:         p.category.Type,
			Unit:         p.category.Unit,
			Confidential: p.obs.Confidential,
		})
	}
	if len(rows) > 0 {
		created, err := r.store.CreateDatastreams(ctx, rows)
		if err != nil {
			r.log.Warn().Err(err).Str("source", source).Msg("bulk datastream create failed, retrying row by row")
			created = r.createDatastreamsOneByOne(ctx, source, rows)
		}
		for _, row := range created {
			resolved := identity.ResolvedStream{ID: row.ID, Confidential: row.Confidential}
			known[feed.ExternalID(row.ExternalID)] = resolved
			resolver.RememberStream(source, feed.ExternalID(row.ExternalID), resolved)
		}
	}

	// Re-resolve anything still missing (lost creates).
	var unresolved []feed.ExternalID
	for _, p := range pendings {
		if _, ok := known[p.obs.ExternalID]; !ok {
			unresolved = append(unresolved, p.obs.ExternalID)
		}
	}
	if len(unresolved) > 0 {
		again, err := resolver.ResolveStreams(ctx, source, unresolved)
		if err != nil {
			return err
		}
		for id, resolved := range again {
			known[id] = resolved
		}
	}

	for _, p := range pendings {
		key := p.obs.Key()
		if _, done := result[key]; done {
			continue
		}
		if resolved, ok := known[p.obs.ExternalID]; ok {
			result[key] = ResolvedStream{ID: resolved.ID, Confidential: resolved.Confidential, Type: p.category.Type, Unit: p.category.Unit}
		} else {
			r.log.Error().Str("source", source).Stringer("key", key).
				Msg("datastream neither created nor resolvable, skipping")
		}
	}
	return nil
}

func (r *Reconciler) createDatastreamsOneByOne(ctx context.Context, source string, rows []storage.Datastream) []storage.Datastream {
	var created []storage.Datastream
	for _, row := range rows {
		id, err := r.store.CreateDatastream(ctx, row)
		if errors.Is(err, storage.ErrConflict) {
			r.log.Debug().Str("source", source).Str("ex_id", row.ExternalID).Msg("datastream created concurrently")
			continue
		}
		if err != nil {
			r.log.Error().Err(err).Str("source", source).Str("ex_id", row.ExternalID).Msg("datastream create failed, skipping")
			continue
		}
		row.ID = id
		created = append(created, row)
	}
	return created
}

// reconcileAnonymous handles datastreams that have no external identifier
// of their own and are identified by (owning sensor, type) instead. The
// sources do not guarantee that pair unique, so when several rows match
// the lowest id wins, deterministically.
func (r *Reconciler) reconcileAnonymous(ctx context.Context, source string, pendings []pending, result map[feed.StreamKey]ResolvedStream) error {
	if len(pendings) == 0 {
		return nil
	}

	sensorIDs := make([]int64, 0, len(pendings))
	seen := make(map[int64]bool, len(pendings))
	for _, p := range pendings {
		if !seen[p.sensorID] {
			seen[p.sensorID] = true
			sensorIDs = append(sensorIDs, p.sensorID)
		}
	}

	existing, err := r.store.DatastreamsBySensor(ctx, sensorIDs)
	if err != nil {
		return fmt.Errorf("resolve anonymous datastreams: %w", err)
	}

	type typeKey struct {
		sensorID int64
		typ      string
	}
	byType := make(map[typeKey]storage.Datastream, len(existing))
	for _, row := range existing {
		k := typeKey{sensorID: row.SensorID, typ: row.Type}
		// Rows arrive ordered by id, so the first one is the lowest.
		if _, ok := byType[k]; !ok {
			byType[k] = row
		}
	}

	for _, p := range pendings {
		key := p.obs.Key()
		k := typeKey{sensorID: p.sensorID, typ: p.category.Type}
		if row, ok := byType[k]; ok {
			result[key] = ResolvedStream{ID: row.ID, Confidential: row.Confidential, Type: row.Type, Unit: row.Unit}
			continue
		}
		row := storage.Datastream{
			SensorID:     p.sensorID,
			Type:         p.category.Type,
			Unit:         p.category.Unit,
			Confidential: p.obs.Confidential,
		}
		id, err := r.store.CreateDatastream(ctx, row)
		if err != nil {
			r.log.Error().Err(err).Str("source", source).Stringer("key", key).
				Msg("anonymous datastream create failed, skipping")
			continue
		}
		row.ID = id
		byType[k] = row
		result[key] = ResolvedStream{ID: id, Confidential: row.Confidential, Type: row.Type, Unit: row.Unit}
	}
	return nil
}
