// Package ingest writes reconciled observations into the store. Ingestion
// is idempotent on the (datastream, timestamp) natural key: replaying a
// batch, or overlapping fetch windows, writes each reading at most once.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"mobility_hub/internal/feed"
	"mobility_hub/internal/reconcile"
	"mobility_hub/internal/storage"
)

// Result reports what happened to one batch of observations.
type Result struct {
	Written           int
	SkippedNonNumeric int
	SkippedDuplicate  int
	SkippedUnresolved int
}

// Ingestor coerces, deduplicates and persists observations.
type Ingestor struct {
	store   storage.Store
	archive *storage.Archive // optional, may be nil
	log     zerolog.Logger
}

// New builds an ingestor. archive may be nil; when set, written rows are
// mirrored into the analytics archive on a best-effort basis.
func New(store storage.Store, archive *storage.Archive, log zerolog.Logger) *Ingestor {
	return &Ingestor{store: store, archive: archive, log: log}
}

type naturalKey struct {
	datastreamID int64
	timestamp    time.Time
}

// Ingest writes the batch's observations against the resolved streams.
// Non-numeric values are dropped and counted, never stored as NaN. When
// the batch holds several readings for the same (datastream, timestamp),
// the last occurrence wins. Rows already present in the store are counted
// as duplicates.
func (i *Ingestor) Ingest(ctx context.Context, source string, observations []feed.Observation, streams map[feed.StreamKey]reconcile.ResolvedStream) (Result, error) {
	var result Result

	// Last occurrence wins within the batch; order preserved for the rest.
	index := make(map[naturalKey]int, len(observations))
	rows := make([]storage.Measurement, 0, len(observations))
	meta := make([]reconcile.ResolvedStream, 0, len(observations))

	for _, obs := range observations {
		stream, ok := streams[obs.Key]
		if !ok {
			result.SkippedUnresolved++
			i.log.Warn().Str("source", source).Stringer("key", obs.Key).Msg("observation for unresolved datastream, skipping")
			continue
		}

		value, ok := obs.Value.Float()
		if !ok {
			result.SkippedNonNumeric++
			i.log.Debug().Str("source", source).Stringer("key", obs.Key).
				Str("value", obs.Value.String()).Msg("non-numeric value, skipping")
			continue
		}

		row := storage.Measurement{
			DatastreamID: stream.ID,
			Timestamp:    obs.Timestamp.UTC(),
			Value:        value,
			Confidential: stream.Confidential,
		}
		k := naturalKey{datastreamID: row.DatastreamID, timestamp: row.Timestamp}
		if at, dup := index[k]; dup {
			rows[at] = row
			meta[at] = stream
			result.SkippedDuplicate++
			continue
		}
		index[k] = len(rows)
		rows = append(rows, row)
		meta = append(meta, stream)
	}

	written, err := i.store.InsertMeasurements(ctx, rows)
	if err != nil {
		return result, fmt.Errorf("ingest %s: %w", source, err)
	}
	result.Written = int(written)
	result.SkippedDuplicate += len(rows) - int(written)

	i.archiveRows(ctx, source, rows, meta)

	return result, nil
}

// archiveRows mirrors the batch into the analytics archive. The relational
// store is the system of record; archive failures are logged, not returned.
func (i *Ingestor) archiveRows(ctx context.Context, source string, rows []storage.Measurement, meta []reconcile.ResolvedStream) {
	if i.archive == nil || len(rows) == 0 {
		return
	}
	archived := make([]storage.ArchiveRow, 0, len(rows))
	for n, row := range rows {
		archived = append(archived, storage.ArchiveRow{
			DatastreamID: uint64(row.DatastreamID),
			Source:       source,
			Type:         meta[n].Type,
			Unit:         meta[n].Unit,
			Timestamp:    row.Timestamp,
			Value:        row.Value,
		})
	}
	if err := i.archive.InsertBatch(ctx, archived); err != nil {
		i.log.Error().Err(err).Str("source", source).Int("rows", len(archived)).Msg("archive insert failed")
	}
}
