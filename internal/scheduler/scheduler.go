// Package scheduler runs the source pipelines. Every pull source gets a
// pipeline ticking at its configured interval; each tick fetches, then
// reconciles, then ingests. A tick that fails anywhere is abandoned whole:
// nothing of it is written beyond what the store already committed, and
// the untouched watermarks make the next tick re-fetch the same window.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"mobility_hub/internal/feed"
	"mobility_hub/internal/identity"
	"mobility_hub/internal/ingest"
	"mobility_hub/internal/reconcile"
	"mobility_hub/internal/sources"
	"mobility_hub/internal/storage"
)

// Pipeline ties one pull adapter to the reconciliation and ingestion
// layers and runs it on a fixed interval.
type Pipeline struct {
	adapter      sources.Adapter
	reconciler   *reconcile.Reconciler
	ingestor     *ingest.Ingestor
	watermarks   sources.WatermarkSource
	interval     time.Duration
	defaultStart time.Time
	running      atomic.Bool
	log          zerolog.Logger
}

// NewPipeline builds a pipeline. defaultStart bounds the first fetch of
// streams that have no stored measurements yet.
func NewPipeline(
	adapter sources.Adapter,
	reconciler *reconcile.Reconciler,
	ingestor *ingest.Ingestor,
	watermarks sources.WatermarkSource,
	interval time.Duration,
	defaultStart time.Time,
	log zerolog.Logger,
) *Pipeline {
	return &Pipeline{
		adapter:      adapter,
		reconciler:   reconciler,
		ingestor:     ingestor,
		watermarks:   watermarks,
		interval:     interval,
		defaultStart: defaultStart,
		log:          log.With().Str("source", adapter.Source()).Logger(),
	}
}

// Run ticks the pipeline until the context is cancelled. The first tick
// fires immediately. Tick failures are logged and the next tick proceeds
// normally.
func (p *Pipeline) Run(ctx context.Context) {
	if err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
		p.log.Error().Err(err).Msg("pipeline tick failed")
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
				p.log.Error().Err(err).Msg("pipeline tick failed")
			}
		}
	}
}

// RunOnce executes one tick: fetch, reconcile, ingest. A tick still
// running when the next fires makes the new one a no-op, and no tick may
// outlive the interval. Panics in adapter code are contained to the tick.
func (p *Pipeline) RunOnce(ctx context.Context) (err error) {
	if !p.running.CompareAndSwap(false, true) {
		p.log.Warn().Msg("previous tick still running, skipping")
		return nil
	}
	defer p.running.Store(false)

	if p.interval > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.interval)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("pipeline tick panicked")
			err = fmt.Errorf("tick panicked: %v", r)
		}
	}()

	started := time.Now()
	window := sources.Window{
		Start:      p.defaultStart,
		End:        started.UTC(),
		Watermarks: p.watermarks,
	}

	batch, err := p.adapter.Fetch(ctx, window)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if batch.Empty() {
		p.log.Debug().Msg("nothing fetched")
		return nil
	}

	streams, err := p.reconciler.Reconcile(ctx, p.adapter.Source(), batch)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	result, err := p.ingestor.Ingest(ctx, p.adapter.Source(), batch.Observations, streams)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}

	p.log.Info().
		Int("sensors", len(batch.Sensors)).
		Int("written", result.Written).
		Int("skipped_non_numeric", result.SkippedNonNumeric).
		Int("skipped_duplicate", result.SkippedDuplicate).
		Int("skipped_unresolved", result.SkippedUnresolved).
		Dur("took", time.Since(started)).
		Msg("tick complete")
	return nil
}

// PushPipeline ties one push source to the same downstream layers. The
// source delivers batches on its own schedule; each one runs through
// reconcile and ingest as it arrives.
type PushPipeline struct {
	pusher     sources.Pusher
	reconciler *reconcile.Reconciler
	ingestor   *ingest.Ingestor
	log        zerolog.Logger
}

// NewPushPipeline builds a push pipeline.
func NewPushPipeline(pusher sources.Pusher, reconciler *reconcile.Reconciler, ingestor *ingest.Ingestor, log zerolog.Logger) *PushPipeline {
	return &PushPipeline{
		pusher:     pusher,
		reconciler: reconciler,
		ingestor:   ingestor,
		log:        log.With().Str("source", pusher.Source()).Logger(),
	}
}

// Run listens until the context is cancelled.
func (p *PushPipeline) Run(ctx context.Context) {
	err := p.pusher.Listen(ctx, p.Sink)
	if err != nil && ctx.Err() == nil {
		p.log.Error().Err(err).Msg("push source stopped")
	}
}

// Sink processes one delivered batch.
func (p *PushPipeline) Sink(ctx context.Context, batch feed.Batch) error {
	streams, err := p.reconciler.Reconcile(ctx, p.pusher.Source(), batch)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	result, err := p.ingestor.Ingest(ctx, p.pusher.Source(), batch.Observations, streams)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	p.log.Debug().Int("written", result.Written).Msg("batch processed")
	return nil
}

// Runner owns a set of pipelines and runs them concurrently.
type Runner struct {
	pipelines []func(ctx context.Context)
}

// Add registers a pull pipeline.
func (r *Runner) Add(p *Pipeline) {
	r.pipelines = append(r.pipelines, p.Run)
}

// AddPush registers a push pipeline.
func (r *Runner) AddPush(p *PushPipeline) {
	r.pipelines = append(r.pipelines, p.Run)
}

// Run blocks until the context is cancelled and every pipeline returned.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, run := range r.pipelines {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(run)
	}
	wg.Wait()
}

// StoreWatermarks answers watermark lookups from the measurement store.
// Only streams with an external identifier can be resolved before
// reconciliation; identifier-less streams are reported absent and fetch
// from the default start, which ingestion deduplicates anyway.
type StoreWatermarks struct {
	source string
	store  storage.Store
}

// NewStoreWatermarks builds a watermark source for one data source.
func NewStoreWatermarks(source string, store storage.Store) *StoreWatermarks {
	return &StoreWatermarks{source: source, store: store}
}

// LatestTimes resolves the keyed streams in bulk and returns the most
// recent stored timestamp for each one that has measurements.
func (w *StoreWatermarks) LatestTimes(ctx context.Context, keys []feed.StreamKey) (map[feed.StreamKey]time.Time, error) {
	ids := make([]feed.ExternalID, 0, len(keys))
	for _, key := range keys {
		if !key.Stream.IsZero() {
			ids = append(ids, key.Stream)
		}
	}
	if len(ids) == 0 {
		return map[feed.StreamKey]time.Time{}, nil
	}

	resolved, err := identity.NewResolver(w.store).ResolveStreams(ctx, w.source, ids)
	if err != nil {
		return nil, err
	}

	internal := make([]int64, 0, len(resolved))
	for _, stream := range resolved {
		internal = append(internal, stream.ID)
	}
	latest, err := w.store.LatestMeasurementTimes(ctx, internal)
	if err != nil {
		return nil, err
	}

	out := make(map[feed.StreamKey]time.Time, len(keys))
	for _, key := range keys {
		stream, ok := resolved[key.Stream]
		if !ok {
			continue
		}
		if t, ok := latest[stream.ID]; ok {
			out[key] = t
		}
	}
	return out, nil
}
