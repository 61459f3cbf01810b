// Package sources defines the adapter contract external data sources
// implement and the shared plumbing (registry, retrying HTTP client) the
// adapters are built on. Pull adapters fetch on a schedule; push adapters
// subscribe to a broker and emit batches as messages arrive.
package sources

import (
	"context"
	"time"

	"mobility_hub/internal/feed"
)

// WatermarkSource answers "when did we last store a reading for these
// streams" in one bulk lookup, so adapters fetch incrementally.
type WatermarkSource interface {
	LatestTimes(ctx context.Context, keys []feed.StreamKey) (map[feed.StreamKey]time.Time, error)
}

// Window bounds one fetch. Streams without a stored watermark start at
// Start; End is the tick time.
type Window struct {
	Start      time.Time
	End        time.Time
	Watermarks WatermarkSource
}

// SinceFor returns the fetch lower bound for one stream: its watermark when
// known, the window's default start otherwise. A nil watermark source
// always yields the default.
func (w Window) SinceFor(ctx context.Context, key feed.StreamKey) (time.Time, error) {
	if w.Watermarks == nil {
		return w.Start, nil
	}
	times, err := w.Watermarks.LatestTimes(ctx, []feed.StreamKey{key})
	if err != nil {
		return time.Time{}, err
	}
	if t, ok := times[key]; ok {
		return t, nil
	}
	return w.Start, nil
}

// Adapter is a pull source: each Fetch returns everything observed since
// the window's lower bound, normalized to feed shapes.
type Adapter interface {
	Source() string
	Fetch(ctx context.Context, window Window) (feed.Batch, error)
}

// Sink receives batches from push sources. Implementations run the batch
// through reconciliation and ingestion.
type Sink func(ctx context.Context, batch feed.Batch) error

// Pusher is a push source: Listen blocks, feeding the sink until the
// context is cancelled.
type Pusher interface {
	Source() string
	Listen(ctx context.Context, sink Sink) error
}
