// Package inrix pulls speed segment data for a bounding box from the
// INRIX traffic API. Each XD segment becomes one sensor with six derived
// streams (current, average and reference speed, travel time, congestion
// bucket, closed state). All segment data is licensed and stays
// confidential.
package inrix

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"mobility_hub/internal/config"
	"mobility_hub/internal/feed"
	"mobility_hub/internal/sources"
)

// SourceName is the namespace inrix entities are stored under.
const SourceName = "inrix"

const (
	defaultTokenURL   = "https://uas-api.inrix.com/v1/appToken"
	defaultSegmentURL = "https://segment-api.inrix.com/v1/segments/speed"
)

// Aachen city area.
var defaultBBox = [4]float64{50.8061702, 6.0530048, 50.7414927, 6.1705204}

func init() {
	sources.Register(SourceName, func(cfg config.Source, log zerolog.Logger) (sources.Adapter, error) {
		return New(cfg, log)
	})
}

// Adapter pulls one bounding box worth of speed segments.
type Adapter struct {
	client     *sources.Client
	tokenURL   string
	segmentURL string
	appID      string
	hashToken  string
	token      string
	bbox       [4]float64
	log        zerolog.Logger
}

// New builds an inrix adapter from its source configuration. User and
// Password carry the application id and hash token for the token
// handshake; a configured Token skips the handshake entirely.
func New(cfg config.Source, log zerolog.Logger) (*Adapter, error) {
	if cfg.Token == "" && (cfg.User == "" || cfg.Password == "") {
		return nil, fmt.Errorf("inrix: credentials not configured")
	}

	tokenURL, segmentURL := defaultTokenURL, defaultSegmentURL
	if cfg.URL != "" {
		tokenURL = cfg.URL + "/v1/appToken"
		segmentURL = cfg.URL + "/v1/segments/speed"
	}

	bbox := defaultBBox
	if len(cfg.BBox) == 4 {
		copy(bbox[:], cfg.BBox)
	} else if len(cfg.BBox) != 0 {
		return nil, fmt.Errorf("inrix: bbox needs 4 values, got %d", len(cfg.BBox))
	}

	return &Adapter{
		client:     sources.NewClient(cfg, log),
		tokenURL:   tokenURL,
		segmentURL: segmentURL,
		appID:      cfg.User,
		hashToken:  cfg.Password,
		token:      cfg.Token,
		bbox:       bbox,
		log:        log,
	}, nil
}

func (a *Adapter) Source() string { return SourceName }

// Fetch exchanges the credentials for an access token and pulls the
// current segment speeds. The API returns one snapshot per call; every
// stream of a segment gets one observation at the snapshot time.
func (a *Adapter) Fetch(ctx context.Context, window sources.Window) (feed.Batch, error) {
	var batch feed.Batch

	token, err := a.accessToken(ctx)
	if err != nil {
		return batch, err
	}

	query := url.Values{}
	query.Set("box", formatBox(a.bbox))
	query.Set("units", "1")
	query.Set("SpeedOutputFields", "All")
	query.Set("accesstoken", token)

	var payload struct {
		Result struct {
			SegmentSpeeds []struct {
				Time     string    `json:"time"`
				Segments []segment `json:"segments"`
			} `json:"segmentspeeds"`
		} `json:"result"`
	}
	if err := a.client.GetJSON(ctx, a.segmentURL+"?"+query.Encode(), nil, &payload); err != nil {
		return batch, fmt.Errorf("fetch segment speeds: %w", err)
	}
	if len(payload.Result.SegmentSpeeds) == 0 {
		return batch, fmt.Errorf("segment speed response carries no snapshot")
	}

	snapshot := payload.Result.SegmentSpeeds[0]
	timestamp, err := feed.ParseTimestamp(snapshot.Time, time.UTC)
	if err != nil {
		return batch, fmt.Errorf("parse snapshot time: %w", err)
	}

	for _, seg := range snapshot.Segments {
		if seg.Code.IsZero() {
			continue
		}
		batch.Sensors = append(batch.Sensors, feed.ObservedSensor{
			Source:       SourceName,
			ExternalID:   seg.Code,
			Description:  "INRIX Speed Segment",
			Confidential: true,
		})
		for _, sv := range seg.streams() {
			ds := feed.ObservedDatastream{
				SensorExternalID: seg.Code,
				Category:         sv.category,
				Confidential:     true,
			}
			batch.Datastreams = append(batch.Datastreams, ds)
			batch.Observations = append(batch.Observations, feed.Observation{
				Key:       ds.Key(),
				Timestamp: timestamp,
				Value:     feed.ValueFromFloat(sv.value),
			})
		}
	}

	return batch, nil
}

// accessToken returns the configured static token, or exchanges the
// application credentials for one.
func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	if a.token != "" {
		return a.token, nil
	}

	query := url.Values{}
	query.Set("appId", a.appID)
	query.Set("hashToken", a.hashToken)

	var payload struct {
		Result struct {
			Token string `json:"token"`
		} `json:"result"`
	}
	if err := a.client.GetJSON(ctx, a.tokenURL+"?"+query.Encode(), nil, &payload); err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}
	if payload.Result.Token == "" {
		return "", fmt.Errorf("token response carries no token")
	}
	return payload.Result.Token, nil
}

// formatBox renders the corner coordinates in the API's
// "NWlat|NWlon,SElat|SElon" notation.
func formatBox(bbox [4]float64) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return f(bbox[0]) + "|" + f(bbox[1]) + "," + f(bbox[2]) + "|" + f(bbox[3])
}

// segment is one XD segment in the snapshot. Fields the API omits are
// kept as nil so their absence is distinguishable from zero.
type segment struct {
	Code              feed.ExternalID `json:"code"`
	Speed             *float64        `json:"speed"`
	Average           *float64        `json:"average"`
	Reference         *float64        `json:"reference"`
	TravelTimeMinutes *float64        `json:"travelTimeMinutes"`
	SpeedBucket       *float64        `json:"speedBucket"`
	SegmentClosed     *bool           `json:"segmentClosed"`
}

type streamValue struct {
	category string
	value    float64
}

// streams expands the segment into its six observation streams. A missing
// speed means the segment is closed and reads as 0; a missing closed flag
// means open; every other missing field reads as -1.
func (s segment) streams() []streamValue {
	closed := 0.0
	if s.SegmentClosed != nil && *s.SegmentClosed {
		closed = 1
	}
	return []streamValue{
		{"speed", orDefault(s.Speed, 0)},
		{"average speed", orDefault(s.Average, -1)},
		{"segment closed", closed},
		{"reference speed", orDefault(s.Reference, -1)},
		{"travel time", orDefault(s.TravelTimeMinutes, -1)},
		{"level of congestion", orDefault(s.SpeedBucket, -1)},
	}
}

func orDefault(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}
