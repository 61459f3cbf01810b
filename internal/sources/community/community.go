// Package community pulls the live feed of a citizen science air quality
// network. The feed is one JSON array of the latest reading per sensor;
// each reading carries the sensor, its location and a list of typed
// values. Only the five known value types become streams.
package community

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"mobility_hub/internal/config"
	"mobility_hub/internal/feed"
	"mobility_hub/internal/sources"
)

// SourceName is the namespace community entities are stored under.
const SourceName = "community"

// The value types that become streams. Everything else the firmware
// reports (signal strength, sample counts) is skipped.
var knownValueTypes = map[string]bool{
	"P1":          true,
	"P2":          true,
	"pressure":    true,
	"temperature": true,
	"humidity":    true,
}

func init() {
	sources.Register(SourceName, func(cfg config.Source, log zerolog.Logger) (sources.Adapter, error) {
		return New(cfg, log)
	})
}

// Adapter pulls one live data feed.
type Adapter struct {
	client *sources.Client
	url    string
	log    zerolog.Logger
}

// New builds a community adapter from its source configuration.
func New(cfg config.Source, log zerolog.Logger) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("community: url not configured")
	}
	return &Adapter{
		client: sources.NewClient(cfg, log),
		url:    cfg.URL,
		log:    log,
	}, nil
}

func (a *Adapter) Source() string { return SourceName }

// Fetch downloads the feed and emits one sensor per station and one
// observation per known value type. Stations appear repeatedly in the
// feed when they carry several hardware sensors; every entry keeps its
// own readings but the sensor entity is emitted once.
func (a *Adapter) Fetch(ctx context.Context, window sources.Window) (feed.Batch, error) {
	var batch feed.Batch

	var entries []entry
	if err := a.client.GetJSON(ctx, a.url, nil, &entries); err != nil {
		return batch, err
	}

	seen := make(map[feed.ExternalID]bool)
	for _, e := range entries {
		if e.Sensor.ID.IsZero() {
			continue
		}

		timestamp, err := feed.ParseTimestamp(e.Timestamp, time.UTC)
		if err != nil {
			a.log.Warn().Err(err).Str("sensor", e.Sensor.ID.String()).Msg("skipping entry with bad timestamp")
			continue
		}

		if !seen[e.Sensor.ID] {
			seen[e.Sensor.ID] = true
			sensor := feed.ObservedSensor{
				Source:      SourceName,
				ExternalID:  e.Sensor.ID,
				Description: e.Sensor.SensorType.Manufacturer + " - " + e.Sensor.SensorType.Name,
			}
			if lon, lat, ok := e.Location.position(); ok {
				sensor.Geometry = feed.PointGeometry(lon, lat)
			}
			batch.Sensors = append(batch.Sensors, sensor)
		}

		for _, v := range e.SensorDataValues {
			if !knownValueTypes[v.ValueType] {
				continue
			}
			ds := feed.ObservedDatastream{
				SensorExternalID: e.Sensor.ID,
				Category:         v.ValueType,
			}
			batch.Datastreams = append(batch.Datastreams, ds)
			batch.Observations = append(batch.Observations, feed.Observation{
				Key:       ds.Key(),
				Timestamp: timestamp,
				Value:     v.Value,
			})
		}
	}

	return batch, nil
}

type entry struct {
	Timestamp        string      `json:"timestamp"`
	Sensor           entrySensor `json:"sensor"`
	Location         location    `json:"location"`
	SensorDataValues []dataValue `json:"sensordatavalues"`
}

type entrySensor struct {
	ID         feed.ExternalID `json:"id"`
	SensorType struct {
		Name         string `json:"name"`
		Manufacturer string `json:"manufacturer"`
	} `json:"sensor_type"`
}

// location coordinates arrive as strings.
type location struct {
	Latitude  string `json:"latitude"`
	Longitude string `json:"longitude"`
}

func (l location) position() (lon, lat float64, ok bool) {
	lon, err := strconv.ParseFloat(l.Longitude, 64)
	if err != nil {
		return 0, 0, false
	}
	lat, err = strconv.ParseFloat(l.Latitude, 64)
	if err != nil {
		return 0, 0, false
	}
	return lon, lat, true
}

type dataValue struct {
	ValueType string        `json:"value_type"`
	Value     feed.RawValue `json:"value"`
}
