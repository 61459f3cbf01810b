// Package frost pulls sensors, datastreams and observations from an OGC
// SensorThings (FROST) server. Datastreams are crawled in pages of 1000,
// the owning Thing is fetched per datastream to derive the sensor entity,
// and observations are fetched incrementally from each stream's watermark.
package frost

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mobility_hub/internal/config"
	"mobility_hub/internal/feed"
	"mobility_hub/internal/sources"
)

// SourceName is the namespace frost entities are stored under.
const SourceName = "frost"

const pageSize = 1000

// Occupancy states charging point streams report as words.
var chargingValues = map[string]feed.RawValue{
	"charging":   "1",
	"available":  "0",
	"outoforder": "-1",
}

// Stream descriptions that identify weather forecast datastreams. These
// carry neither a Klasse nor a type property.
var weatherDescriptions = map[string]bool{
	"SIGNIFICANTWEATHER":         true,
	"WINDDIRECTION":              true,
	"HUMIDITY":                   true,
	"TEMPERATURE":                true,
	"DEWPOINT":                   true,
	"WINDSPEED":                  true,
	"PROBABILITYOFPRECIPITATION": true,
}

func init() {
	sources.Register(SourceName, func(cfg config.Source, log zerolog.Logger) (sources.Adapter, error) {
		return New(cfg, log)
	})
}

// Adapter crawls one FROST server.
type Adapter struct {
	client  *sources.Client
	baseURL string
	auth    *sources.BasicAuth
	log     zerolog.Logger
}

// New builds a frost adapter from its source configuration.
func New(cfg config.Source, log zerolog.Logger) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("frost: url not configured")
	}
	baseURL := cfg.URL
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	var auth *sources.BasicAuth
	if cfg.User != "" {
		auth = &sources.BasicAuth{User: cfg.User, Password: cfg.Password}
	}
	return &Adapter{
		client:  sources.NewClient(cfg, log),
		baseURL: baseURL,
		auth:    auth,
		log:     log,
	}, nil
}

func (a *Adapter) Source() string { return SourceName }

// Fetch crawls all datastreams, their owning Things and any observations
// newer than each stream's watermark.
func (a *Adapter) Fetch(ctx context.Context, window sources.Window) (feed.Batch, error) {
	var batch feed.Batch

	streams, err := a.crawlDatastreams(ctx)
	if err != nil {
		return batch, err
	}

	seenSensors := make(map[feed.ExternalID]bool)
	for _, cs := range streams {
		th, err := a.fetchThing(ctx, cs.ID)
		if err != nil {
			a.log.Warn().Err(err).Str("datastream", cs.ID.String()).Msg("could not fetch owning thing")
			continue
		}

		description, confidential := describeThing(th)
		if !seenSensors[th.ID] {
			seenSensors[th.ID] = true
			batch.Sensors = append(batch.Sensors, feed.ObservedSensor{
				Source:       SourceName,
				ExternalID:   th.ID,
				Description:  description,
				Geometry:     cs.Geometry,
				Confidential: confidential,
			})
		}

		ds := feed.ObservedDatastream{
			SensorExternalID: th.ID,
			ExternalID:       cs.ID,
			Category:         cs.Klasse,
			Confidential:     confidential,
		}
		batch.Datastreams = append(batch.Datastreams, ds)

		obs, err := a.crawlObservations(ctx, window, ds.Key())
		if err != nil {
			a.log.Warn().Err(err).Str("datastream", cs.ID.String()).Msg("could not fetch observations")
			continue
		}
		batch.Observations = append(batch.Observations, obs...)
	}

	return batch, nil
}

// crawledStream is one datastream's metadata after klasse inference and
// geometry extraction.
type crawledStream struct {
	ID       feed.ExternalID
	Klasse   string
	Geometry *feed.Geometry
}

func (a *Adapter) crawlDatastreams(ctx context.Context) ([]crawledStream, error) {
	var streams []crawledStream

	query := url.Values{}
	query.Set("$top", strconv.Itoa(pageSize))
	query.Set("$orderby", "@iot.id asc")
	query.Set("$select", "@iot.id,description,properties,observedArea")

	next := a.baseURL + "Datastreams?" + query.Encode()
	for next != "" {
		var page struct {
			Value    []datastream `json:"value"`
			NextLink string       `json:"@iot.nextLink"`
		}
		if err := a.client.GetJSON(ctx, next, a.auth, &page); err != nil {
			return nil, fmt.Errorf("crawl datastreams: %w", err)
		}
		for _, ds := range page.Value {
			streams = append(streams, crawledStream{
				ID:       ds.ID,
				Klasse:   ds.klasse(),
				Geometry: ds.geometry(),
			})
		}
		next = page.NextLink
	}

	a.log.Debug().Int("datastreams", len(streams)).Msg("crawled datastreams")
	return streams, nil
}

func (a *Adapter) fetchThing(ctx context.Context, dsID feed.ExternalID) (thing, error) {
	var th thing
	url := a.baseURL + fmt.Sprintf("Datastreams(%s)/Thing?$select=@iot.id,name,description,properties", dsID)
	if err := a.client.GetJSON(ctx, url, a.auth, &th); err != nil {
		return thing{}, err
	}
	if th.ID.IsZero() {
		return thing{}, fmt.Errorf("thing for datastream %s has no id", dsID)
	}
	return th, nil
}

func (a *Adapter) crawlObservations(ctx context.Context, window sources.Window, key feed.StreamKey) ([]feed.Observation, error) {
	since, err := window.SinceFor(ctx, key)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("$top", strconv.Itoa(pageSize))
	query.Set("$orderby", "phenomenonTime asc")
	query.Set("$select", "@iot.id,phenomenonTime,result")
	query.Set("$filter", "resultTime gt "+since.UTC().Format(time.RFC3339))

	var out []feed.Observation
	next := a.baseURL + fmt.Sprintf("Datastreams(%s)/Observations?", key.Stream) + query.Encode()
	for next != "" {
		var page struct {
			Value []struct {
				PhenomenonTime string        `json:"phenomenonTime"`
				Result         feed.RawValue `json:"result"`
			} `json:"value"`
			NextLink string `json:"@iot.nextLink"`
		}
		if err := a.client.GetJSON(ctx, next, a.auth, &page); err != nil {
			return nil, err
		}
		for _, o := range page.Value {
			ts, err := feed.ParseTimestamp(phenomenonStart(o.PhenomenonTime), time.UTC)
			if err != nil {
				a.log.Warn().Err(err).Str("datastream", key.Stream.String()).Msg("skipping observation with bad timestamp")
				continue
			}
			value := o.Result
			if mapped, ok := chargingValues[string(value)]; ok {
				value = mapped
			}
			out = append(out, feed.Observation{Key: key, Timestamp: ts, Value: value})
		}
		next = page.NextLink
	}
	return out, nil
}

// phenomenonStart strips the end of an ISO interval; single instants pass
// through unchanged.
func phenomenonStart(raw string) string {
	if i := strings.IndexByte(raw, '/'); i >= 0 {
		return raw[:i]
	}
	return raw
}

type datastream struct {
	ID                  feed.ExternalID `json:"@iot.id"`
	Description         string          `json:"description"`
	Properties          dsProperties    `json:"properties"`
	ObservedArea        *geoShape       `json:"observedArea"`
	ChargePointLocation *chargePoint    `json:"chargePointLocation"`
}

type dsProperties struct {
	Klasse string `json:"Klasse"`
	Type   string `json:"type"`
}

// klasse infers the vendor category of a datastream: the Klasse property
// when set, the type property otherwise, "Wetter" for streams whose
// description names a forecast quantity, "unknown" as the last resort.
func (ds datastream) klasse() string {
	if ds.Properties.Klasse != "" {
		return ds.Properties.Klasse
	}
	if ds.Properties.Type != "" {
		return ds.Properties.Type
	}
	if weatherDescriptions[ds.Description] {
		return "Wetter"
	}
	return "unknown"
}

// geometry extracts the stream's position: the observedArea when present,
// the charge point location for charging streams, nil otherwise.
func (ds datastream) geometry() *feed.Geometry {
	if ds.ObservedArea != nil {
		return ds.ObservedArea.toGeometry()
	}
	if ds.ChargePointLocation != nil {
		return feed.PointGeometry(ds.ChargePointLocation.Coordinates.Lon, ds.ChargePointLocation.Coordinates.Lat)
	}
	return nil
}

// geoShape decodes GeoJSON-style geometry whose coordinate nesting depends
// on the type field.
type geoShape struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

func (g *geoShape) toGeometry() *feed.Geometry {
	switch g.Type {
	case "Point":
		var point []float64
		if err := json.Unmarshal(g.Coordinates, &point); err != nil {
			return nil
		}
		return &feed.Geometry{Type: "Point", Point: point}
	case "LineString":
		var line [][]float64
		if err := json.Unmarshal(g.Coordinates, &line); err != nil {
			return nil
		}
		return &feed.Geometry{Type: "LineString", Line: line}
	case "Polygon":
		var rings [][][]float64
		if err := json.Unmarshal(g.Coordinates, &rings); err != nil || len(rings) == 0 {
			return nil
		}
		return &feed.Geometry{Type: "Polygon", Ring: rings[0]}
	default:
		return nil
	}
}

type chargePoint struct {
	Coordinates struct {
		Lon float64 `json:"lon"`
		Lat float64 `json:"lat"`
	} `json:"coordinates"`
}

type thing struct {
	ID          feed.ExternalID `json:"@iot.id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Properties  thingProperties `json:"properties"`
}

type thingProperties struct {
	Species string     `json:"species"`
	Type    string     `json:"type"`
	Props   thingProps `json:"props"`
}

type thingProps struct {
	Label string `json:"label"`
}

// describeThing derives the sensor description and its confidentiality
// from the Thing's species. Charging stations and parking garages carry
// operator data and stay confidential, as does anything unrecognized.
func describeThing(th thing) (description string, confidential bool) {
	switch th.Properties.Species {
	case "Ladestation":
		return th.Description, true
	case "Zaehlstelle":
		return th.Properties.Props.Label, false
	case "Parkhaus":
		return th.Name, true
	case "Parkplatz", "Parkfläche":
		return th.Name, false
	}
	if th.Properties.Type == "ParkingLocation" {
		return th.Name, false
	}
	return "", true
}
