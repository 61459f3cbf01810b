package frost

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mobility_hub/internal/config"
	"mobility_hub/internal/feed"
	"mobility_hub/internal/sources"
)

type stubWatermarks map[feed.StreamKey]time.Time

func (s stubWatermarks) LatestTimes(_ context.Context, keys []feed.StreamKey) (map[feed.StreamKey]time.Time, error) {
	out := make(map[feed.StreamKey]time.Time)
	for _, k := range keys {
		if t, ok := s[k]; ok {
			out[k] = t
		}
	}
	return out, nil
}

func newTestAdapter(t *testing.T, srvURL string) *Adapter {
	t.Helper()
	a, err := New(config.Source{
		URL:          srvURL,
		User:         "crawler",
		Password:     "secret",
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestFetch(t *testing.T) {
	var observationFilters []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, ok := r.BasicAuth(); !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")

		path := r.URL.Path
		switch {
		case strings.HasSuffix(path, "/Datastreams"):
			_, _ = w.Write([]byte(`{"value": [
				{"@iot.id": 5, "description": "Ladepunkt 1",
				 "properties": {"Klasse": "E-Ladepunkt"},
				 "chargePointLocation": {"coordinates": {"lon": 6.08, "lat": 50.77}}},
				{"@iot.id": 7, "description": "KFZ Zaehlung",
				 "properties": {"Klasse": "cC1"},
				 "observedArea": {"type": "Point", "coordinates": [6.1, 50.78]}},
				{"@iot.id": 9, "description": "TEMPERATURE",
				 "properties": {}}
			]}`))
		case strings.HasSuffix(path, "/Datastreams(5)/Thing"):
			_, _ = w.Write([]byte(`{"@iot.id": 100, "name": "LS AC", "description": "Ladestation Markt",
				"properties": {"species": "Ladestation"}}`))
		case strings.HasSuffix(path, "/Datastreams(7)/Thing"):
			_, _ = w.Write([]byte(`{"@iot.id": 200, "name": "ZS", "description": "",
				"properties": {"species": "Zaehlstelle", "props": {"label": "Adalbertsteinweg"}}}`))
		case strings.HasSuffix(path, "/Datastreams(9)/Thing"):
			_, _ = w.Write([]byte(`{"@iot.id": 300, "name": "DWD", "description": "",
				"properties": {}}`))
		case strings.HasSuffix(path, "/Datastreams(5)/Observations"):
			observationFilters = append(observationFilters, r.URL.Query().Get("$filter"))
			_, _ = w.Write([]byte(`{"value": [
				{"@iot.id": 1, "phenomenonTime": "2024-03-01T10:00:00Z", "result": "charging"},
				{"@iot.id": 2, "phenomenonTime": "2024-03-01T11:00:00Z", "result": "available"}
			]}`))
		case strings.HasSuffix(path, "/Datastreams(7)/Observations"):
			observationFilters = append(observationFilters, r.URL.Query().Get("$filter"))
			_, _ = w.Write([]byte(`{"value": [
				{"@iot.id": 3, "phenomenonTime": "2024-03-01T10:15:00Z/2024-03-01T10:30:00Z", "result": 42}
			]}`))
		case strings.HasSuffix(path, "/Datastreams(9)/Observations"):
			observationFilters = append(observationFilters, r.URL.Query().Get("$filter"))
			_, _ = w.Write([]byte(`{"value": []}`))
		default:
			t.Errorf("unexpected request path %s", path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)

	start := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	marks := stubWatermarks{
		feed.StreamKey{Sensor: "200", Stream: "7", Category: "cC1"}: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	batch, err := a.Fetch(context.Background(), sources.Window{Start: start, End: time.Now(), Watermarks: marks})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if len(batch.Sensors) != 3 {
		t.Fatalf("got %d sensors, want 3", len(batch.Sensors))
	}
	charger := batch.Sensors[0]
	if charger.ExternalID != "100" || charger.Description != "Ladestation Markt" || !charger.Confidential {
		t.Errorf("charger sensor = %+v", charger)
	}
	if charger.Geometry == nil || charger.Geometry.Type != "Point" {
		t.Fatalf("charger geometry = %+v", charger.Geometry)
	}
	if lon, lat, _ := charger.Geometry.Centroid(); lon != 6.08 || lat != 50.77 {
		t.Errorf("charger position = %v, %v", lon, lat)
	}
	counter := batch.Sensors[1]
	if counter.ExternalID != "200" || counter.Description != "Adalbertsteinweg" || counter.Confidential {
		t.Errorf("counting sensor = %+v", counter)
	}
	weather := batch.Sensors[2]
	if weather.Description != "" || !weather.Confidential {
		t.Errorf("unrecognized thing species should stay confidential: %+v", weather)
	}

	if len(batch.Datastreams) != 3 {
		t.Fatalf("got %d datastreams, want 3", len(batch.Datastreams))
	}
	if got := batch.Datastreams[0]; got.ExternalID != "5" || got.Category != "E-Ladepunkt" {
		t.Errorf("charging datastream = %+v", got)
	}
	if got := batch.Datastreams[2]; got.Category != "Wetter" {
		t.Errorf("weather datastream category = %q, want Wetter from description", got.Category)
	}

	if len(batch.Observations) != 3 {
		t.Fatalf("got %d observations, want 3", len(batch.Observations))
	}
	if got := batch.Observations[0].Value; got != "1" {
		t.Errorf("charging state = %q, want mapped 1", got)
	}
	if got := batch.Observations[1].Value; got != "0" {
		t.Errorf("available state = %q, want mapped 0", got)
	}
	interval := batch.Observations[2]
	if interval.Value != "42" {
		t.Errorf("numeric result = %q", interval.Value)
	}
	if want := time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC); !interval.Timestamp.Equal(want) {
		t.Errorf("interval timestamp = %v, want start instant %v", interval.Timestamp, want)
	}

	// The stream with a stored watermark fetches from it, the others from
	// the window start.
	var sawWatermark, sawDefault bool
	for _, f := range observationFilters {
		switch {
		case strings.Contains(f, "2024-03-01T09:00:00Z"):
			sawWatermark = true
		case strings.Contains(f, "2022-01-01T00:00:00Z"):
			sawDefault = true
		}
	}
	if !sawWatermark || !sawDefault {
		t.Errorf("observation filters = %v", observationFilters)
	}
}

func TestFetch_Pagination(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	mux.HandleFunc("/Datastreams", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			_, _ = w.Write([]byte(`{"value": [
				{"@iot.id": 2, "description": "b", "properties": {"Klasse": "Bike"}}
			]}`))
			return
		}
		_, _ = w.Write([]byte(`{"value": [
			{"@iot.id": 1, "description": "a", "properties": {"Klasse": "Bike"}}
		], "@iot.nextLink": "` + srvURL + `/Datastreams?page=2"}`))
	})
	thing := func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"@iot.id": 10, "name": "n", "properties": {"species": "Zaehlstelle", "props": {"label": "x"}}}`))
	}
	mux.HandleFunc("/Datastreams(1)/Thing", thing)
	mux.HandleFunc("/Datastreams(2)/Thing", thing)
	empty := func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"value": []}`))
	}
	mux.HandleFunc("/Datastreams(1)/Observations", empty)
	mux.HandleFunc("/Datastreams(2)/Observations", empty)

	a := newTestAdapter(t, srv.URL)
	batch, err := a.Fetch(context.Background(), sources.Window{Start: time.Now().Add(-time.Hour), End: time.Now()})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(batch.Datastreams) != 2 {
		t.Errorf("got %d datastreams across pages, want 2", len(batch.Datastreams))
	}
	// Both streams belong to the same thing, which appears once.
	if len(batch.Sensors) != 1 {
		t.Errorf("got %d sensors, want 1", len(batch.Sensors))
	}
}

func TestKlasseInference(t *testing.T) {
	tests := []struct {
		name string
		ds   datastream
		want string
	}{
		{"klasse property", datastream{Properties: dsProperties{Klasse: "cC1", Type: "other"}}, "cC1"},
		{"type fallback", datastream{Properties: dsProperties{Type: "ParkingLocation"}}, "ParkingLocation"},
		{"weather description", datastream{Description: "WINDSPEED"}, "Wetter"},
		{"nothing known", datastream{Description: "whatever"}, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ds.klasse(); got != tt.want {
				t.Errorf("klasse() = %q, want %q", got, tt.want)
			}
		})
	}
}
