package lanuv

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/charmap"

	"mobility_hub/internal/config"
	"mobility_hub/internal/feed"
	"mobility_hub/internal/sources"
)

const headerCSV = `# Luftqualitätsdaten
Station;Kürzel;Ozon;SO2;NO2;PM10
`

const valuesCSV = `Aktuelle Luftqualität;;;;;;
Stand: 01.03.2024 10:00;;;;;;
Aachen Wilhelmstraße;VACW;45;<10;-;22;
Solingen Mitte;SOLI;50;4;30;18;
Aachen-Burtscheid;AABU;*;2;12;19;
`

// The agency publishes Windows-1250, so the fixtures have to be encoded
// before they go over the wire.
func encodeCP1250(t *testing.T, s string) []byte {
	t.Helper()
	out, err := charmap.Windows1250.NewEncoder().Bytes([]byte(s))
	if err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return out
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "header_"):
			_, _ = w.Write(encodeCP1250(t, headerCSV))
		default:
			_, _ = w.Write(encodeCP1250(t, valuesCSV))
		}
	}))
	defer srv.Close()

	a, err := New(config.Source{
		URL:          srv.URL + "/aktluftqual/eu_luftqualitaet.csv",
		Stations:     []string{"VACW", "AABU"},
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	end := time.Date(2024, 3, 1, 10, 42, 13, 0, time.UTC)
	batch, err := a.Fetch(context.Background(), sources.Window{Start: end.Add(-time.Hour), End: end})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if len(batch.Sensors) != 2 {
		t.Fatalf("got %d sensors, want 2 whitelisted stations", len(batch.Sensors))
	}
	wilhelm := batch.Sensors[0]
	if wilhelm.ExternalID != "VACW" || wilhelm.Description != "Aachen Wilhelmstraße" {
		t.Errorf("station = %+v", wilhelm)
	}
	if wilhelm.Geometry == nil {
		t.Fatal("station has no fixed position")
	}
	if lon, lat, _ := wilhelm.Geometry.Centroid(); lon != 6.095763792588302 || lat != 50.77312781748374 {
		t.Errorf("station position = %v, %v", lon, lat)
	}

	if len(batch.Datastreams) != 8 {
		t.Fatalf("got %d datastreams, want 4 measurands per station", len(batch.Datastreams))
	}
	ds := batch.Datastreams[0]
	if !ds.ExternalID.IsZero() {
		t.Errorf("measurand streams have no external id: %+v", ds)
	}
	if ds.SensorExternalID != "VACW" || ds.Category != "Ozon" {
		t.Errorf("first datastream = %+v", ds)
	}

	if len(batch.Observations) != 8 {
		t.Fatalf("got %d observations, want 8", len(batch.Observations))
	}
	wantHour := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	values := make(map[feed.StreamKey]feed.RawValue)
	for _, o := range batch.Observations {
		if !o.Timestamp.Equal(wantHour) {
			t.Errorf("observation timestamp = %v, want full hour %v", o.Timestamp, wantHour)
		}
		values[o.Key] = o.Value
	}

	key := func(sensor, category string) feed.StreamKey {
		return feed.StreamKey{Sensor: feed.ExternalID(sensor), Category: category}
	}
	if got := values[key("VACW", "Ozon")]; got != "45" {
		t.Errorf("plain value = %q", got)
	}
	if got := values[key("VACW", "SO2")]; got != "10" {
		t.Errorf("below-threshold value = %q, want < stripped", got)
	}
	if got := values[key("VACW", "NO2")]; got != "-1" {
		t.Errorf("dash value = %q, want -1", got)
	}
	if got := values[key("AABU", "Ozon")]; got != "-1" {
		t.Errorf("star value = %q, want -1", got)
	}
}

func TestHeaderURLFor(t *testing.T) {
	got, err := headerURLFor("https://example.org/fileadmin/aktluftqual/eu_luftqualitaet.csv")
	if err != nil {
		t.Fatal(err)
	}
	want := "https://example.org/fileadmin/aktluftqual/header_eu_luftqualitaet.csv"
	if got != want {
		t.Errorf("headerURLFor = %q, want %q", got, want)
	}
}

func TestScrubValue(t *testing.T) {
	tests := []struct {
		raw  string
		want feed.RawValue
	}{
		{"12", "12"},
		{"<5", "5"},
		{"-", "-1"},
		{"*", "-1"},
		{" 7 ", "7"},
	}
	for _, tt := range tests {
		if got := scrubValue(tt.raw); got != tt.want {
			t.Errorf("scrubValue(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
