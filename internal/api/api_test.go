package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mobility_hub/internal/config"
	"mobility_hub/internal/storage"
)

// setupTestServer seeds a SQLite store with one public and one
// confidential sensor, each carrying a datastream and measurements.
func setupTestServer(t *testing.T) (*httptest.Server, map[string]int64) {
	t.Helper()

	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	ids := make(map[string]int64)

	lon, lat := 6.084, 50.776
	publicSensor, err := store.CreateSensor(ctx, storage.Sensor{
		Source:      "community",
		ExternalID:  "81234",
		Description: "Nova Fitness - SDS011",
		Longitude:   &lon,
		Latitude:    &lat,
		GeometryWKT: "POINT (6.084 50.776)",
	})
	if err != nil {
		t.Fatal(err)
	}
	ids["public_sensor"] = publicSensor

	secretSensor, err := store.CreateSensor(ctx, storage.Sensor{
		Source:       "frost",
		ExternalID:   "99",
		Description:  "charging station",
		Confidential: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	ids["secret_sensor"] = secretSensor

	publicStream, err := store.CreateDatastream(ctx, storage.Datastream{
		SensorID: publicSensor, Type: "P1", Unit: "µg/m³",
	})
	if err != nil {
		t.Fatal(err)
	}
	ids["public_stream"] = publicStream

	secretStream, err := store.CreateDatastream(ctx, storage.Datastream{
		SensorID: secretSensor, ExternalID: "d99", Type: "E-Ladestation", Unit: "status", Confidential: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	ids["secret_stream"] = secretStream

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if _, err := store.InsertMeasurements(ctx, []storage.Measurement{
		{DatastreamID: publicStream, Timestamp: base, Value: 12.4},
		{DatastreamID: publicStream, Timestamp: base.Add(time.Hour), Value: 13.1},
		{DatastreamID: publicStream, Timestamp: base.Add(2 * time.Hour), Value: 11.9},
		{DatastreamID: secretStream, Timestamp: base, Value: 1, Confidential: true},
	}); err != nil {
		t.Fatal(err)
	}

	server := New(store, config.ServerConfig{Timeout: 5 * time.Second}, zerolog.Nop())
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return ts, ids
}

func get(t *testing.T, ts *httptest.Server, path string, wantStatus int, out interface{}) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s: status %d, want %d", path, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("GET %s: decode: %v", path, err)
		}
	}
}

func TestHealth(t *testing.T) {
	ts, _ := setupTestServer(t)

	var body map[string]string
	get(t, ts, "/health", http.StatusOK, &body)
	if body["status"] != "ok" {
		t.Errorf("status = %q", body["status"])
	}
	if _, err := time.Parse(time.RFC3339, body["time"]); err != nil {
		t.Errorf("time %q not RFC 3339: %v", body["time"], err)
	}
}

func TestListSensors_HidesConfidential(t *testing.T) {
	ts, ids := setupTestServer(t)

	var sensors []SensorResponse
	get(t, ts, "/sensors", http.StatusOK, &sensors)
	if len(sensors) != 1 {
		t.Fatalf("got %d sensors, want 1", len(sensors))
	}
	got := sensors[0]
	if got.ID != ids["public_sensor"] || got.Source != "community" || got.ExternalID != "81234" {
		t.Errorf("sensor = %+v", got)
	}
	if got.Longitude == nil || *got.Longitude != 6.084 {
		t.Errorf("longitude = %v", got.Longitude)
	}
	if got.Geometry != "POINT (6.084 50.776)" {
		t.Errorf("geometry = %q", got.Geometry)
	}
}

func TestGetSensor(t *testing.T) {
	ts, ids := setupTestServer(t)

	var sensor SensorResponse
	get(t, ts, "/sensors/"+itoa(ids["public_sensor"]), http.StatusOK, &sensor)
	if sensor.Description != "Nova Fitness - SDS011" {
		t.Errorf("description = %q", sensor.Description)
	}

	// Confidential and missing sensors are indistinguishable.
	get(t, ts, "/sensors/"+itoa(ids["secret_sensor"]), http.StatusNotFound, nil)
	get(t, ts, "/sensors/123456", http.StatusNotFound, nil)
	get(t, ts, "/sensors/abc", http.StatusBadRequest, nil)
}

func TestListDatastreams(t *testing.T) {
	ts, ids := setupTestServer(t)

	var streams []DatastreamResponse
	get(t, ts, "/datastreams", http.StatusOK, &streams)
	if len(streams) != 1 {
		t.Fatalf("got %d datastreams, want 1", len(streams))
	}
	if streams[0].ID != ids["public_stream"] || streams[0].Type != "P1" || streams[0].Unit != "µg/m³" {
		t.Errorf("datastream = %+v", streams[0])
	}

	// Filtered by owning sensor, both spellings.
	streams = nil
	get(t, ts, "/datastreams?sensor_id="+itoa(ids["public_sensor"]), http.StatusOK, &streams)
	if len(streams) != 1 {
		t.Errorf("sensor filter returned %d datastreams", len(streams))
	}
	streams = nil
	get(t, ts, "/sensors/"+itoa(ids["public_sensor"])+"/datastreams", http.StatusOK, &streams)
	if len(streams) != 1 {
		t.Errorf("nested route returned %d datastreams", len(streams))
	}

	// The confidential sensor's datastreams stay hidden either way.
	get(t, ts, "/sensors/"+itoa(ids["secret_sensor"])+"/datastreams", http.StatusNotFound, nil)
	streams = nil
	get(t, ts, "/datastreams?sensor_id="+itoa(ids["secret_sensor"]), http.StatusOK, &streams)
	if len(streams) != 0 {
		t.Errorf("confidential datastreams leaked: %+v", streams)
	}

	get(t, ts, "/datastreams/"+itoa(ids["secret_stream"]), http.StatusNotFound, nil)
}

func TestListMeasurements(t *testing.T) {
	ts, ids := setupTestServer(t)
	streamID := itoa(ids["public_stream"])

	var measurements []MeasurementResponse
	get(t, ts, "/measurements?datastream_id="+streamID, http.StatusOK, &measurements)
	if len(measurements) != 3 {
		t.Fatalf("got %d measurements, want 3", len(measurements))
	}
	// Newest first.
	if measurements[0].Value != 11.9 || measurements[2].Value != 12.4 {
		t.Errorf("measurements out of order: %+v", measurements)
	}

	measurements = nil
	get(t, ts, "/measurements?datastream_id="+streamID+"&limit=1", http.StatusOK, &measurements)
	if len(measurements) != 1 || measurements[0].Value != 11.9 {
		t.Errorf("limited query = %+v", measurements)
	}

	measurements = nil
	get(t, ts,
		"/measurements?datastream_id="+streamID+"&from=2024-03-01T10:30:00Z&to=2024-03-01T11:30:00Z",
		http.StatusOK, &measurements)
	if len(measurements) != 1 || measurements[0].Value != 13.1 {
		t.Errorf("windowed query = %+v", measurements)
	}

	get(t, ts, "/measurements", http.StatusBadRequest, nil)
	get(t, ts, "/measurements?datastream_id=abc", http.StatusBadRequest, nil)
	get(t, ts, "/measurements?datastream_id="+streamID+"&from=yesterday", http.StatusBadRequest, nil)
	get(t, ts, "/measurements?datastream_id="+itoa(ids["secret_stream"]), http.StatusNotFound, nil)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
