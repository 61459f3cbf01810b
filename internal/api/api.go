// Package api provides REST API endpoints for sensor and measurement data.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"mobility_hub/internal/config"
	"mobility_hub/internal/storage"
)

// defaultMeasurementLimit caps measurement responses when the client does
// not pass a limit of its own.
const defaultMeasurementLimit = 1000

// maxMeasurementLimit is the hard ceiling for a single measurement query.
const maxMeasurementLimit = 10000

// Server provides REST API access to the stored sensor network data.
// Confidential sensors, datastreams and measurements are never exposed.
type Server struct {
	store   storage.Store
	host    string
	port    int
	timeout time.Duration
	log     zerolog.Logger
}

// New creates a read API server over the given store.
func New(store storage.Store, cfg config.ServerConfig, log zerolog.Logger) *Server {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Server{
		store:   store,
		host:    cfg.Host,
		port:    cfg.Port,
		timeout: timeout,
		log:     log,
	}
}

// Run starts the HTTP server and blocks until it fails.
func (s *Server) Run() error {
	r := chi.NewRouter()

	// Standard middleware.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(s.timeout))

	// CORS for browser access.
	r.Use(corsMiddleware)

	r.Mount("/api/v1", s.Router())

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.log.Info().Str("addr", addr).Msg("read API starting")

	return http.ListenAndServe(addr, r)
}

// Router returns the configured chi router for embedding in other servers
// and tests.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/sensors", s.handleListSensors)
	r.Get("/sensors/{id}", s.handleGetSensor)
	r.Get("/sensors/{id}/datastreams", s.handleListSensorDatastreams)
	r.Get("/datastreams", s.handleListDatastreams)
	r.Get("/datastreams/{id}", s.handleGetDatastream)
	r.Get("/measurements", s.handleListMeasurements)

	return r
}

// corsMiddleware adds CORS headers for browser access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// SensorResponse is the JSON representation of one sensor.
type SensorResponse struct {
	ID          int64    `json:"id"`
	Source      string   `json:"source"`
	ExternalID  string   `json:"external_id,omitempty"`
	Description string   `json:"description,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Geometry    string   `json:"geometry,omitempty"` // WKT
}

// DatastreamResponse is the JSON representation of one datastream.
type DatastreamResponse struct {
	ID         int64  `json:"id"`
	SensorID   int64  `json:"sensor_id"`
	ExternalID string `json:"external_id,omitempty"`
	Type       string `json:"type"`
	Unit       string `json:"unit"`
}

// MeasurementResponse is the JSON representation of one measurement.
type MeasurementResponse struct {
	DatastreamID int64   `json:"datastream_id"`
	Timestamp    string  `json:"timestamp"`
	Value        float64 `json:"value"`
}

func sensorToResponse(s storage.Sensor) SensorResponse {
	return SensorResponse{
		ID:          s.ID,
		Source:      s.Source,
		ExternalID:  s.ExternalID,
		Description: s.Description,
		Longitude:   s.Longitude,
		Latitude:    s.Latitude,
		Geometry:    s.GeometryWKT,
	}
}

func datastreamToResponse(d storage.Datastream) DatastreamResponse {
	return DatastreamResponse{
		ID:         d.ID,
		SensorID:   d.SensorID,
		ExternalID: d.ExternalID,
		Type:       d.Type,
		Unit:       d.Unit,
	}
}

func measurementToResponse(m storage.Measurement) MeasurementResponse {
	return MeasurementResponse{
		DatastreamID: m.DatastreamID,
		Timestamp:    m.Timestamp.UTC().Format(time.RFC3339Nano),
		Value:        m.Value,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListSensors(w http.ResponseWriter, r *http.Request) {
	sensors, err := s.store.ListSensors(r.Context(), false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	results := make([]SensorResponse, 0, len(sensors))
	for _, sensor := range sensors {
		results = append(results, sensorToResponse(sensor))
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleGetSensor(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	sensor, err := s.store.GetSensor(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if sensor.Confidential {
		writeError(w, http.StatusNotFound, "sensor not found")
		return
	}

	writeJSON(w, http.StatusOK, sensorToResponse(sensor))
}

func (s *Server) handleListSensorDatastreams(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	// A confidential or missing sensor has no visible datastreams.
	sensor, err := s.store.GetSensor(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if sensor.Confidential {
		writeError(w, http.StatusNotFound, "sensor not found")
		return
	}

	s.writeDatastreams(w, r, id)
}

func (s *Server) handleListDatastreams(w http.ResponseWriter, r *http.Request) {
	var sensorID int64
	if raw := r.URL.Query().Get("sensor_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid sensor_id")
			return
		}
		sensorID = parsed
	}
	s.writeDatastreams(w, r, sensorID)
}

func (s *Server) writeDatastreams(w http.ResponseWriter, r *http.Request, sensorID int64) {
	streams, err := s.store.ListDatastreams(r.Context(), sensorID, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	results := make([]DatastreamResponse, 0, len(streams))
	for _, stream := range streams {
		results = append(results, datastreamToResponse(stream))
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleGetDatastream(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	stream, err := s.store.GetDatastream(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if stream.Confidential {
		writeError(w, http.StatusNotFound, "datastream not found")
		return
	}

	writeJSON(w, http.StatusOK, datastreamToResponse(stream))
}

func (s *Server) handleListMeasurements(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	rawID := query.Get("datastream_id")
	if rawID == "" {
		writeError(w, http.StatusBadRequest, "datastream_id is required")
		return
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid datastream_id")
		return
	}

	// Confidential datastreams do not exist as far as the API is concerned.
	stream, err := s.store.GetDatastream(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if stream.Confidential {
		writeError(w, http.StatusNotFound, "datastream not found")
		return
	}

	q := storage.MeasurementQuery{DatastreamID: id, Limit: defaultMeasurementLimit}

	if raw := query.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from timestamp (use RFC 3339)")
			return
		}
		q.From = t
	}
	if raw := query.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to timestamp (use RFC 3339)")
			return
		}
		q.To = t
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if limit > maxMeasurementLimit {
			limit = maxMeasurementLimit
		}
		q.Limit = limit
	}

	measurements, err := s.store.ListMeasurements(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	results := make([]MeasurementResponse, 0, len(measurements))
	for _, m := range measurements {
		results = append(results, measurementToResponse(m))
	}
	writeJSON(w, http.StatusOK, results)
}

// Helper functions.

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
