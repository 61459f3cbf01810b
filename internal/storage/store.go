// Package storage provides persistent storage for sensors, datastreams and
// measurements. PostgreSQL is the production store, SQLite serves embedded
// single-node deployments and the test suite, and ClickHouse acts as an
// optional append-only measurement archive for analytics.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned by single-row creates when a uniqueness
// constraint fires. Callers treat it as "entity now exists" and re-resolve.
var ErrConflict = errors.New("storage: already exists")

// Sensor is one physical or virtual measurement point.
// ExternalID is empty for sensors without an identifier in their source's
// namespace (manually created entries).
type Sensor struct {
	ID           int64
	Source       string
	ExternalID   string
	Description  string
	Longitude    *float64
	Latitude     *float64
	GeometryWKT  string
	Confidential bool
}

// Datastream is one typed, unit-bearing channel owned by a sensor.
type Datastream struct {
	ID           int64
	SensorID     int64
	ExternalID   string
	Type         string
	Unit         string
	Confidential bool
}

// Measurement is one timestamped scalar reading. (DatastreamID, Timestamp)
// is the natural key; a second write for the same key is ignored.
type Measurement struct {
	DatastreamID int64
	Timestamp    time.Time
	Value        float64
	Confidential bool
}

// MeasurementQuery selects measurements for the read API.
type MeasurementQuery struct {
	DatastreamID        int64
	From                time.Time // zero = unbounded
	To                  time.Time // zero = unbounded
	Limit               int       // 0 = server default
	IncludeConfidential bool
}

// Store is the upsert-capable interface the ingestion core writes through
// and the read API reads from.
type Store interface {
	// Bulk identity lookups. One round trip regardless of input size;
	// unknown identifiers are simply absent from the result.
	SensorsByExternal(ctx context.Context, source string, externalIDs []string) ([]Sensor, error)
	DatastreamsByExternal(ctx context.Context, source string, externalIDs []string) ([]Datastream, error)
	DatastreamsBySensor(ctx context.Context, sensorIDs []int64) ([]Datastream, error)

	// Insert-or-ignore creation. The bulk variants return only the rows this
	// call actually created; rows lost to a concurrent creator are absent and
	// must be re-resolved. The single-row variants return ErrConflict instead.
	CreateSensors(ctx context.Context, sensors []Sensor) ([]Sensor, error)
	CreateSensor(ctx context.Context, s Sensor) (int64, error)
	CreateDatastreams(ctx context.Context, streams []Datastream) ([]Datastream, error)
	CreateDatastream(ctx context.Context, d Datastream) (int64, error)

	// InsertMeasurements appends rows, silently skipping natural-key
	// conflicts, and reports how many rows were actually written.
	InsertMeasurements(ctx context.Context, rows []Measurement) (int64, error)

	// LatestMeasurementTimes returns the most recent stored timestamp per
	// datastream; datastreams without measurements are absent.
	LatestMeasurementTimes(ctx context.Context, datastreamIDs []int64) (map[int64]time.Time, error)

	// Read API queries.
	ListSensors(ctx context.Context, includeConfidential bool) ([]Sensor, error)
	GetSensor(ctx context.Context, id int64) (Sensor, error)
	ListDatastreams(ctx context.Context, sensorID int64, includeConfidential bool) ([]Datastream, error)
	GetDatastream(ctx context.Context, id int64) (Datastream, error)
	ListMeasurements(ctx context.Context, q MeasurementQuery) ([]Measurement, error)

	Ping(ctx context.Context) error
	Close() error
}
