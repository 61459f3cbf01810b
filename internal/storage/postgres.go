package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
}

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres opens a connection pool and verifies it with a ping.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, sslMode)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping verifies the connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateSchema creates the PostgreSQL tables and indices.
func (s *PostgresStore) CreateSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sensors (
		id              BIGSERIAL PRIMARY KEY,
		source          TEXT NOT NULL,
		ex_id           TEXT NOT NULL DEFAULT '',
		description     TEXT NOT NULL DEFAULT '',
		longitude       DOUBLE PRECISION,
		latitude        DOUBLE PRECISION,
		geometry_wkt    TEXT NOT NULL DEFAULT '',
		confidential    BOOLEAN NOT NULL DEFAULT TRUE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	-- Sensors without an external identifier may repeat; identified ones
	-- must be unique per source namespace.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sensors_source_ex_id
		ON sensors(source, ex_id) WHERE ex_id <> '';

	CREATE TABLE IF NOT EXISTS datastreams (
		id              BIGSERIAL PRIMARY KEY,
		sensor_id       BIGINT NOT NULL REFERENCES sensors(id),
		ex_id           TEXT NOT NULL DEFAULT '',
		type            TEXT NOT NULL,
		unit            TEXT NOT NULL DEFAULT '',
		confidential    BOOLEAN NOT NULL DEFAULT TRUE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_datastreams_sensor_ex_id
		ON datastreams(sensor_id, ex_id) WHERE ex_id <> '';
	CREATE INDEX IF NOT EXISTS idx_datastreams_sensor ON datastreams(sensor_id);

	CREATE TABLE IF NOT EXISTS measurements (
		datastream_id   BIGINT NOT NULL REFERENCES datastreams(id),
		timestamp       TIMESTAMPTZ NOT NULL,
		value           DOUBLE PRECISION NOT NULL,
		confidential    BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (datastream_id, timestamp)
	);

	CREATE INDEX IF NOT EXISTS idx_measurements_timestamp ON measurements(timestamp);
	`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// SensorsByExternal looks up sensors by external identifier in one query.
func (s *PostgresStore) SensorsByExternal(ctx context.Context, source string, externalIDs []string) ([]Sensor, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, source, ex_id, description, longitude, latitude, geometry_wkt, confidential
		FROM sensors
		WHERE source = $1 AND ex_id = ANY($2)`, source, externalIDs)
	if err != nil {
		return nil, fmt.Errorf("lookup sensors: %w", err)
	}
	defer rows.Close()
	return scanSensors(rows)
}

// DatastreamsByExternal looks up datastreams by external identifier within
// one source namespace in one query.
func (s *PostgresStore) DatastreamsByExternal(ctx context.Context, source string, externalIDs []string) ([]Datastream, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT d.id, d.sensor_id, d.ex_id, d.type, d.unit, d.confidential
		FROM datastreams d
		JOIN sensors s ON s.id = d.sensor_id
		WHERE s.source = $1 AND d.ex_id = ANY($2)`, source, externalIDs)
	if err != nil {
		return nil, fmt.Errorf("lookup datastreams: %w", err)
	}
	defer rows.Close()
	return scanDatastreams(rows)
}

// DatastreamsBySensor returns all datastreams owned by the given sensors.
func (s *PostgresStore) DatastreamsBySensor(ctx context.Context, sensorIDs []int64) ([]Datastream, error) {
	if len(sensorIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, sensor_id, ex_id, type, unit, confidential
		FROM datastreams
		WHERE sensor_id = ANY($1)
		ORDER BY id`, sensorIDs)
	if err != nil {
		return nil, fmt.Errorf("lookup datastreams by sensor: %w", err)
	}
	defer rows.Close()
	return scanDatastreams(rows)
}

// CreateSensors bulk-inserts sensors, ignoring uniqueness conflicts, and
// returns the rows this call created. Rows created concurrently elsewhere
// are absent from the result.
func (s *PostgresStore) CreateSensors(ctx context.Context, sensors []Sensor) ([]Sensor, error) {
	if len(sensors) == 0 {
		return nil, nil
	}

	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`INSERT INTO sensors (source, ex_id, description, longitude, latitude, geometry_wkt, confidential) VALUES `)
	for i, sn := range sensors {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 7
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d)", base+1, base+2, base+3, base+4, base+5, base+6, base+7)
		args = append(args, sn.Source, sn.ExternalID, sn.Description, sn.Longitude, sn.Latitude, sn.GeometryWKT, sn.Confidential)
	}
	sb.WriteString(` ON CONFLICT DO NOTHING
		RETURNING id, source, ex_id, description, longitude, latitude, geometry_wkt, confidential`)

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("create sensors: %w", err)
	}
	defer rows.Close()
	return scanSensors(rows)
}

// CreateSensor inserts one sensor, returning ErrConflict when the
// (source, ex_id) pair already exists.
func (s *PostgresStore) CreateSensor(ctx context.Context, sn Sensor) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sensors (source, ex_id, description, longitude, latitude, geometry_wkt, confidential)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT DO NOTHING
		RETURNING id`,
		sn.Source, sn.ExternalID, sn.Description, sn.Longitude, sn.Latitude, sn.GeometryWKT, sn.Confidential).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrConflict
	}
	if err != nil {
		return 0, fmt.Errorf("create sensor: %w", err)
	}
	return id, nil
}

// CreateDatastreams bulk-inserts datastreams, ignoring uniqueness
// conflicts, and returns the rows this call created.
func (s *PostgresStore) CreateDatastreams(ctx context.Context, streams []Datastream) ([]Datastream, error) {
	if len(streams) == 0 {
		return nil, nil
	}

	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`INSERT INTO datastreams (sensor_id, ex_id, type, unit, confidential) VALUES `)
	for i, d := range streams {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 5
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d)", base+1, base+2, base+3, base+4, base+5)
		args = append(args, d.SensorID, d.ExternalID, d.Type, d.Unit, d.Confidential)
	}
	sb.WriteString(` ON CONFLICT DO NOTHING RETURNING id, sensor_id, ex_id, type, unit, confidential`)

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("create datastreams: %w", err)
	}
	defer rows.Close()
	return scanDatastreams(rows)
}

// CreateDatastream inserts one datastream, returning ErrConflict when the
// (sensor_id, ex_id) pair already exists.
func (s *PostgresStore) CreateDatastream(ctx context.Context, d Datastream) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO datastreams (sensor_id, ex_id, type, unit, confidential)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT DO NOTHING
		RETURNING id`,
		d.SensorID, d.ExternalID, d.Type, d.Unit, d.Confidential).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrConflict
	}
	if err != nil {
		return 0, fmt.Errorf("create datastream: %w", err)
	}
	return id, nil
}

// measurementChunk bounds the number of rows queued per round trip.
const measurementChunk = 5000

// InsertMeasurements appends measurements, skipping rows whose natural key
// already exists, and returns the number of rows actually written.
func (s *PostgresStore) InsertMeasurements(ctx context.Context, rows []Measurement) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	const insert = `
		INSERT INTO measurements (datastream_id, timestamp, value, confidential)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (datastream_id, timestamp) DO NOTHING`

	var written int64
	for start := 0; start < len(rows); start += measurementChunk {
		end := min(start+measurementChunk, len(rows))

		batch := &pgx.Batch{}
		for _, m := range rows[start:end] {
			batch.Queue(insert, m.DatastreamID, m.Timestamp, m.Value, m.Confidential)
		}

		res := s.pool.SendBatch(ctx, batch)
		for range rows[start:end] {
			tag, err := res.Exec()
			if err != nil {
				_ = res.Close()
				return written, fmt.Errorf("insert measurements: %w", err)
			}
			written += tag.RowsAffected()
		}
		if err := res.Close(); err != nil {
			return written, fmt.Errorf("insert measurements: %w", err)
		}
	}
	return written, nil
}

// LatestMeasurementTimes returns the most recent stored timestamp per
// datastream in one query.
func (s *PostgresStore) LatestMeasurementTimes(ctx context.Context, datastreamIDs []int64) (map[int64]time.Time, error) {
	result := make(map[int64]time.Time, len(datastreamIDs))
	if len(datastreamIDs) == 0 {
		return result, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT datastream_id, MAX(timestamp)
		FROM measurements
		WHERE datastream_id = ANY($1)
		GROUP BY datastream_id`, datastreamIDs)
	if err != nil {
		return nil, fmt.Errorf("latest measurement times: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id int64
			ts time.Time
		)
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, fmt.Errorf("scan latest time: %w", err)
		}
		result[id] = ts.UTC()
	}
	return result, rows.Err()
}

// ListSensors returns all sensors, optionally including confidential ones.
func (s *PostgresStore) ListSensors(ctx context.Context, includeConfidential bool) ([]Sensor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, source, ex_id, description, longitude, latitude, geometry_wkt, confidential
		FROM sensors
		WHERE confidential = FALSE OR $1
		ORDER BY id`, includeConfidential)
	if err != nil {
		return nil, fmt.Errorf("list sensors: %w", err)
	}
	defer rows.Close()
	return scanSensors(rows)
}

// GetSensor returns one sensor by internal id.
func (s *PostgresStore) GetSensor(ctx context.Context, id int64) (Sensor, error) {
	var sn Sensor
	err := s.pool.QueryRow(ctx, `
		SELECT id, source, ex_id, description, longitude, latitude, geometry_wkt, confidential
		FROM sensors WHERE id = $1`, id).
		Scan(&sn.ID, &sn.Source, &sn.ExternalID, &sn.Description, &sn.Longitude, &sn.Latitude, &sn.GeometryWKT, &sn.Confidential)
	if errors.Is(err, pgx.ErrNoRows) {
		return Sensor{}, ErrNotFound
	}
	if err != nil {
		return Sensor{}, fmt.Errorf("get sensor: %w", err)
	}
	return sn, nil
}

// ListDatastreams returns datastreams, optionally filtered by owning sensor.
func (s *PostgresStore) ListDatastreams(ctx context.Context, sensorID int64, includeConfidential bool) ([]Datastream, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, sensor_id, ex_id, type, unit, confidential
		FROM datastreams
		WHERE ($1 = 0 OR sensor_id = $1) AND (confidential = FALSE OR $2)
		ORDER BY id`, sensorID, includeConfidential)
	if err != nil {
		return nil, fmt.Errorf("list datastreams: %w", err)
	}
	defer rows.Close()
	return scanDatastreams(rows)
}

// GetDatastream returns one datastream by internal id.
func (s *PostgresStore) GetDatastream(ctx context.Context, id int64) (Datastream, error) {
	var d Datastream
	err := s.pool.QueryRow(ctx, `
		SELECT id, sensor_id, ex_id, type, unit, confidential
		FROM datastreams WHERE id = $1`, id).
		Scan(&d.ID, &d.SensorID, &d.ExternalID, &d.Type, &d.Unit, &d.Confidential)
	if errors.Is(err, pgx.ErrNoRows) {
		return Datastream{}, ErrNotFound
	}
	if err != nil {
		return Datastream{}, fmt.Errorf("get datastream: %w", err)
	}
	return d, nil
}

// ListMeasurements returns measurements for one datastream in a time range,
// newest first.
func (s *PostgresStore) ListMeasurements(ctx context.Context, q MeasurementQuery) ([]Measurement, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}
	from := q.From
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	to := q.To
	if to.IsZero() {
		to = time.Now().UTC().Add(24 * time.Hour)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT datastream_id, timestamp, value, confidential
		FROM measurements
		WHERE datastream_id = $1 AND timestamp >= $2 AND timestamp <= $3
		  AND (confidential = FALSE OR $4)
		ORDER BY timestamp DESC
		LIMIT $5`, q.DatastreamID, from, to, q.IncludeConfidential, limit)
	if err != nil {
		return nil, fmt.Errorf("list measurements: %w", err)
	}
	defer rows.Close()

	var out []Measurement
	for rows.Next() {
		var m Measurement
		if err := rows.Scan(&m.DatastreamID, &m.Timestamp, &m.Value, &m.Confidential); err != nil {
			return nil, fmt.Errorf("scan measurement: %w", err)
		}
		m.Timestamp = m.Timestamp.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanSensors(rows pgx.Rows) ([]Sensor, error) {
	var out []Sensor
	for rows.Next() {
		var sn Sensor
		if err := rows.Scan(&sn.ID, &sn.Source, &sn.ExternalID, &sn.Description, &sn.Longitude, &sn.Latitude, &sn.GeometryWKT, &sn.Confidential); err != nil {
			return nil, fmt.Errorf("scan sensor: %w", err)
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}

func scanDatastreams(rows pgx.Rows) ([]Datastream, error) {
	var out []Datastream
	for rows.Next() {
		var d Datastream
		if err := rows.Scan(&d.ID, &d.SensorID, &d.ExternalID, &d.Type, &d.Unit, &d.Confidential); err != nil {
			return nil, fmt.Errorf("scan datastream: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
