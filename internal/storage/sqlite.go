package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on an embedded SQLite database. It serves
// single-node deployments and the test suite; semantics match PostgresStore.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens or creates a SQLite database at the given path and
// creates the schema. Use ":memory:" for throwaway instances.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent access.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := createSQLiteSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func createSQLiteSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sensors (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		source          TEXT NOT NULL,
		ex_id           TEXT NOT NULL DEFAULT '',
		description     TEXT NOT NULL DEFAULT '',
		longitude       REAL,
		latitude        REAL,
		geometry_wkt    TEXT NOT NULL DEFAULT '',
		confidential    INTEGER NOT NULL DEFAULT 1,
		created_at      TEXT DEFAULT (datetime('now'))
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_sensors_source_ex_id
		ON sensors(source, ex_id) WHERE ex_id <> '';

	CREATE TABLE IF NOT EXISTS datastreams (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		sensor_id       INTEGER NOT NULL REFERENCES sensors(id),
		ex_id           TEXT NOT NULL DEFAULT '',
		type            TEXT NOT NULL,
		unit            TEXT NOT NULL DEFAULT '',
		confidential    INTEGER NOT NULL DEFAULT 1,
		created_at      TEXT DEFAULT (datetime('now'))
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_datastreams_sensor_ex_id
		ON datastreams(sensor_id, ex_id) WHERE ex_id <> '';
	CREATE INDEX IF NOT EXISTS idx_datastreams_sensor ON datastreams(sensor_id);

	CREATE TABLE IF NOT EXISTS measurements (
		datastream_id   INTEGER NOT NULL REFERENCES datastreams(id),
		timestamp       TEXT NOT NULL,
		value           REAL NOT NULL,
		confidential    INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (datastream_id, timestamp)
	);

	CREATE INDEX IF NOT EXISTS idx_measurements_timestamp ON measurements(timestamp);
	`
	_, err := db.Exec(schema)
	return err
}

// sqliteTime is the canonical timestamp encoding; lexicographic order
// matches chronological order so range queries work on TEXT.
const sqliteTime = "2006-01-02 15:04:05.000"

func encodeTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(sqliteTime, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode timestamp %q: %w", s, err)
	}
	return t, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// SensorsByExternal looks up sensors by external identifier in one query.
func (s *SQLiteStore) SensorsByExternal(ctx context.Context, source string, externalIDs []string) ([]Sensor, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(externalIDs)+1)
	args = append(args, source)
	for _, id := range externalIDs {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, ex_id, description, longitude, latitude, geometry_wkt, confidential
		FROM sensors
		WHERE source = ? AND ex_id IN (`+placeholders(len(externalIDs))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup sensors: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSensorRows(rows)
}

// DatastreamsByExternal looks up datastreams by external identifier within
// one source namespace in one query.
func (s *SQLiteStore) DatastreamsByExternal(ctx context.Context, source string, externalIDs []string) ([]Datastream, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(externalIDs)+1)
	args = append(args, source)
	for _, id := range externalIDs {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.sensor_id, d.ex_id, d.type, d.unit, d.confidential
		FROM datastreams d
		JOIN sensors s ON s.id = d.sensor_id
		WHERE s.source = ? AND d.ex_id IN (`+placeholders(len(externalIDs))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup datastreams: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanDatastreamRows(rows)
}

// DatastreamsBySensor returns all datastreams owned by the given sensors.
func (s *SQLiteStore) DatastreamsBySensor(ctx context.Context, sensorIDs []int64) ([]Datastream, error) {
	if len(sensorIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(sensorIDs))
	for _, id := range sensorIDs {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sensor_id, ex_id, type, unit, confidential
		FROM datastreams
		WHERE sensor_id IN (`+placeholders(len(sensorIDs))+`)
		ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup datastreams by sensor: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanDatastreamRows(rows)
}

// CreateSensors bulk-inserts sensors inside one transaction, skipping
// uniqueness conflicts, and returns the rows actually created.
func (s *SQLiteStore) CreateSensors(ctx context.Context, sensors []Sensor) ([]Sensor, error) {
	if len(sensors) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var created []Sensor
	for _, sn := range sensors {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO sensors (source, ex_id, description, longitude, latitude, geometry_wkt, confidential)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sn.Source, sn.ExternalID, sn.Description, sn.Longitude, sn.Latitude, sn.GeometryWKT, sn.Confidential)
		if err != nil {
			return nil, fmt.Errorf("create sensor: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			continue
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("last insert id: %w", err)
		}
		sn.ID = id
		created = append(created, sn)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return created, nil
}

// CreateSensor inserts one sensor, returning ErrConflict when the
// (source, ex_id) pair already exists.
func (s *SQLiteStore) CreateSensor(ctx context.Context, sn Sensor) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO sensors (source, ex_id, description, longitude, latitude, geometry_wkt, confidential)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sn.Source, sn.ExternalID, sn.Description, sn.Longitude, sn.Latitude, sn.GeometryWKT, sn.Confidential)
	if err != nil {
		return 0, fmt.Errorf("create sensor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return 0, ErrConflict
	}
	return res.LastInsertId()
}

// CreateDatastreams bulk-inserts datastreams inside one transaction,
// skipping uniqueness conflicts, and returns the rows actually created.
func (s *SQLiteStore) CreateDatastreams(ctx context.Context, streams []Datastream) ([]Datastream, error) {
	if len(streams) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var created []Datastream
	for _, d := range streams {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO datastreams (sensor_id, ex_id, type, unit, confidential)
			VALUES (?, ?, ?, ?, ?)`,
			d.SensorID, d.ExternalID, d.Type, d.Unit, d.Confidential)
		if err != nil {
			return nil, fmt.Errorf("create datastream: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			continue
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("last insert id: %w", err)
		}
		d.ID = id
		created = append(created, d)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return created, nil
}

// CreateDatastream inserts one datastream, returning ErrConflict when the
// (sensor_id, ex_id) pair already exists.
func (s *SQLiteStore) CreateDatastream(ctx context.Context, d Datastream) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO datastreams (sensor_id, ex_id, type, unit, confidential)
		VALUES (?, ?, ?, ?, ?)`,
		d.SensorID, d.ExternalID, d.Type, d.Unit, d.Confidential)
	if err != nil {
		return 0, fmt.Errorf("create datastream: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return 0, ErrConflict
	}
	return res.LastInsertId()
}

// InsertMeasurements appends measurements, skipping rows whose natural key
// already exists, and returns the number of rows actually written.
func (s *SQLiteStore) InsertMeasurements(ctx context.Context, rows []Measurement) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO measurements (datastream_id, timestamp, value, confidential)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	var written int64
	for _, m := range rows {
		res, err := stmt.ExecContext(ctx, m.DatastreamID, encodeTime(m.Timestamp), m.Value, m.Confidential)
		if err != nil {
			return written, fmt.Errorf("insert measurement: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return written, fmt.Errorf("rows affected: %w", err)
		}
		written += n
	}

	if err := tx.Commit(); err != nil {
		return written, fmt.Errorf("commit: %w", err)
	}
	return written, nil
}

// LatestMeasurementTimes returns the most recent stored timestamp per
// datastream in one query.
func (s *SQLiteStore) LatestMeasurementTimes(ctx context.Context, datastreamIDs []int64) (map[int64]time.Time, error) {
	result := make(map[int64]time.Time, len(datastreamIDs))
	if len(datastreamIDs) == 0 {
		return result, nil
	}
	args := make([]any, 0, len(datastreamIDs))
	for _, id := range datastreamIDs {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT datastream_id, MAX(timestamp)
		FROM measurements
		WHERE datastream_id IN (`+placeholders(len(datastreamIDs))+`)
		GROUP BY datastream_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("latest measurement times: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			id int64
			ts string
		)
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, fmt.Errorf("scan latest time: %w", err)
		}
		t, err := decodeTime(ts)
		if err != nil {
			return nil, err
		}
		result[id] = t
	}
	return result, rows.Err()
}

// ListSensors returns all sensors, optionally including confidential ones.
func (s *SQLiteStore) ListSensors(ctx context.Context, includeConfidential bool) ([]Sensor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, ex_id, description, longitude, latitude, geometry_wkt, confidential
		FROM sensors
		WHERE confidential = 0 OR ?
		ORDER BY id`, includeConfidential)
	if err != nil {
		return nil, fmt.Errorf("list sensors: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSensorRows(rows)
}

// GetSensor returns one sensor by internal id.
func (s *SQLiteStore) GetSensor(ctx context.Context, id int64) (Sensor, error) {
	var sn Sensor
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source, ex_id, description, longitude, latitude, geometry_wkt, confidential
		FROM sensors WHERE id = ?`, id).
		Scan(&sn.ID, &sn.Source, &sn.ExternalID, &sn.Description, &sn.Longitude, &sn.Latitude, &sn.GeometryWKT, &sn.Confidential)
	if err == sql.ErrNoRows {
		return Sensor{}, ErrNotFound
	}
	if err != nil {
		return Sensor{}, fmt.Errorf("get sensor: %w", err)
	}
	return sn, nil
}

// ListDatastreams returns datastreams, optionally filtered by owning sensor.
func (s *SQLiteStore) ListDatastreams(ctx context.Context, sensorID int64, includeConfidential bool) ([]Datastream, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sensor_id, ex_id, type, unit, confidential
		FROM datastreams
		WHERE (? = 0 OR sensor_id = ?) AND (confidential = 0 OR ?)
		ORDER BY id`, sensorID, sensorID, includeConfidential)
	if err != nil {
		return nil, fmt.Errorf("list datastreams: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanDatastreamRows(rows)
}

// GetDatastream returns one datastream by internal id.
func (s *SQLiteStore) GetDatastream(ctx context.Context, id int64) (Datastream, error) {
	var d Datastream
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sensor_id, ex_id, type, unit, confidential
		FROM datastreams WHERE id = ?`, id).
		Scan(&d.ID, &d.SensorID, &d.ExternalID, &d.Type, &d.Unit, &d.Confidential)
	if err == sql.ErrNoRows {
		return Datastream{}, ErrNotFound
	}
	if err != nil {
		return Datastream{}, fmt.Errorf("get datastream: %w", err)
	}
	return d, nil
}

// ListMeasurements returns measurements for one datastream in a time range,
// newest first.
func (s *SQLiteStore) ListMeasurements(ctx context.Context, q MeasurementQuery) ([]Measurement, error) {
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

	rows, err := s.db.QueryContext(ctx, `
		SELECT datastream_id, timestamp, value, confidential
		FROM measurements
		WHERE datastream_id = ? AND timestamp >= ? AND timestamp <= ?
		  AND (confidential = 0 OR ?)
		ORDER BY timestamp DESC
		LIMIT ?`, q.DatastreamID, encodeTime(from), encodeTime(to), q.IncludeConfidential, limit)
	if err != nil {
		return nil, fmt.Errorf("list measurements: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Measurement
	for rows.Next() {
		var (
			m  Measurement
			ts string
		)
		if err := rows.Scan(&m.DatastreamID, &ts, &m.Value, &m.Confidential); err != nil {
			return nil, fmt.Errorf("scan measurement: %w", err)
		}
		t, err := decodeTime(ts)
		if err != nil {
			return nil, err
		}
		m.Timestamp = t
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanSensorRows(rows *sql.Rows) ([]Sensor, error) {
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

func scanDatastreamRows(rows *sql.Rows) ([]Datastream, error) {
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
