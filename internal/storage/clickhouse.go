package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// Archive is an optional append-only measurement sink for analytics. The
// relational store remains the system of record; archive failures are
// logged by callers and never fail an ingestion run.
type Archive struct {
	conn driver.Conn
}

// Conn returns the underlying ClickHouse connection for direct queries.
func (a *Archive) Conn() driver.Conn {
	return a.conn
}

// OpenClickHouse opens a connection to ClickHouse.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*Archive, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &Archive{conn: conn}, nil
}

// Close closes the ClickHouse connection.
func (a *Archive) Close() error {
	return a.conn.Close()
}

// CreateSchema creates the ClickHouse tables.
func (a *Archive) CreateSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS measurements (
			datastream_id   UInt64,
			source          LowCardinality(String),
			type            LowCardinality(String),
			unit            LowCardinality(String),
			timestamp       DateTime64(3),
			value           Float64,
			recorded_at     DateTime64(3) DEFAULT now64(3)
		)
		ENGINE = MergeTree()
		PARTITION BY toYYYYMM(timestamp)
		ORDER BY (source, type, datastream_id, timestamp)
		SETTINGS index_granularity = 8192`,
	}

	for _, q := range queries {
		if err := a.conn.Exec(ctx, q); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// ArchiveRow is one measurement as stored in ClickHouse, denormalized with
// the owning datastream's source, type and unit.
type ArchiveRow struct {
	DatastreamID uint64
	Source       string
	Type         string
	Unit         string
	Timestamp    time.Time
	Value        float64
}

// InsertBatch stores multiple measurements in ClickHouse efficiently. The
// archive is insert-only; duplicate rows are tolerated and collapsed by
// readers, not prevented here.
func (a *Archive) InsertBatch(ctx context.Context, rows []ArchiveRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := a.conn.PrepareBatch(ctx, `
		INSERT INTO measurements (datastream_id, source, type, unit, timestamp, value)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, r := range rows {
		if err := batch.Append(r.DatastreamID, r.Source, r.Type, r.Unit, r.Timestamp, r.Value); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// Count returns the total number of archived measurements, optionally
// filtered by source.
func (a *Archive) Count(ctx context.Context, source string) (uint64, error) {
	var count uint64
	var err error
	if source != "" {
		row := a.conn.QueryRow(ctx, "SELECT count() FROM measurements WHERE source = ?", source)
		err = row.Scan(&count)
	} else {
		row := a.conn.QueryRow(ctx, "SELECT count() FROM measurements")
		err = row.Scan(&count)
	}
	return count, err
}

// CountBySource returns archived measurement counts grouped by source.
func (a *Archive) CountBySource(ctx context.Context) (map[string]uint64, error) {
	counts := make(map[string]uint64)
	rows, err := a.conn.Query(ctx, "SELECT source, count() FROM measurements GROUP BY source")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var src string
		var count uint64
		if err := rows.Scan(&src, &count); err != nil {
			return nil, fmt.Errorf("scan count by source: %w", err)
		}
		counts[src] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate count by source: %w", err)
	}
	return counts, nil
}
