// Command mobility-api serves the read API over the collected data.
//
// This is a standalone REST server that exposes sensors, datastreams and
// measurements from the relational store. Confidential data is never
// returned.
//
// Usage:
//
//	mobility-api [-config crawler.yaml]
//
// API Endpoints:
//
//	GET /api/v1/health
//	    Health check endpoint.
//
//	GET /api/v1/sensors
//	    List all public sensors.
//
//	GET /api/v1/sensors/{id}
//	    Get one sensor.
//
//	GET /api/v1/sensors/{id}/datastreams
//	    List a sensor's datastreams.
//
//	GET /api/v1/datastreams[?sensor_id=N]
//	    List datastreams, optionally filtered by owning sensor.
//
//	GET /api/v1/datastreams/{id}
//	    Get one datastream.
//
//	GET /api/v1/measurements?datastream_id=N[&from=...&to=...&limit=N]
//	    List measurements for a datastream, newest first. Timestamps
//	    are RFC 3339.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"mobility_hub/internal/api"
	"mobility_hub/internal/config"
	"mobility_hub/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "Config file path (overrides CONFIG_PATH and defaults)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Logging)

	ctx := context.Background()
	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("could not open store")
	}
	defer func() { _ = store.Close() }()

	server := api.New(store, cfg.Server, log)
	if err := server.Run(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return storage.OpenSQLite(cfg.Path)
	case "postgres":
		pg, err := storage.OpenPostgres(ctx, storage.PostgresConfig{
			Host:     cfg.Host,
			Port:     cfg.Port,
			Database: cfg.Name,
			User:     cfg.User,
			Password: cfg.Password,
			SSLMode:  cfg.SSLMode,
		})
		if err != nil {
			return nil, err
		}
		if err := pg.CreateSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var log zerolog.Logger
	if cfg.Format == "console" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}
