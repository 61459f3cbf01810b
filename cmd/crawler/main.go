// Command crawler runs the data collection pipelines.
//
// Every source enabled in the configuration gets its own pipeline: pull
// sources tick on their configured interval, push sources process
// messages as they arrive. All pipelines write through the same
// reconciliation and ingestion layers into one relational store, with an
// optional ClickHouse archive mirroring measurements for analytics.
//
// Configuration is layered: built-in defaults, then the YAML file found
// via CONFIG_PATH or the default search paths, then environment
// variables. A .env file in the working directory is loaded first.
//
// Usage:
//
//	crawler [-config crawler.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"mobility_hub/internal/config"
	"mobility_hub/internal/ingest"
	"mobility_hub/internal/reconcile"
	"mobility_hub/internal/scheduler"
	"mobility_hub/internal/sources"
	"mobility_hub/internal/storage"

	// Register all source adapters via init().
	_ "mobility_hub/internal/sources/boxes"
	_ "mobility_hub/internal/sources/community"
	_ "mobility_hub/internal/sources/frost"
	_ "mobility_hub/internal/sources/inrix"
	_ "mobility_hub/internal/sources/lanuv"
)

func main() {
	configPath := flag.String("config", "", "Config file path (overrides CONFIG_PATH and defaults)")
	flag.Parse()

	// Local development convenience; absence of a .env file is fine.
	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("could not open store")
	}
	defer func() { _ = store.Close() }()

	var archive *storage.Archive
	if cfg.ClickHouse.Enabled {
		archive, err = storage.OpenClickHouse(ctx, storage.ClickHouseConfig{
			Host:     cfg.ClickHouse.Host,
			Port:     cfg.ClickHouse.Port,
			Database: cfg.ClickHouse.Database,
			User:     cfg.ClickHouse.User,
			Password: cfg.ClickHouse.Password,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("could not open archive")
		}
		defer func() { _ = archive.Close() }()
		if err := archive.CreateSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("could not create archive schema")
		}
	}

	reconciler := reconcile.New(store, log)
	ingestor := ingest.New(store, archive, log)
	registry := sources.Default()

	var runner scheduler.Runner
	enabled := 0
	for name, src := range cfg.Sources {
		if !src.Enabled {
			continue
		}
		if !registry.Has(name) {
			log.Warn().Str("source", name).Msg("unknown source in config, skipping")
			continue
		}

		if registry.IsPush(name) {
			pusher, err := registry.BuildPush(name, src, log)
			if err != nil {
				log.Fatal().Err(err).Str("source", name).Msg("could not build push source")
			}
			runner.AddPush(scheduler.NewPushPipeline(pusher, reconciler, ingestor, log))
		} else {
			adapter, err := registry.Build(name, src, log)
			if err != nil {
				log.Fatal().Err(err).Str("source", name).Msg("could not build source")
			}
			start, err := src.StartTime()
			if err != nil {
				log.Fatal().Err(err).Str("source", name).Msg("invalid default_start")
			}
			watermarks := scheduler.NewStoreWatermarks(name, store)
			runner.Add(scheduler.NewPipeline(adapter, reconciler, ingestor, watermarks, src.Interval, start, log))
		}
		enabled++
		log.Info().Str("source", name).Msg("source enabled")
	}

	if enabled == 0 {
		log.Fatal().Msg("no sources enabled, nothing to do")
	}

	log.Info().Int("sources", enabled).Msg("crawler starting")
	runner.Run(ctx)
	log.Info().Msg("crawler stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// openStore opens the relational store the config selects and makes sure
// its schema exists.
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
