// Package config loads crawler and API configuration. Precedence is
// environment over YAML file over built-in defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where the config file is searched, in order.
var DefaultConfigPaths = []string{
	"crawler.yaml",
	"crawler.yml",
	"/etc/mobility-hub/crawler.yaml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Config is the full process configuration.
type Config struct {
	Database   DatabaseConfig    `koanf:"database"`
	ClickHouse ClickHouseConfig  `koanf:"clickhouse"`
	Server     ServerConfig      `koanf:"server"`
	Logging    LoggingConfig     `koanf:"logging"`
	Sources    map[string]Source `koanf:"sources"`
}

// DatabaseConfig selects and parameterizes the relational store.
type DatabaseConfig struct {
	Driver   string `koanf:"driver"` // "postgres" or "sqlite"
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Name     string `koanf:"name"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	SSLMode  string `koanf:"ssl_mode"`
	Path     string `koanf:"path"` // sqlite only
}

// ClickHouseConfig parameterizes the optional measurement archive.
type ClickHouseConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Database string `koanf:"database"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
}

// ServerConfig parameterizes the read API.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// LoggingConfig parameterizes zerolog.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "json" or "console"
}

// Source is the per-source pipeline configuration. Fields not meaningful
// for a given source are ignored by its adapter.
type Source struct {
	Enabled      bool          `koanf:"enabled"`
	Interval     time.Duration `koanf:"interval"`
	DefaultStart string        `koanf:"default_start"` // RFC3339; watermark fallback
	MaxRetries   int           `koanf:"max_retries"`
	RetryBackoff time.Duration `koanf:"retry_backoff"`
	URL          string        `koanf:"url"`
	User         string        `koanf:"user"`
	Password     string        `koanf:"password"`
	Token        string        `koanf:"token"`
	Subject      string        `koanf:"subject"`  // broker sources
	Stations     []string      `koanf:"stations"` // station whitelist
	BBox         []float64     `koanf:"bbox"`     // nw_lat,nw_lon,se_lat,se_lon
}

// StartTime parses the configured watermark fallback.
func (s Source) StartTime() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s.DefaultStart)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse default_start %q: %w", s.DefaultStart, err)
	}
	return t.UTC(), nil
}

// defaultConfig holds the built-in defaults, overridden by file and env.
func defaultConfig() *Config {
	source := func(enabled bool, interval time.Duration) Source {
		return Source{
			Enabled:      enabled,
			Interval:     interval,
			DefaultStart: "2022-01-01T00:00:00Z",
			MaxRetries:   5,
			RetryBackoff: 4 * time.Second,
		}
	}

	frost := source(false, time.Hour)
	frost.URL = "https://verkehr.aachen.de/Frost-Server/api/v1.1/"

	lanuv := source(false, time.Hour)
	lanuv.URL = "https://www.lanuv.nrw.de/fileadmin/lanuv/luft/immissionen/aktluftqual/eu_luftqualitaet.csv"
	lanuv.Stations = []string{"VACW", "AABU"}

	inrix := source(false, 2*time.Minute)

	community := source(false, 5*time.Minute)
	community.URL = "https://data.sensor.community/static/v2/data.json"

	boxes := source(false, 0) // push source, no polling interval
	boxes.URL = "nats://127.0.0.1:4222"
	boxes.Subject = "boxes.>"

	return &Config{
		Database: DatabaseConfig{
			Driver:  "postgres",
			Host:    "localhost",
			Port:    5432,
			Name:    "mobility_hub",
			User:    "mobility",
			SSLMode: "disable",
			Path:    "mobility.db",
		},
		ClickHouse: ClickHouseConfig{
			Enabled:  false,
			Host:     "localhost",
			Port:     9000,
			Database: "mobility_hub",
			User:     "default",
		},
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8080,
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Sources: map[string]Source{
			"frost":     frost,
			"lanuv":     lanuv,
			"inrix":     inrix,
			"community": community,
			"boxes":     boxes,
		},
	}
}

// Load reads the layered configuration: defaults, then the first YAML file
// found (or CONFIG_PATH), then environment variables.
func Load() (*Config, error) {
	return load(findConfigFile())
}

// LoadFile reads the layered configuration from an explicit file path.
func LoadFile(path string) (*Config, error) {
	return load(path)
}

func load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	for name, src := range c.Sources {
		if !src.Enabled {
			continue
		}
		if src.Interval < 0 {
			return fmt.Errorf("source %s: negative interval", name)
		}
		if src.DefaultStart != "" {
			if _, err := src.StartTime(); err != nil {
				return fmt.Errorf("source %s: %w", name, err)
			}
		}
	}
	return nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransform maps known environment variables onto config paths. Unknown
// variables are dropped so the environment cannot pollute the config.
func envTransform(key string) string {
	mappings := map[string]string{
		"POSTGRES_HOST":     "database.host",
		"POSTGRES_PORT":     "database.port",
		"POSTGRES_DB":       "database.name",
		"POSTGRES_USER":     "database.user",
		"POSTGRES_PASSWORD": "database.password",
		"POSTGRES_SSL_MODE": "database.ssl_mode",
		"DATABASE_DRIVER":   "database.driver",
		"SQLITE_PATH":       "database.path",

		"CLICKHOUSE_ENABLED":  "clickhouse.enabled",
		"CLICKHOUSE_HOST":     "clickhouse.host",
		"CLICKHOUSE_PORT":     "clickhouse.port",
		"CLICKHOUSE_DB":       "clickhouse.database",
		"CLICKHOUSE_USER":     "clickhouse.user",
		"CLICKHOUSE_PASSWORD": "clickhouse.password",

		"HTTP_HOST":    "server.host",
		"HTTP_PORT":    "server.port",
		"HTTP_TIMEOUT": "server.timeout",

		"LOG_LEVEL":  "logging.level",
		"LOG_FORMAT": "logging.format",

		"FROST_ENABLED":  "sources.frost.enabled",
		"FROST_URL":      "sources.frost.url",
		"FROST_USER":     "sources.frost.user",
		"FROST_PASSWORD": "sources.frost.password",

		"LANUV_ENABLED": "sources.lanuv.enabled",
		"LANUV_URL":     "sources.lanuv.url",

		"INRIX_ENABLED":  "sources.inrix.enabled",
		"INRIX_URL":      "sources.inrix.url",
		"INRIX_TOKEN":    "sources.inrix.token",
		"INRIX_USER":     "sources.inrix.user",
		"INRIX_PASSWORD": "sources.inrix.password",

		"COMMUNITY_ENABLED": "sources.community.enabled",
		"COMMUNITY_URL":     "sources.community.url",

		"BOXES_ENABLED": "sources.boxes.enabled",
		"NATS_URL":      "sources.boxes.url",
		"NATS_SUBJECT":  "sources.boxes.subject",
	}
	if mapped, ok := mappings[strings.ToUpper(key)]; ok {
		return mapped
	}
	return ""
}
