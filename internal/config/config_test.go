package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Database.Driver != "postgres" {
		t.Errorf("database.driver = %q, want postgres", cfg.Database.Driver)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("logging.level = %q, want info", cfg.Logging.Level)
	}

	frost, ok := cfg.Sources["frost"]
	if !ok {
		t.Fatal("frost source missing from defaults")
	}
	if frost.Enabled {
		t.Error("sources disabled by default")
	}
	if frost.Interval != time.Hour {
		t.Errorf("frost interval = %v, want 1h", frost.Interval)
	}
	if frost.MaxRetries != 5 {
		t.Errorf("frost max_retries = %d, want 5", frost.MaxRetries)
	}

	inrix := cfg.Sources["inrix"]
	if inrix.Interval != 2*time.Minute {
		t.Errorf("inrix interval = %v, want 2m", inrix.Interval)
	}

	start, err := frost.StartTime()
	if err != nil {
		t.Fatalf("default start does not parse: %v", err)
	}
	if start != time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC) {
		t.Errorf("default start = %v", start)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawler.yaml")
	content := `
database:
  driver: sqlite
  path: /tmp/test.db
sources:
  frost:
    enabled: true
    interval: 30m
    user: crawler
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Database.Driver != "sqlite" || cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("database = %+v", cfg.Database)
	}
	frost := cfg.Sources["frost"]
	if !frost.Enabled {
		t.Error("file enable did not apply")
	}
	if frost.Interval != 30*time.Minute {
		t.Errorf("frost interval = %v, want 30m", frost.Interval)
	}
	if frost.User != "crawler" {
		t.Errorf("frost user = %q", frost.User)
	}
	// Untouched defaults survive the merge.
	if frost.MaxRetries != 5 {
		t.Errorf("frost max_retries = %d, want default 5", frost.MaxRetries)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawler.yaml")
	if err := os.WriteFile(path, []byte("database:\n  host: from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("POSTGRES_HOST", "from-env")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Host != "from-env" {
		t.Errorf("database.host = %q, want env to win", cfg.Database.Host)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoad_UnknownEnvIgnored(t *testing.T) {
	t.Setenv("SOME_RANDOM_VARIABLE", "boom")
	if _, err := load(""); err != nil {
		t.Fatalf("unknown env broke config: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Run("bad driver", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Database.Driver = "oracle"
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for unsupported driver")
		}
	})

	t.Run("bad default_start on enabled source", func(t *testing.T) {
		cfg := defaultConfig()
		src := cfg.Sources["frost"]
		src.Enabled = true
		src.DefaultStart = "not-a-date"
		cfg.Sources["frost"] = src
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for unparseable default_start")
		}
	})

	t.Run("bad default_start on disabled source is tolerated", func(t *testing.T) {
		cfg := defaultConfig()
		src := cfg.Sources["frost"]
		src.DefaultStart = "not-a-date"
		cfg.Sources["frost"] = src
		if err := cfg.Validate(); err != nil {
			t.Errorf("disabled source blocked startup: %v", err)
		}
	})
}
