// Package lanuv pulls the hourly air quality CSV published by the state
// environment agency. The feed is two files: a data file without column
// names and a separately published header file. Rows are filtered to the
// configured station whitelist; station positions are not part of the feed
// and come from a fixed table.
package lanuv

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/charmap"

	"mobility_hub/internal/config"
	"mobility_hub/internal/feed"
	"mobility_hub/internal/sources"
)

// SourceName is the namespace lanuv entities are stored under.
const SourceName = "lanuv"

// The measurands published per station, all in µg/m³.
var measurands = []string{"Ozon", "SO2", "NO2", "PM10"}

// The feed carries no coordinates; station positions are fixed.
type station struct {
	Description string
	Longitude   float64
	Latitude    float64
}

var stations = map[string]station{
	"AABU": {Description: "Aachen-Burtscheid", Longitude: 6.093892118595028, Latitude: 50.75473752425752},
	"VACW": {Description: "Aachen Wilhelmstraße", Longitude: 6.095763792588302, Latitude: 50.77312781748374},
}

func init() {
	sources.Register(SourceName, func(cfg config.Source, log zerolog.Logger) (sources.Adapter, error) {
		return New(cfg, log)
	})
}

// Adapter pulls one air quality CSV feed.
type Adapter struct {
	client    *sources.Client
	valuesURL string
	headerURL string
	whitelist map[string]bool
	log       zerolog.Logger
}

// New builds a lanuv adapter from its source configuration.
func New(cfg config.Source, log zerolog.Logger) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("lanuv: url not configured")
	}
	headerURL, err := headerURLFor(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("lanuv: %w", err)
	}
	whitelist := make(map[string]bool, len(cfg.Stations))
	for _, code := range cfg.Stations {
		whitelist[code] = true
	}
	return &Adapter{
		client:    sources.NewClient(cfg, log),
		valuesURL: cfg.URL,
		headerURL: headerURL,
		whitelist: whitelist,
		log:       log,
	}, nil
}

// headerURLFor derives the header file URL: the data file's name prefixed
// with "header_" in the same directory.
func headerURLFor(valuesURL string) (string, error) {
	u, err := url.Parse(valuesURL)
	if err != nil {
		return "", err
	}
	dir, file := path.Split(u.Path)
	if file == "" {
		return "", fmt.Errorf("url %q has no file name", valuesURL)
	}
	u.Path = dir + "header_" + file
	return u.String(), nil
}

func (a *Adapter) Source() string { return SourceName }

// Fetch downloads the header and data files and emits one observation per
// whitelisted station and measurand, timestamped to the current full hour.
func (a *Adapter) Fetch(ctx context.Context, window sources.Window) (feed.Batch, error) {
	var batch feed.Batch

	columns, err := a.fetchHeader(ctx)
	if err != nil {
		return batch, err
	}
	rows, err := a.fetchValues(ctx)
	if err != nil {
		return batch, err
	}

	codeCol, ok := columns["Kürzel"]
	if !ok {
		return batch, fmt.Errorf("lanuv: header has no station code column")
	}
	descCol, ok := columns["Station"]
	if !ok {
		return batch, fmt.Errorf("lanuv: header has no station column")
	}

	// Values are published on the hour.
	timestamp := window.End.UTC().Truncate(time.Hour)

	for _, row := range rows {
		if codeCol >= len(row) {
			continue
		}
		code := strings.TrimSpace(row[codeCol])
		if !a.whitelist[code] {
			continue
		}

		sensor := feed.ObservedSensor{
			Source:     SourceName,
			ExternalID: feed.CanonicalID(code),
		}
		if st, known := stations[code]; known {
			sensor.Description = st.Description
			sensor.Geometry = feed.PointGeometry(st.Longitude, st.Latitude)
		} else if descCol < len(row) {
			sensor.Description = strings.TrimSpace(row[descCol])
		}
		batch.Sensors = append(batch.Sensors, sensor)

		for _, measurand := range measurands {
			col, known := columns[measurand]
			if !known || col >= len(row) {
				continue
			}
			ds := feed.ObservedDatastream{
				SensorExternalID: sensor.ExternalID,
				Category:         measurand,
			}
			batch.Datastreams = append(batch.Datastreams, ds)
			batch.Observations = append(batch.Observations, feed.Observation{
				Key:       ds.Key(),
				Timestamp: timestamp,
				Value:     scrubValue(row[col]),
			})
		}
	}

	return batch, nil
}

// fetchHeader returns the column name to index mapping from the header
// file. Comment lines are skipped.
func (a *Adapter) fetchHeader(ctx context.Context) (map[string]int, error) {
	records, err := a.fetchCSV(ctx, a.headerURL)
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		if len(record) == 0 || strings.HasPrefix(record[0], "#") {
			continue
		}
		columns := make(map[string]int, len(record))
		for i, name := range record {
			columns[strings.TrimSpace(name)] = i
		}
		return columns, nil
	}
	return nil, fmt.Errorf("lanuv: header file has no column row")
}

// fetchValues returns the data rows. The file starts with two preamble
// lines that are not data.
func (a *Adapter) fetchValues(ctx context.Context) ([][]string, error) {
	records, err := a.fetchCSV(ctx, a.valuesURL)
	if err != nil {
		return nil, err
	}
	if len(records) <= 2 {
		return nil, nil
	}
	return records[2:], nil
}

func (a *Adapter) fetchCSV(ctx context.Context, url string) ([][]string, error) {
	body, err := a.client.Get(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	// The agency publishes in Windows-1250.
	decoded, err := charmap.Windows1250.NewDecoder().Bytes(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", url, err)
	}
	reader := csv.NewReader(strings.NewReader(string(decoded)))
	reader.Comma = ';'
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", url, err)
	}
	return records, nil
}

// scrubValue normalizes the feed's value notation: "<" prefixes mark
// below-threshold readings and are dropped, "-" and "*" mark missing
// values and become -1.
func scrubValue(raw string) feed.RawValue {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, "<", "")
	switch s {
	case "-", "*":
		return "-1"
	}
	return feed.RawValue(s)
}
