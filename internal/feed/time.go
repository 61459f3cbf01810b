package feed

import (
	"fmt"
	"strings"
	"time"
)

// Timestamp layouts seen across the sources, tried in order. Everything is
// normalized to UTC; layouts without a zone are interpreted in the given
// location (sources report local time without saying so).
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"02.01.2006 15:04",
}

// ParseTimestamp parses a source timestamp string and normalizes it to UTC.
// loc is the zone assumed for layouts that carry none; pass time.UTC when
// the source documents UTC.
func ParseTimestamp(raw string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range timestampLayouts {
		t, err := time.ParseInLocation(layout, s, loc)
		if err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}
