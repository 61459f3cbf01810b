// Package feed defines the normalized shapes that source adapters hand to
// the reconciliation and ingestion layers. Every external data source, no
// matter how it is transported (REST, CSV, broker message), is reduced to
// observed sensors, observed datastreams and timestamped observations.
package feed

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ExternalID is an identifier meaningful only within one source's namespace.
// Sources encode these inconsistently (JSON numbers, quoted numbers, plain
// strings), so the canonical form is the decimal/text string. The zero value
// means "no external identifier".
type ExternalID string

// NoExternalID marks entities without an identifier in their source's
// namespace (e.g. derived datastreams that only exist as sensor+type).
const NoExternalID ExternalID = ""

// UnmarshalJSON accepts a JSON number, a quoted number or an arbitrary
// string and canonicalizes it. Numeric values are normalized so that 42 and
// "42" map to the same ExternalID.
func (e *ExternalID) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*e = ExternalID(strconv.FormatInt(n, 10))
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*e = ExternalID(strconv.FormatFloat(f, 'f', -1, 64))
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*e = CanonicalID(s)
		return nil
	}

	*e = NoExternalID
	return nil
}

func (e ExternalID) String() string { return string(e) }

// IsZero reports whether no external identifier is present.
func (e ExternalID) IsZero() bool { return e == NoExternalID }

// CanonicalID normalizes a raw identifier string. Integer-looking strings
// lose leading zeros and sign noise so "0042" and "42" collide, everything
// else is kept verbatim after trimming.
func CanonicalID(raw string) ExternalID {
	s := strings.TrimSpace(raw)
	if s == "" {
		return NoExternalID
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ExternalID(strconv.FormatInt(n, 10))
	}
	return ExternalID(s)
}

// IDFromInt builds an ExternalID from a numeric source identifier.
func IDFromInt(n int64) ExternalID {
	return ExternalID(strconv.FormatInt(n, 10))
}

// ObservedSensor is one measurement point as reported by a source.
type ObservedSensor struct {
	Source       string
	ExternalID   ExternalID
	Description  string
	Longitude    *float64
	Latitude     *float64
	Geometry     *Geometry // optional richer geometry; coordinates derive from it
	Confidential bool
}

// ObservedDatastream is one measurement channel as reported by a source.
// Streams either carry their own external identifier or are identified by
// the owning sensor plus the vendor category label.
type ObservedDatastream struct {
	SensorExternalID ExternalID
	ExternalID       ExternalID
	Category         string // vendor category label, normalized later to (type, unit)
	Confidential     bool
}

// Key returns the identity under which this stream is reconciled and under
// which observations reference it.
func (d ObservedDatastream) Key() StreamKey {
	return StreamKey{Sensor: d.SensorExternalID, Stream: d.ExternalID, Category: d.Category}
}

// StreamKey identifies a datastream within a batch. Streams with an
// external identifier are keyed by it; identifier-less streams fall back to
// (owning sensor, category label).
type StreamKey struct {
	Sensor   ExternalID
	Stream   ExternalID
	Category string
}

func (k StreamKey) String() string {
	if !k.Stream.IsZero() {
		return "ds:" + k.Stream.String()
	}
	return "sensor:" + k.Sensor.String() + "/" + k.Category
}

// Observation is one timestamped reading, still keyed by external identity.
// Timestamp must already be normalized to UTC by the adapter.
type Observation struct {
	Key       StreamKey
	Timestamp time.Time
	Value     RawValue
}

// Batch is the complete output of one adapter fetch.
type Batch struct {
	Sensors      []ObservedSensor
	Datastreams  []ObservedDatastream
	Observations []Observation
}

// Empty reports whether the batch carries nothing at all.
func (b Batch) Empty() bool {
	return len(b.Sensors) == 0 && len(b.Datastreams) == 0 && len(b.Observations) == 0
}
