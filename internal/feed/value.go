package feed

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// RawValue holds a measurement value as delivered by a source: a JSON
// number, a quoted number, a status word, or nothing. Coercion to float64
// happens at ingestion time; values that do not coerce are dropped there,
// never stored as NaN.
type RawValue string

// UnmarshalJSON keeps scalar payloads verbatim. Objects, arrays and null
// become the empty (non-numeric) value.
func (v *RawValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = RawValue(s)
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*v = ValueFromFloat(f)
		return nil
	}

	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		if b {
			*v = "1"
		} else {
			*v = "0"
		}
		return nil
	}

	*v = ""
	return nil
}

// ValueFromFloat builds a RawValue from an already-numeric reading.
func ValueFromFloat(f float64) RawValue {
	return RawValue(strconv.FormatFloat(f, 'f', -1, 64))
}

// Float coerces the raw value to a float64. The second return is false for
// empty, non-numeric, NaN and infinite values.
func (v RawValue) Float() (float64, bool) {
	s := strings.TrimSpace(string(v))
	if s == "" {
		return 0, false
	}
	// Some feeds use decimal commas.
	s = strings.ReplaceAll(s, ",", ".")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func (v RawValue) String() string { return string(v) }
