package feed

import (
	"encoding/json"
	"testing"
	"time"
)

func TestExternalID_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  ExternalID
	}{
		{"integer", `123`, "123"},
		{"quoted integer", `"123"`, "123"},
		{"padded integer", `"0042"`, "42"},
		{"float", `7.5`, "7.5"},
		{"plain string", `"VACW"`, "VACW"},
		{"whitespace", `"  AABU "`, "AABU"},
		{"empty string", `""`, NoExternalID},
		{"null", `null`, NoExternalID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got ExternalID
			if err := json.Unmarshal([]byte(tt.input), &got); err != nil {
				t.Fatalf("Unmarshal returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ExternalID = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCanonicalID_NumericEquivalence(t *testing.T) {
	// Sources disagree on whether segment 42 is 42 or "42"; both must land
	// on the same canonical identifier.
	var fromNumber ExternalID
	if err := json.Unmarshal([]byte(`42`), &fromNumber); err != nil {
		t.Fatal(err)
	}
	fromString := CanonicalID("42")
	if fromNumber != fromString {
		t.Errorf("numeric and string forms differ: %q vs %q", fromNumber, fromString)
	}
	if fromInt := IDFromInt(42); fromInt != fromString {
		t.Errorf("IDFromInt = %q, want %q", fromInt, fromString)
	}
}

func TestRawValue_Float(t *testing.T) {
	tests := []struct {
		name    string
		value   RawValue
		want    float64
		numeric bool
	}{
		{"integer", "99", 99, true},
		{"decimal", "12.5", 12.5, true},
		{"decimal comma", "12,5", 12.5, true},
		{"negative", "-1", -1, true},
		{"padded", " 3.25 ", 3.25, true},
		{"status word", "available", 0, false},
		{"empty", "", 0, false},
		{"nan", "NaN", 0, false},
		{"infinity", "+Inf", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.value.Float()
			if ok != tt.numeric {
				t.Fatalf("Float() numeric = %v, want %v", ok, tt.numeric)
			}
			if ok && got != tt.want {
				t.Errorf("Float() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRawValue_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  RawValue
	}{
		{"number", `12.5`, "12.5"},
		{"quoted number", `"99"`, "99"},
		{"string", `"charging"`, "charging"},
		{"bool true", `true`, "1"},
		{"null", `null`, ""},
		{"object", `{"a":1}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got RawValue
			if err := json.Unmarshal([]byte(tt.input), &got); err != nil {
				t.Fatalf("Unmarshal returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("RawValue = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGeometry_Centroid(t *testing.T) {
	t.Run("point", func(t *testing.T) {
		lon, lat, err := PointGeometry(6.08, 50.77).Centroid()
		if err != nil {
			t.Fatal(err)
		}
		if lon != 6.08 || lat != 50.77 {
			t.Errorf("centroid = (%v, %v)", lon, lat)
		}
	})

	t.Run("linestring", func(t *testing.T) {
		g := &Geometry{Type: "LineString", Line: [][]float64{{0, 0}, {2, 4}}}
		lon, lat, err := g.Centroid()
		if err != nil {
			t.Fatal(err)
		}
		if lon != 1 || lat != 2 {
			t.Errorf("centroid = (%v, %v), want (1, 2)", lon, lat)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		g := &Geometry{Type: "MultiPolygon"}
		if _, _, err := g.Centroid(); err == nil {
			t.Error("expected error for unknown geometry type")
		}
	})

	t.Run("nil", func(t *testing.T) {
		var g *Geometry
		if _, _, err := g.Centroid(); err == nil {
			t.Error("expected error for nil geometry")
		}
	})
}

func TestGeometry_WKT(t *testing.T) {
	tests := []struct {
		name string
		geom *Geometry
		want string
	}{
		{"point", PointGeometry(6.1, 50.8), "POINT (6.1 50.8)"},
		{
			"linestring",
			&Geometry{Type: "LineString", Line: [][]float64{{0, 0}, {1, 1}}},
			"LINESTRING (0 0, 1 1)",
		},
		{
			"polygon",
			&Geometry{Type: "Polygon", Ring: [][]float64{{0, 0}, {1, 0}, {1, 1}, {0, 0}}},
			"POLYGON ((0 0, 1 0, 1 1, 0 0))",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.geom.WKT()
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("WKT() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		raw  string
		loc  *time.Location
		want time.Time
	}{
		{"rfc3339 utc", "2024-01-01T00:00:00Z", time.UTC, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"rfc3339 offset", "2024-01-01T01:00:00+01:00", time.UTC, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"zoneless local", "2024-07-01T12:00:00", berlin, time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)},
		{"space separated", "2024-01-01 06:30:00", time.UTC, time.Date(2024, 1, 1, 6, 30, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.raw, tt.loc)
			if err != nil {
				t.Fatalf("ParseTimestamp returned error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseTimestamp = %v, want %v", got, tt.want)
			}
			if got.Location() != time.UTC {
				t.Errorf("result not normalized to UTC: %v", got.Location())
			}
		})
	}

	t.Run("garbage", func(t *testing.T) {
		if _, err := ParseTimestamp("yesterday-ish", time.UTC); err == nil {
			t.Error("expected error for unparseable timestamp")
		}
	})
}
