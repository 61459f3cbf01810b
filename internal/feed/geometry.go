package feed

import (
	"errors"
	"fmt"
	"strings"
)

// Geometry carries raw source geometry in GeoJSON-style shape. Only the
// three shapes the sources actually deliver are supported; anything else is
// treated as unknown and the owning sensor is created without coordinates.
type Geometry struct {
	Type  string      // "Point", "LineString" or "Polygon"
	Point []float64   // [lon, lat] when Type == "Point"
	Line  [][]float64 // when Type == "LineString"
	Ring  [][]float64 // outer ring when Type == "Polygon"
}

// ErrUnknownGeometry is returned when a geometry cannot be reduced to
// coordinates. Callers log it and keep the entity's non-geometric fields.
var ErrUnknownGeometry = errors.New("unknown geometry")

// PointGeometry is a convenience constructor for the common case.
func PointGeometry(lon, lat float64) *Geometry {
	return &Geometry{Type: "Point", Point: []float64{lon, lat}}
}

// Centroid reduces the geometry to a single lon/lat pair. Points map to
// themselves, lines and polygon rings to the arithmetic mean of their
// vertices (the legacy store kept a representative coordinate per sensor,
// not the full shape).
func (g *Geometry) Centroid() (lon, lat float64, err error) {
	if g == nil {
		return 0, 0, ErrUnknownGeometry
	}
	switch g.Type {
	case "Point":
		if len(g.Point) < 2 {
			return 0, 0, ErrUnknownGeometry
		}
		return g.Point[0], g.Point[1], nil
	case "LineString":
		return meanOf(g.Line)
	case "Polygon":
		return meanOf(g.Ring)
	default:
		return 0, 0, ErrUnknownGeometry
	}
}

func meanOf(coords [][]float64) (float64, float64, error) {
	if len(coords) == 0 {
		return 0, 0, ErrUnknownGeometry
	}
	var sx, sy float64
	n := 0
	for _, c := range coords {
		if len(c) < 2 {
			continue
		}
		sx += c[0]
		sy += c[1]
		n++
	}
	if n == 0 {
		return 0, 0, ErrUnknownGeometry
	}
	return sx / float64(n), sy / float64(n), nil
}

// WKT renders the geometry as well-known text for storage.
func (g *Geometry) WKT() (string, error) {
	if g == nil {
		return "", ErrUnknownGeometry
	}
	switch g.Type {
	case "Point":
		if len(g.Point) < 2 {
			return "", ErrUnknownGeometry
		}
		return fmt.Sprintf("POINT (%g %g)", g.Point[0], g.Point[1]), nil
	case "LineString":
		body, err := wktCoords(g.Line)
		if err != nil {
			return "", err
		}
		return "LINESTRING (" + body + ")", nil
	case "Polygon":
		body, err := wktCoords(g.Ring)
		if err != nil {
			return "", err
		}
		return "POLYGON ((" + body + "))", nil
	default:
		return "", ErrUnknownGeometry
	}
}

func wktCoords(coords [][]float64) (string, error) {
	if len(coords) == 0 {
		return "", ErrUnknownGeometry
	}
	parts := make([]string, 0, len(coords))
	for _, c := range coords {
		if len(c) < 2 {
			return "", ErrUnknownGeometry
		}
		parts = append(parts, fmt.Sprintf("%g %g", c[0], c[1]))
	}
	return strings.Join(parts, ", "), nil
}
