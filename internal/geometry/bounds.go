// Package geometry turns serialized GeoJSON geometries into axis-aligned
// bounding boxes.
//
// Extraction is a pure function of the payload: it never touches storage,
// never logs and never panics on bad input. Every failure is returned as a
// *RowParseError carrying the row key so callers can attribute it.
//
// Supported geometry kinds are Polygon and MultiPolygon. A GeoJSON Feature
// wrapper is unwrapped to its geometry member. Bounds are computed over every
// vertex of every ring (exterior and holes) of every polygon.
package geometry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

var (
	// ErrEmptyGeometry is returned for absent, blank or JSON null payloads.
	ErrEmptyGeometry = errors.New("empty geometry payload")
	// ErrMalformedGeometry wraps JSON / GeoJSON decoding failures.
	ErrMalformedGeometry = errors.New("malformed geometry")
	// ErrUnsupportedGeometry is returned for valid GeoJSON of a kind other
	// than Polygon or MultiPolygon.
	ErrUnsupportedGeometry = errors.New("unsupported geometry type")
	// ErrDegenerateBounds is returned when a geometry has no coordinates or
	// its bounds are not finite.
	ErrDegenerateBounds = errors.New("geometry has no finite bounds")
)

// Box is an axis-aligned bounding box in the geometry's own coordinate space.
type Box struct {
	MinX float64
	MaxX float64
	MinY float64
	MaxY float64
}

// Result pairs a row key with its extraction outcome. A Result is resolved
// iff Err is nil; Box is meaningless otherwise.
type Result struct {
	ID  any
	Box Box
	Err error
}

// Resolved reports whether the extraction succeeded.
func (r Result) Resolved() bool { return r.Err == nil }

// RowParseError is a recovered, row-scoped extraction failure.
type RowParseError struct {
	ID  any
	Err error
}

func (e *RowParseError) Error() string {
	return fmt.Sprintf("row %v: %v", e.ID, e.Err)
}

func (e *RowParseError) Unwrap() error { return e.Err }

// Extractor computes bounds for serialized geometries. The zero value parses
// UTF-8 payloads; set Decoder to convert legacy encodings first.
//
// An Extractor holds no mutable state and may be shared across goroutines.
type Extractor struct {
	Decoder *Decoder
}

// Extract parses payload and returns its bounding box, or an unresolved
// Result whose Err is a *RowParseError.
func (x Extractor) Extract(id any, payload []byte) Result {
	if x.Decoder != nil {
		decoded, err := x.Decoder.Decode(payload)
		if err != nil {
			return failed(id, fmt.Errorf("%w: decode %s: %v", ErrMalformedGeometry, x.Decoder.Name(), err))
		}
		payload = decoded
	}
	box, err := Bounds(payload)
	if err != nil {
		return failed(id, err)
	}
	return Result{ID: id, Box: box}
}

// Extract is Extractor{}.Extract.
func Extract(id any, payload []byte) Result {
	return Extractor{}.Extract(id, payload)
}

func failed(id any, err error) Result {
	return Result{ID: id, Err: &RowParseError{ID: id, Err: err}}
}

var (
	jsonNull      = []byte("null")
	featureMarker = []byte(`"Feature"`)
)

// Bounds decodes a GeoJSON Polygon or MultiPolygon (optionally wrapped in a
// Feature) and returns the min/max over all of its vertices.
func Bounds(payload []byte) (Box, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, jsonNull) {
		return Box{}, ErrEmptyGeometry
	}

	if bytes.Contains(payload, featureMarker) {
		inner, err := unwrapFeature(payload)
		if err != nil {
			return Box{}, err
		}
		payload = inner
	}

	var g geom.T
	if err := geojson.Unmarshal(payload, &g); err != nil {
		var unsupported geojson.ErrUnsupportedType
		if errors.As(err, &unsupported) {
			return Box{}, fmt.Errorf("%w: %q", ErrUnsupportedGeometry, string(unsupported))
		}
		return Box{}, fmt.Errorf("%w: %v", ErrMalformedGeometry, err)
	}

	switch g.(type) {
	case *geom.Polygon, *geom.MultiPolygon:
	default:
		return Box{}, fmt.Errorf("%w: %T", ErrUnsupportedGeometry, g)
	}
	if g.Empty() {
		return Box{}, ErrDegenerateBounds
	}

	b := g.Bounds()
	box := Box{MinX: b.Min(0), MaxX: b.Max(0), MinY: b.Min(1), MaxY: b.Max(1)}
	if !box.finite() || box.MinX > box.MaxX || box.MinY > box.MaxY {
		return Box{}, ErrDegenerateBounds
	}
	return box, nil
}

// unwrapFeature returns the geometry member of a GeoJSON Feature. Payloads
// that merely mention "Feature" somewhere (e.g. in a property) but are not a
// Feature object are returned unchanged.
func unwrapFeature(payload []byte) ([]byte, error) {
	var f struct {
		Type     string          `json:"type"`
		Geometry json.RawMessage `json:"geometry"`
	}
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedGeometry, err)
	}
	if f.Type != "Feature" {
		return payload, nil
	}
	inner := bytes.TrimSpace(f.Geometry)
	if len(inner) == 0 || bytes.Equal(inner, jsonNull) {
		return nil, ErrEmptyGeometry
	}
	return inner, nil
}

func (b Box) finite() bool {
	for _, v := range [...]float64{b.MinX, b.MaxX, b.MinY, b.MaxY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
