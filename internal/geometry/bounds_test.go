package geometry

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/korean"
	"pgregory.net/rapid"
)

func TestBounds_KnownShapes(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Box
	}{
		{
			name:    "square",
			payload: `{"type":"Polygon","coordinates":[[[0,0],[2,0],[2,2],[0,2],[0,0]]]}`,
			want:    Box{MinX: 0, MaxX: 2, MinY: 0, MaxY: 2},
		},
		{
			// First vertex is neither min nor max on any axis.
			name:    "first vertex is interior to the box",
			payload: `{"type":"Polygon","coordinates":[[[1,1],[5,-3],[-4,2],[0,7],[1,1]]]}`,
			want:    Box{MinX: -4, MaxX: 5, MinY: -3, MaxY: 7},
		},
		{
			name: "polygon with hole",
			payload: `{"type":"Polygon","coordinates":[
				[[10,10],[20,10],[20,20],[10,20],[10,10]],
				[[12,12],[13,12],[13,13],[12,13],[12,12]]]}`,
			want: Box{MinX: 10, MaxX: 20, MinY: 10, MaxY: 20},
		},
		{
			name: "multipolygon spans all members",
			payload: `{"type":"MultiPolygon","coordinates":[
				[[[0,0],[1,0],[1,1],[0,1],[0,0]]],
				[[[126.9,37.5],[127.1,37.5],[127.1,37.7],[126.9,37.7],[126.9,37.5]]]]}`,
			want: Box{MinX: 0, MaxX: 127.1, MinY: 0, MaxY: 37.7},
		},
		{
			name:    "xyz coordinates",
			payload: `{"type":"Polygon","coordinates":[[[0,0,5],[3,0,5],[3,4,9],[0,0,5]]]}`,
			want:    Box{MinX: 0, MaxX: 3, MinY: 0, MaxY: 4},
		},
		{
			name:    "feature wrapper",
			payload: `{"type":"Feature","properties":{"kind":"Feature"},"geometry":{"type":"Polygon","coordinates":[[[-1,-1],[1,-1],[1,1],[-1,-1]]]}}`,
			want:    Box{MinX: -1, MaxX: 1, MinY: -1, MaxY: 1},
		},
		{
			name:    "surrounding whitespace",
			payload: "  \n{\"type\":\"Polygon\",\"coordinates\":[[[0,0],[1,0],[1,1],[0,0]]]}\t",
			want:    Box{MinX: 0, MaxX: 1, MinY: 0, MaxY: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Bounds([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBounds_Failures(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []error
	}{
		{"empty", "", []error{ErrEmptyGeometry}},
		{"blank", "   \n", []error{ErrEmptyGeometry}},
		{"json null", "null", []error{ErrEmptyGeometry}},
		{"feature without geometry", `{"type":"Feature","geometry":null}`, []error{ErrEmptyGeometry}},
		{"truncated json", `{"type":"Polygon","coordinates":[[[0,0],[1`, []error{ErrMalformedGeometry}},
		{"not an object", `[1,2,3]`, []error{ErrMalformedGeometry}},
		{"coordinates of wrong shape", `{"type":"Polygon","coordinates":"abc"}`, []error{ErrMalformedGeometry}},
		{"point", `{"type":"Point","coordinates":[1,2]}`, []error{ErrUnsupportedGeometry}},
		{"linestring", `{"type":"LineString","coordinates":[[1,2],[3,4]]}`, []error{ErrUnsupportedGeometry}},
		{"unknown type", `{"type":"Blob","coordinates":[]}`, []error{ErrUnsupportedGeometry}},
		{"empty polygon", `{"type":"Polygon","coordinates":[]}`, []error{ErrDegenerateBounds, ErrMalformedGeometry}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Bounds([]byte(tt.payload))
			require.Error(t, err)
			matched := false
			for _, want := range tt.want {
				if errors.Is(err, want) {
					matched = true
				}
			}
			assert.Truef(t, matched, "err=%v; want one of %v", err, tt.want)
		})
	}
}

func TestExtract_AttributesFailureToRow(t *testing.T) {
	res := Extract(int64(42), []byte(`{"type":"Polygon"`))
	require.False(t, res.Resolved())
	assert.Equal(t, int64(42), res.ID)
	assert.Equal(t, Box{}, res.Box)

	var rowErr *RowParseError
	require.ErrorAs(t, res.Err, &rowErr)
	assert.Equal(t, int64(42), rowErr.ID)
	assert.ErrorIs(t, res.Err, ErrMalformedGeometry)
	assert.Contains(t, res.Err.Error(), "row 42")
}

func TestExtract_Resolved(t *testing.T) {
	res := Extract("A-1", []byte(`{"type":"Polygon","coordinates":[[[0,0],[2,0],[2,2],[0,2],[0,0]]]}`))
	require.True(t, res.Resolved())
	assert.Equal(t, "A-1", res.ID)
	assert.Equal(t, Box{MinX: 0, MaxX: 2, MinY: 0, MaxY: 2}, res.Box)
}

func TestExtractor_LegacyEncoding(t *testing.T) {
	utf8Payload := `{"type":"Feature","properties":{"name":"서울특별시"},"geometry":{"type":"Polygon","coordinates":[[[126.7,37.4],[127.2,37.4],[127.2,37.7],[126.7,37.4]]]}}`
	legacy, err := korean.EUCKR.NewEncoder().Bytes([]byte(utf8Payload))
	require.NoError(t, err)

	dec, err := NewDecoder("cp949")
	require.NoError(t, err)
	require.NotNil(t, dec)
	assert.Equal(t, "euc-kr", dec.Name())

	res := Extractor{Decoder: dec}.Extract(7, legacy)
	require.NoError(t, res.Err)
	assert.Equal(t, Box{MinX: 126.7, MaxX: 127.2, MinY: 37.4, MaxY: 37.7}, res.Box)
}

func TestNewDecoder(t *testing.T) {
	for _, name := range []string{"", "utf-8", "UTF8", "  "} {
		d, err := NewDecoder(name)
		require.NoError(t, err, name)
		assert.Nil(t, d, name)
	}

	_, err := NewDecoder("klingon-1")
	require.Error(t, err)

	d, err := NewDecoder("latin1")
	require.NoError(t, err)
	out, err := d.Decode([]byte{'{', 0xE9, '}'})
	require.NoError(t, err)
	assert.Equal(t, "{é}", string(out))
}

// ring draws a closed ring of 3..12 distinct-ish vertices.
func ring(t *rapid.T, label string) [][]float64 {
	n := rapid.IntRange(3, 12).Draw(t, label+"_n")
	pts := make([][]float64, 0, n+1)
	for i := 0; i < n; i++ {
		x := rapid.Float64Range(-1e6, 1e6).Draw(t, label+"_x")
		y := rapid.Float64Range(-1e6, 1e6).Draw(t, label+"_y")
		pts = append(pts, []float64{x, y})
	}
	return append(pts, pts[0])
}

func bruteForce(polys [][][][]float64) Box {
	b := Box{MinX: math.Inf(1), MaxX: math.Inf(-1), MinY: math.Inf(1), MaxY: math.Inf(-1)}
	for _, poly := range polys {
		for _, r := range poly {
			for _, p := range r {
				b.MinX = math.Min(b.MinX, p[0])
				b.MaxX = math.Max(b.MaxX, p[0])
				b.MinY = math.Min(b.MinY, p[1])
				b.MaxY = math.Max(b.MaxY, p[1])
			}
		}
	}
	return b
}

func TestBounds_MatchesBruteForce(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		nPolys := rapid.IntRange(1, 4).Draw(t, "polygons")
		polys := make([][][][]float64, nPolys)
		for i := range polys {
			nRings := rapid.IntRange(1, 3).Draw(t, "rings")
			for j := 0; j < nRings; j++ {
				polys[i] = append(polys[i], ring(t, "ring"))
			}
		}

		var doc any
		if nPolys == 1 && rapid.Bool().Draw(t, "as_polygon") {
			doc = map[string]any{"type": "Polygon", "coordinates": polys[0]}
		} else {
			doc = map[string]any{"type": "MultiPolygon", "coordinates": polys}
		}
		payload, err := json.Marshal(doc)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}

		got, err := Bounds(payload)
		if err != nil {
			t.Fatalf("Bounds(%s): %v", payload, err)
		}
		if want := bruteForce(polys); got != want {
			t.Fatalf("Bounds = %+v; want %+v", got, want)
		}
	})
}
