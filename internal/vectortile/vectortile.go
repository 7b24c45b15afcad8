// Package vectortile decodes vector tile payloads into layers, features and
// planar geometries in tile coordinates.
package vectortile

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"

	"tilepipe/internal/pbf"
)

var (
	// ErrGeometryTooLong is returned when a geometry exceeds the configured
	// vertex count or coordinate magnitude.
	ErrGeometryTooLong = errors.New("vectortile: geometry too long")
	ErrMalformed       = errors.New("vectortile: malformed tile")
)

// GeomType is the geometry type declared by a feature.
type GeomType int

const (
	Unknown GeomType = iota
	Point
	LineString
	Polygon
)

func (g GeomType) String() string {
	switch g {
	case Point:
		return "Point"
	case LineString:
		return "LineString"
	case Polygon:
		return "Polygon"
	default:
		return "Unknown"
	}
}

// Limits bound the memory a single tile may expand into.
type Limits struct {
	MaxVertices   int
	MaxCoordinate int64
}

// DefaultLimits matches 16-bit element indices and a generous tile buffer.
var DefaultLimits = Limits{
	MaxVertices:   65535,
	MaxCoordinate: 1 << 20,
}

// RawLayer is a layer whose contents have not been decoded yet.
type RawLayer struct {
	Name string
	data []byte
}

// Layer is a decoded layer. Feature geometries stay encoded until asked for.
type Layer struct {
	Name     string
	Version  uint32
	Extent   uint32
	Keys     []string
	Values   []any
	Features []Feature
}

// Feature is one feature of a layer.
type Feature struct {
	ID         uint64
	Type       GeomType
	Properties map[string]any
	geometry   []byte
}

// Split reads the outer tile message and returns its layers in order. Errors
// here mean the tile framing itself is corrupt.
func Split(data []byte) ([]RawLayer, error) {
	var layers []RawLayer
	r := pbf.NewReader(data)
	for {
		ok, err := r.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return layers, nil
		}
		if r.Tag != 3 {
			if err := r.Skip(); err != nil {
				return nil, err
			}
			continue
		}
		b, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		name, err := layerName(b)
		if err != nil {
			return nil, err
		}
		layers = append(layers, RawLayer{Name: name, data: b})
	}
}

func layerName(b []byte) (string, error) {
	r := pbf.NewReader(b)
	for {
		ok, err := r.Next()
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("%w: layer without name", ErrMalformed)
		}
		if r.Tag == 1 {
			return r.String()
		}
		if err := r.Skip(); err != nil {
			return "", err
		}
	}
}

// Decode decodes the layer's metadata, keys, values and features.
func (rl RawLayer) Decode() (*Layer, error) {
	l := &Layer{Name: rl.Name, Version: 1, Extent: 4096}
	var rawFeatures [][]byte

	r := pbf.NewReader(rl.data)
	for {
		ok, err := r.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch r.Tag {
		case 1:
			if _, err := r.Bytes(); err != nil {
				return nil, err
			}
		case 2:
			b, err := r.Bytes()
			if err != nil {
				return nil, err
			}
			rawFeatures = append(rawFeatures, b)
		case 3:
			k, err := r.String()
			if err != nil {
				return nil, err
			}
			l.Keys = append(l.Keys, k)
		case 4:
			m, err := r.Message()
			if err != nil {
				return nil, err
			}
			v, err := decodeValue(m)
			if err != nil {
				return nil, err
			}
			l.Values = append(l.Values, v)
		case 5:
			if l.Extent, err = r.Uint32(); err != nil {
				return nil, err
			}
		case 15:
			if l.Version, err = r.Uint32(); err != nil {
				return nil, err
			}
		default:
			if err := r.Skip(); err != nil {
				return nil, err
			}
		}
	}

	l.Features = make([]Feature, 0, len(rawFeatures))
	for _, b := range rawFeatures {
		f, err := l.decodeFeature(b)
		if err != nil {
			return nil, err
		}
		l.Features = append(l.Features, f)
	}
	return l, nil
}

func decodeValue(r *pbf.Reader) (any, error) {
	var v any
	for {
		ok, err := r.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return v, nil
		}
		switch r.Tag {
		case 1:
			v, err = r.String()
		case 2:
			var f float32
			f, err = r.Float32()
			v = float64(f)
		case 3:
			v, err = r.Float64()
		case 4:
			var u uint64
			u, err = r.Uint64()
			v = int64(u)
		case 5:
			var u uint64
			u, err = r.Uint64()
			v = u
		case 6:
			v, err = r.Int64()
		case 7:
			var u uint64
			u, err = r.Uint64()
			v = u != 0
		default:
			err = r.Skip()
		}
		if err != nil {
			return nil, err
		}
	}
}

func (l *Layer) decodeFeature(b []byte) (Feature, error) {
	f := Feature{Properties: map[string]any{}}
	r := pbf.NewReader(b)
	for {
		ok, err := r.Next()
		if err != nil {
			return f, err
		}
		if !ok {
			return f, nil
		}
		switch r.Tag {
		case 1:
			f.ID, err = r.Uint64()
		case 2:
			var tags *pbf.Reader
			if tags, err = r.Message(); err == nil {
				err = l.applyTags(tags, f.Properties)
			}
		case 3:
			var t uint32
			t, err = r.Uint32()
			if t <= uint32(Polygon) {
				f.Type = GeomType(t)
			}
		case 4:
			f.geometry, err = r.Bytes()
		default:
			err = r.Skip()
		}
		if err != nil {
			return f, err
		}
	}
}

func (l *Layer) applyTags(r *pbf.Reader, props map[string]any) error {
	for r.Remaining() > 0 {
		k, err := r.Uint32()
		if err != nil {
			return err
		}
		v, err := r.Uint32()
		if err != nil {
			return err
		}
		if int(k) >= len(l.Keys) || int(v) >= len(l.Values) {
			return fmt.Errorf("%w: tag index out of range", ErrMalformed)
		}
		props[l.Keys[k]] = l.Values[v]
	}
	return nil
}

// Geometry decodes the feature's command stream into an orb geometry,
// enforcing lim.
func (f Feature) Geometry(lim Limits) (orb.Geometry, error) {
	paths, err := decodeCommands(f.geometry, lim)
	if err != nil {
		return nil, err
	}
	switch f.Type {
	case Point:
		var mp orb.MultiPoint
		for _, p := range paths {
			mp = append(mp, p...)
		}
		if len(mp) == 1 {
			return mp[0], nil
		}
		return mp, nil
	case LineString:
		mls := make(orb.MultiLineString, 0, len(paths))
		for _, p := range paths {
			mls = append(mls, orb.LineString(p))
		}
		if len(mls) == 1 {
			return mls[0], nil
		}
		return mls, nil
	case Polygon:
		return assemblePolygons(paths), nil
	default:
		return nil, fmt.Errorf("%w: unknown geometry type", ErrMalformed)
	}
}

const (
	cmdMoveTo    = 1
	cmdLineTo    = 2
	cmdClosePath = 7
)

func decodeCommands(data []byte, lim Limits) ([][]orb.Point, error) {
	var (
		paths    [][]orb.Point
		x, y     int64
		vertices int
	)
	r := pbf.NewReader(data)
	for r.Remaining() > 0 {
		c, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		id, count := c&0x7, int(c>>3)

		switch id {
		case cmdMoveTo, cmdLineTo:
			// Every vertex needs at least two bytes of parameters.
			if count > r.Remaining()/2 {
				return nil, pbf.ErrEndOfBuffer
			}
			vertices += count
			if vertices > lim.MaxVertices {
				return nil, ErrGeometryTooLong
			}
			for i := 0; i < count; i++ {
				dx, err := pbf.Svarint[int32](r)
				if err != nil {
					return nil, err
				}
				dy, err := pbf.Svarint[int32](r)
				if err != nil {
					return nil, err
				}
				x += int64(dx)
				y += int64(dy)
				if abs(x) > lim.MaxCoordinate || abs(y) > lim.MaxCoordinate {
					return nil, ErrGeometryTooLong
				}
				p := orb.Point{float64(x), float64(y)}
				if id == cmdMoveTo {
					paths = append(paths, []orb.Point{p})
				} else {
					if len(paths) == 0 {
						return nil, fmt.Errorf("%w: LineTo before MoveTo", ErrMalformed)
					}
					paths[len(paths)-1] = append(paths[len(paths)-1], p)
				}
			}
		case cmdClosePath:
			if len(paths) == 0 {
				return nil, fmt.Errorf("%w: ClosePath before MoveTo", ErrMalformed)
			}
			last := paths[len(paths)-1]
			paths[len(paths)-1] = append(last, last[0])
		default:
			return nil, fmt.Errorf("%w: unknown command %d", ErrMalformed, id)
		}
	}
	return paths, nil
}

// assemblePolygons groups rings into polygons: a ring with positive area in
// tile coordinates starts a new polygon, a negative one is a hole of the
// current polygon.
func assemblePolygons(rings [][]orb.Point) orb.Geometry {
	var mp orb.MultiPolygon
	for _, ring := range rings {
		area := signedArea(ring)
		switch {
		case area > 0:
			mp = append(mp, orb.Polygon{orb.Ring(ring)})
		case area < 0 && len(mp) > 0:
			mp[len(mp)-1] = append(mp[len(mp)-1], orb.Ring(ring))
		}
	}
	if len(mp) == 1 {
		return mp[0]
	}
	return mp
}

func signedArea(ring []orb.Point) float64 {
	var sum float64
	for i := 0; i+1 < len(ring); i++ {
		sum += ring[i][0]*ring[i+1][1] - ring[i+1][0]*ring[i][1]
	}
	return sum / 2
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// CountVertices returns the number of positions in g.
func CountVertices(g orb.Geometry) int {
	switch g := g.(type) {
	case orb.Point:
		return 1
	case orb.MultiPoint:
		return len(g)
	case orb.LineString:
		return len(g)
	case orb.MultiLineString:
		n := 0
		for _, ls := range g {
			n += len(ls)
		}
		return n
	case orb.Ring:
		return len(g)
	case orb.Polygon:
		n := 0
		for _, r := range g {
			n += len(r)
		}
		return n
	case orb.MultiPolygon:
		n := 0
		for _, p := range g {
			n += CountVertices(p)
		}
		return n
	default:
		return 0
	}
}
