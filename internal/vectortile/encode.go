package vectortile

import (
	"github.com/paulmach/orb"

	"tilepipe/internal/pbf"
)

// LayerBuilder assembles a layer in wire format. It backs fixtures and the
// inspection tooling; the render path only decodes.
type LayerBuilder struct {
	name     string
	extent   uint32
	keys     []string
	keyIdx   map[string]uint32
	values   []any
	valueIdx map[any]uint32
	features pbf.Writer
}

func NewLayerBuilder(name string, extent uint32) *LayerBuilder {
	return &LayerBuilder{
		name:     name,
		extent:   extent,
		keyIdx:   map[string]uint32{},
		valueIdx: map[any]uint32{},
	}
}

// AddFeature appends a feature. Supported geometries are orb.Point,
// orb.MultiPoint, orb.LineString, orb.MultiLineString and orb.Polygon.
func (b *LayerBuilder) AddFeature(id uint64, props map[string]any, g orb.Geometry) {
	var f pbf.Writer
	f.Uint(1, id)

	var tags []uint32
	for k, v := range props {
		tags = append(tags, b.key(k), b.value(v))
	}
	if len(tags) > 0 {
		f.PackedUint(2, tags)
	}

	typ, cmds := encodeGeometry(g)
	f.Uint(3, uint64(typ))
	f.PackedUint(4, cmds)

	b.features.Message(2, &f)
}

func (b *LayerBuilder) key(k string) uint32 {
	if i, ok := b.keyIdx[k]; ok {
		return i
	}
	i := uint32(len(b.keys))
	b.keys = append(b.keys, k)
	b.keyIdx[k] = i
	return i
}

func (b *LayerBuilder) value(v any) uint32 {
	if i, ok := b.valueIdx[v]; ok {
		return i
	}
	i := uint32(len(b.values))
	b.values = append(b.values, v)
	b.valueIdx[v] = i
	return i
}

// Bytes returns the encoded layer message.
func (b *LayerBuilder) Bytes() []byte {
	var w pbf.Writer
	w.Uint(15, 2)
	w.String(1, b.name)
	out := append(w.Bytes(), b.features.Bytes()...)

	var tail pbf.Writer
	for _, k := range b.keys {
		tail.String(3, k)
	}
	for _, v := range b.values {
		var vw pbf.Writer
		switch v := v.(type) {
		case string:
			vw.String(1, v)
		case float64:
			vw.Float64(3, v)
		case int:
			vw.Sint(6, int64(v))
		case int64:
			vw.Sint(6, v)
		case uint64:
			vw.Uint(5, v)
		case bool:
			vw.Bool(7, v)
		}
		tail.Message(4, &vw)
	}
	tail.Uint(5, uint64(b.extent))
	return append(out, tail.Bytes()...)
}

// EncodeTile wraps encoded layers into a tile message.
func EncodeTile(layers ...*LayerBuilder) []byte {
	var w pbf.Writer
	for _, l := range layers {
		w.Blob(3, l.Bytes())
	}
	return w.Bytes()
}

func encodeGeometry(g orb.Geometry) (GeomType, []uint32) {
	var (
		cmds []uint32
		x, y int64
	)
	moveLine := func(pts []orb.Point, close bool) {
		if close && len(pts) > 1 && pts[0] == pts[len(pts)-1] {
			pts = pts[:len(pts)-1]
		}
		for i, p := range pts {
			if i == 0 {
				cmds = append(cmds, command(cmdMoveTo, 1))
			} else if i == 1 {
				cmds = append(cmds, command(cmdLineTo, uint32(len(pts)-1)))
			}
			px, py := int64(p[0]), int64(p[1])
			cmds = append(cmds, uint32(pbf.ZigZag(px-x)), uint32(pbf.ZigZag(py-y)))
			x, y = px, py
		}
		if close {
			cmds = append(cmds, command(cmdClosePath, 1))
		}
	}

	switch g := g.(type) {
	case orb.Point:
		moveLine([]orb.Point{g}, false)
		return Point, cmds
	case orb.MultiPoint:
		cmds = append(cmds, command(cmdMoveTo, uint32(len(g))))
		for _, p := range g {
			px, py := int64(p[0]), int64(p[1])
			cmds = append(cmds, uint32(pbf.ZigZag(px-x)), uint32(pbf.ZigZag(py-y)))
			x, y = px, py
		}
		return Point, cmds
	case orb.LineString:
		moveLine(g, false)
		return LineString, cmds
	case orb.MultiLineString:
		for _, ls := range g {
			moveLine(ls, false)
		}
		return LineString, cmds
	case orb.Polygon:
		for _, r := range g {
			moveLine(r, true)
		}
		return Polygon, cmds
	default:
		return Unknown, nil
	}
}

func command(id, count uint32) uint32 {
	return id&0x7 | count<<3
}
