// Package style holds the bucket table a tile parse consults: for every style
// layer, which source layer feeds it, which features pass its filter and how
// its geometry is built.
package style

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type LayerType int

const (
	LayerUnknown LayerType = iota
	LayerFill
	LayerLine
	LayerSymbol
	LayerRaster
	LayerBackground
)

func ParseLayerType(s string) LayerType {
	switch s {
	case "fill":
		return LayerFill
	case "line":
		return LayerLine
	case "symbol":
		return LayerSymbol
	case "raster":
		return LayerRaster
	case "background":
		return LayerBackground
	default:
		return LayerUnknown
	}
}

func (t LayerType) String() string {
	switch t {
	case LayerFill:
		return "fill"
	case LayerLine:
		return "line"
	case LayerSymbol:
		return "symbol"
	case LayerRaster:
		return "raster"
	case LayerBackground:
		return "background"
	default:
		return "unknown"
	}
}

// Bucket describes how one style layer's geometry is collected from a tile.
// Buckets are named after the layer that defined them.
type Bucket struct {
	Name        string
	Type        LayerType
	Source      string
	SourceLayer string
	Filter      Filter
	MinZoom     float64
	MaxZoom     float64
	Visible     bool
}

// AcceptsZoom reports whether the bucket is rendered at zoom z.
func (b *Bucket) AcceptsZoom(z float64) bool {
	return z >= b.MinZoom && z < b.MaxZoom
}

// AcceptsGeometry reports whether features of the given geometry type
// ("Point", "LineString", "Polygon") contribute to the bucket.
func (b *Bucket) AcceptsGeometry(geomType string) bool {
	switch b.Type {
	case LayerFill:
		return geomType == "Polygon"
	case LayerLine:
		return geomType == "LineString" || geomType == "Polygon"
	case LayerSymbol:
		return geomType == "Point" || geomType == "LineString"
	default:
		return false
	}
}

// Match applies the bucket's filter to a feature.
func (b *Bucket) Match(props map[string]any, geomType string) bool {
	if b.Filter == nil {
		return true
	}
	return b.Filter.Match(props, geomType)
}

// Layer pairs a style layer id with its bucket definition. Layers using ref
// share the bucket of the referenced layer.
type Layer struct {
	ID     string
	Type   LayerType
	Bucket *Bucket
}

type Source struct {
	Name     string
	Type     string
	URL      string
	Tiles    []string
	TileSize int
}

// Table is the ordered bucket table. It is read-only once built and safe for
// concurrent use by parse workers.
type Table struct {
	Layers  []Layer
	Sources map[string]Source
	Sprite  string
	Glyphs  string
}

// Buckets returns each distinct bucket once, in layer order.
func (t *Table) Buckets() []*Bucket {
	seen := map[*Bucket]bool{}
	var out []*Bucket
	for _, l := range t.Layers {
		if l.Bucket == nil || seen[l.Bucket] {
			continue
		}
		seen[l.Bucket] = true
		out = append(out, l.Bucket)
	}
	return out
}

type document struct {
	Sources map[string]sourceDoc `yaml:"sources"`
	Layers  []layerDoc           `yaml:"layers"`
	Sprite  string               `yaml:"sprite"`
	Glyphs  string               `yaml:"glyphs"`
}

type sourceDoc struct {
	Type     string   `yaml:"type"`
	URL      string   `yaml:"url"`
	Tiles    []string `yaml:"tiles"`
	TileSize int      `yaml:"tileSize"`
}

type layerDoc struct {
	ID          string         `yaml:"id"`
	Type        string         `yaml:"type"`
	Ref         string         `yaml:"ref"`
	Source      string         `yaml:"source"`
	SourceLayer string         `yaml:"source-layer"`
	Filter      any            `yaml:"filter"`
	MinZoom     *float64       `yaml:"minzoom"`
	MaxZoom     *float64       `yaml:"maxzoom"`
	Layout      map[string]any `yaml:"layout"`
}

// Load reads a style document from disk. JSON documents are accepted since
// they are valid YAML.
func Load(path string, log *zap.Logger) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read style: %w", err)
	}
	return Parse(data, log)
}

// Parse builds a bucket table. Invalid layers are skipped with a warning, the
// rest of the style still loads.
func Parse(data []byte, log *zap.Logger) (*Table, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse style: %w", err)
	}

	t := &Table{
		Sources: make(map[string]Source, len(doc.Sources)),
		Sprite:  doc.Sprite,
		Glyphs:  doc.Glyphs,
	}
	for name, s := range doc.Sources {
		t.Sources[name] = Source{Name: name, Type: s.Type, URL: s.URL, Tiles: s.Tiles, TileSize: s.TileSize}
	}

	p := &parser{
		log:    log,
		docs:   make(map[string]layerDoc, len(doc.Layers)),
		layers: make(map[string]*Layer, len(doc.Layers)),
		table:  t,
	}
	for _, ld := range doc.Layers {
		if ld.ID == "" {
			log.Warn("style layer without id")
			continue
		}
		p.docs[ld.ID] = ld
	}
	for _, ld := range doc.Layers {
		if ld.ID == "" {
			continue
		}
		l := p.resolve(ld.ID)
		if l == nil || l.Bucket == nil {
			continue
		}
		t.Layers = append(t.Layers, *l)
	}
	return t, nil
}

type parser struct {
	log    *zap.Logger
	docs   map[string]layerDoc
	layers map[string]*Layer
	stack  []string
	table  *Table
}

func (p *parser) resolve(id string) *Layer {
	if l, ok := p.layers[id]; ok {
		return l
	}
	for _, s := range p.stack {
		if s == id {
			p.log.Warn("style layer reference is circular", zap.String("layer", id))
			return nil
		}
	}
	ld, ok := p.docs[id]
	if !ok {
		return nil
	}

	l := &Layer{ID: id, Type: ParseLayerType(ld.Type)}
	if ld.Ref != "" {
		p.stack = append(p.stack, id)
		ref := p.resolve(ld.Ref)
		p.stack = p.stack[:len(p.stack)-1]
		if ref == nil {
			p.log.Warn("style layer references unknown layer", zap.String("layer", id), zap.String("ref", ld.Ref))
			return nil
		}
		l.Type = ref.Type
		l.Bucket = ref.Bucket
	} else {
		b, err := p.bucket(ld, l.Type)
		if err != nil {
			p.log.Warn("skipping style layer", zap.String("layer", id), zap.Error(err))
			return nil
		}
		l.Bucket = b
	}
	p.layers[id] = l
	return l
}

func (p *parser) bucket(ld layerDoc, typ LayerType) (*Bucket, error) {
	if typ == LayerUnknown {
		return nil, fmt.Errorf("unknown layer type %q", ld.Type)
	}
	b := &Bucket{
		Name:        ld.ID,
		Type:        typ,
		Source:      ld.Source,
		SourceLayer: ld.SourceLayer,
		MinZoom:     0,
		MaxZoom:     24,
		Visible:     true,
	}
	if ld.Source != "" {
		if _, ok := p.table.Sources[ld.Source]; !ok {
			p.log.Warn("style layer uses unknown source", zap.String("layer", ld.ID), zap.String("source", ld.Source))
		}
	}
	if ld.MinZoom != nil {
		b.MinZoom = *ld.MinZoom
	}
	if ld.MaxZoom != nil {
		b.MaxZoom = *ld.MaxZoom
	}
	if v, ok := ld.Layout["visibility"].(string); ok {
		b.Visible = !strings.EqualFold(v, "none")
	}
	if ld.Filter != nil {
		f, err := ParseFilter(ld.Filter)
		if err != nil {
			return nil, err
		}
		b.Filter = f
	}
	return b, nil
}
