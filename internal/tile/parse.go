package tile

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"tilepipe/internal/metrics"
	"tilepipe/internal/style"
	"tilepipe/internal/vectortile"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// inflate undoes gzip or zstd encoding. Other payloads are returned as is.
func inflate(data []byte, limit int64) ([]byte, error) {
	switch {
	case len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		return readLimited(zr, limit)
	case bytes.HasPrefix(data, zstdMagic):
		zr, err := zstd.NewReader(bytes.NewReader(data),
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(uint64(limit)),
		)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		return readLimited(zr, limit)
	}
	return data, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("inflated payload exceeds %d bytes", limit)
	}
	return out, nil
}

// wants reports whether bucket b takes part in parsing this tile.
func (d *Data) wants(b *style.Bucket) bool {
	if !b.Visible || !b.AcceptsZoom(float64(d.id.Z)) {
		return false
	}
	if d.cfg.Source != "" && b.Source != d.cfg.Source {
		return false
	}
	return true
}

// parseVector fills buckets from a vector tile. Framing errors and oversized
// geometry fail the whole tile. A layer or feature that fails to decode only
// drops the buckets that read from it.
func (d *Data) parseVector(raw []byte) (map[string]*Bucket, error) {
	data, err := inflate(raw, d.cfg.MaxInflatedBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	layers, err := vectortile.Split(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	byName := make(map[string]vectortile.RawLayer, len(layers))
	for _, l := range layers {
		if _, ok := byName[l.Name]; !ok {
			byName[l.Name] = l
		}
	}

	type decoded struct {
		layer *vectortile.Layer
		err   error
	}
	cache := make(map[string]decoded)

	out := make(map[string]*Bucket)
	for _, b := range d.table.Buckets() {
		switch b.Type {
		case style.LayerFill, style.LayerLine, style.LayerSymbol:
		default:
			continue
		}
		if !d.wants(b) {
			continue
		}
		rl, ok := byName[b.SourceLayer]
		if !ok {
			continue
		}

		dec, ok := cache[rl.Name]
		if !ok {
			dec.layer, dec.err = rl.Decode()
			cache[rl.Name] = dec
		}
		if dec.err != nil {
			d.dropBucket(b, dec.err)
			continue
		}

		bucket, err := d.fillBucket(b, dec.layer)
		if errors.Is(err, vectortile.ErrGeometryTooLong) {
			return nil, fmt.Errorf("%w: bucket %s: %w", ErrDecode, b.Name, err)
		}
		if err != nil {
			d.dropBucket(b, err)
			continue
		}
		if bucket != nil {
			out[b.Name] = bucket
		}
	}
	return out, nil
}

func (d *Data) fillBucket(b *style.Bucket, layer *vectortile.Layer) (*Bucket, error) {
	var bucket *Bucket
	for _, f := range layer.Features {
		geomType := f.Type.String()
		if !b.AcceptsGeometry(geomType) || !b.Match(f.Properties, geomType) {
			continue
		}
		g, err := f.Geometry(d.cfg.Limits)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", f.ID, err)
		}
		if bucket == nil {
			bucket = &Bucket{Name: b.Name, Type: b.Type}
		}
		bucket.Features = append(bucket.Features, Feature{
			ID:         f.ID,
			Properties: f.Properties,
			Geometry:   g,
		})
	}
	return bucket, nil
}

func (d *Data) dropBucket(b *style.Bucket, err error) {
	metrics.BucketErrors.WithLabelValues(b.Name).Inc()
	d.log.Warn("Dropping bucket",
		zap.String("bucket", b.Name),
		zap.String("source_layer", b.SourceLayer),
		zap.Error(err),
	)
}
