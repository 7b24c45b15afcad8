package tile

import (
	"fmt"

	"github.com/cshum/vipsgen/vips"

	"tilepipe/internal/style"
)

// RasterInfo describes a decoded raster tile.
type RasterInfo struct {
	Width  int
	Height int
	Bands  int
	// Data is the encoded image, kept for upload.
	Data []byte
}

// RasterDecoder reads the header of an encoded image.
type RasterDecoder interface {
	Decode(data []byte) (RasterInfo, error)
}

// VipsDecoder decodes images with libvips. vips.Startup must have been
// called.
type VipsDecoder struct{}

func (VipsDecoder) Decode(data []byte) (RasterInfo, error) {
	image, err := vips.NewImageFromBuffer(data, nil)
	if err != nil {
		return RasterInfo{}, fmt.Errorf("failed to open image: %w", err)
	}
	defer image.Close()

	w, h := image.Width(), image.Height()
	if w <= 0 || h <= 0 {
		return RasterInfo{}, fmt.Errorf("invalid image size %dx%d", w, h)
	}
	return RasterInfo{Width: w, Height: h, Bands: image.Bands(), Data: data}, nil
}

// parseRaster produces a single bucket named after the first raster layer
// of the tile's source, or "raster" when the style has none.
func (d *Data) parseRaster(raw []byte) (map[string]*Bucket, error) {
	if d.cfg.Decoder == nil {
		return nil, fmt.Errorf("%w: no raster decoder configured", ErrDecode)
	}
	info, err := d.cfg.Decoder.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	name := "raster"
	for _, b := range d.table.Buckets() {
		if b.Type == style.LayerRaster && d.wants(b) {
			name = b.Name
			break
		}
	}
	return map[string]*Bucket{
		name: {Name: name, Type: style.LayerRaster, Raster: &info},
	}, nil
}
