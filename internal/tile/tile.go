// Package tile drives a single tile from request through decode.
package tile

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"go.uber.org/zap"

	"tilepipe/internal/metrics"
	"tilepipe/internal/resource"
	"tilepipe/internal/storage"
	"tilepipe/internal/style"
	"tilepipe/internal/vectortile"
)

var ErrDecode = errors.New("tile decode failed")

// Provider issues resource requests. *storage.Source implements it.
type Provider interface {
	Request(kind resource.Kind, url string, cb storage.Callback) *storage.Request
}

type Config struct {
	URLTemplate string
	// Source restricts parsing to buckets of one style source. Empty means
	// every bucket.
	Source string
	Raster bool
	Retina bool
	Limits vectortile.Limits
	// MaxInflatedBytes caps gzip/zstd payload expansion.
	MaxInflatedBytes int64
	Decoder          RasterDecoder

	// OnLoaded and OnFailed run on the provider's loop.
	OnLoaded func(*Data)
	OnFailed func(*Data, error)
}

// Feature is one decoded feature in a bucket.
type Feature struct {
	ID         uint64
	Properties map[string]any
	Geometry   orb.Geometry
}

// Bucket is the decoded geometry for one style layer.
type Bucket struct {
	Name     string
	Type     style.LayerType
	Features []Feature
	Raster   *RasterInfo
}

// Vertices returns the number of vertices across all features.
func (b *Bucket) Vertices() int {
	n := 0
	for _, f := range b.Features {
		n += vectortile.CountVertices(f.Geometry)
	}
	return n
}

// Data is the unit of work for one tile. The state is the only value both
// the loop and parse workers synchronize on; everything else is guarded by
// mu and only trusted after checking the state.
type Data struct {
	id       maptile.Tile
	cfg      Config
	provider Provider
	table    *style.Table
	log      *zap.Logger

	state atomic.Int32

	mu      sync.Mutex
	raw     []byte
	handle  *storage.Request
	buckets map[string]*Bucket
	err     error

	parseMu sync.Mutex
}

func New(id maptile.Tile, provider Provider, table *style.Table, cfg Config, log *zap.Logger) *Data {
	if cfg.Limits == (vectortile.Limits{}) {
		cfg.Limits = vectortile.DefaultLimits
	}
	if cfg.MaxInflatedBytes <= 0 {
		cfg.MaxInflatedBytes = 16 << 20
	}
	if table == nil {
		table = &style.Table{}
	}
	d := &Data{
		id:       id,
		cfg:      cfg,
		provider: provider,
		table:    table,
	}
	d.log = log.With(zap.Stringer("tile", d))
	d.state.Store(int32(Initial))
	return d
}

func (d *Data) ID() maptile.Tile { return d.id }

func (d *Data) State() State { return State(d.state.Load()) }

// String returns "z/x/y".
func (d *Data) String() string {
	return fmt.Sprintf("%d/%d/%d", d.id.Z, d.id.X, d.id.Y)
}

// Err returns the failure that made the tile obsolete, if any.
func (d *Data) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Buckets returns a copy of the decoded bucket map. It is nil unless the tile
// is parsed. The buckets themselves are shared and must be treated as
// read-only.
func (d *Data) Buckets() map[string]*Bucket {
	if d.State() != Parsed {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.buckets)
}

func (d *Data) transition(from, to State) bool {
	if !d.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	metrics.TileTransitions.WithLabelValues(to.String()).Inc()
	return true
}

// Request issues the tile's resource request. Only the first call from
// Initial does anything.
func (d *Data) Request() bool {
	if !d.transition(Initial, Loading) {
		d.log.Debug("Ignoring request", zap.Stringer("state", d.State()))
		return false
	}

	url := resource.TileURL(d.cfg.URLTemplate, d.id, d.cfg.Retina)
	h := d.provider.Request(resource.Tile, url, d.complete)

	d.mu.Lock()
	if d.State() == Obsolete {
		d.mu.Unlock()
		h.Cancel()
		return false
	}
	d.handle = h
	d.mu.Unlock()
	return true
}

// complete is the provider callback.
func (d *Data) complete(resp storage.Response) {
	d.mu.Lock()
	if d.State() != Loading {
		d.mu.Unlock()
		return
	}

	if resp.Err != nil {
		if !d.transition(Loading, Obsolete) {
			d.mu.Unlock()
			return
		}
		d.err = resp.Err
		h := d.handle
		d.handle = nil
		d.mu.Unlock()

		// Detach so that a reachability retry does not call back again.
		if h != nil {
			h.Cancel()
		}
		d.log.Info("Tile request failed", zap.Error(resp.Err))
		if d.cfg.OnFailed != nil {
			d.cfg.OnFailed(d, resp.Err)
		}
		return
	}

	if !d.transition(Loading, Loaded) {
		d.mu.Unlock()
		return
	}
	d.raw = resp.Data
	d.handle = nil
	d.mu.Unlock()

	d.log.Debug("Tile loaded", zap.Int("bytes", len(resp.Data)), zap.Bool("stale", resp.Stale))
	if d.cfg.OnLoaded != nil {
		d.cfg.OnLoaded(d)
	}
}

// Cancel makes the tile obsolete and detaches its request. It is immediate
// and idempotent.
func (d *Data) Cancel() {
	for {
		s := d.State()
		if s == Obsolete {
			return
		}
		if d.transition(s, Obsolete) {
			break
		}
	}

	d.mu.Lock()
	d.raw = nil
	h := d.handle
	d.handle = nil
	d.mu.Unlock()

	if h != nil {
		h.Cancel()
	}
}

// Parse decodes the loaded bytes into buckets. It reports whether the tile
// reached Parsed. A decode failure makes the tile obsolete.
func (d *Data) Parse() bool {
	d.parseMu.Lock()
	defer d.parseMu.Unlock()

	if d.State() != Loaded {
		d.log.Debug("Ignoring parse", zap.Stringer("state", d.State()))
		return false
	}

	d.mu.Lock()
	raw := d.raw
	d.mu.Unlock()

	started := time.Now()
	var (
		buckets map[string]*Bucket
		err     error
	)
	if d.cfg.Raster {
		buckets, err = d.parseRaster(raw)
	} else {
		buckets, err = d.parseVector(raw)
	}
	metrics.ParseDuration.Observe(time.Since(started).Seconds())

	d.mu.Lock()
	defer d.mu.Unlock()

	if err != nil {
		if d.transition(Loaded, Obsolete) {
			d.err = err
			d.raw = nil
			d.log.Warn("Tile decode failed", zap.Error(err))
		}
		return false
	}
	if !d.transition(Loaded, Parsed) {
		return false
	}
	d.buckets = buckets
	d.raw = nil
	return true
}
