package tile

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tilepipe/internal/cache"
	"tilepipe/internal/loop"
	"tilepipe/internal/pbf"
	"tilepipe/internal/storage"
	"tilepipe/internal/style"
	"tilepipe/internal/vectortile"
)

const testStyle = `{
  "sources": {"streets": {"type": "vector"}, "satellite": {"type": "raster"}},
  "layers": [
    {"id": "background", "type": "background"},
    {"id": "water", "type": "fill", "source": "streets", "source-layer": "water"},
    {"id": "water-outline", "ref": "water"},
    {"id": "roads", "type": "line", "source": "streets", "source-layer": "roads",
     "filter": ["==", "class", "primary"]},
    {"id": "labels", "type": "symbol", "source": "streets", "source-layer": "poi", "minzoom": 10},
    {"id": "broken", "type": "fill", "source": "streets", "source-layer": "broken"},
    {"id": "imagery", "type": "raster", "source": "satellite"}
  ]
}`

func testTable(t *testing.T) *style.Table {
	t.Helper()
	table, err := style.Parse([]byte(testStyle), zap.NewNop())
	require.NoError(t, err)
	return table
}

func square(size float64) orb.Polygon {
	return orb.Polygon{{{0, 0}, {size, 0}, {size, size}, {0, size}, {0, 0}}}
}

func sampleTile() []byte {
	water := vectortile.NewLayerBuilder("water", 4096)
	water.AddFeature(1, map[string]any{"class": "lake"}, square(100))

	roads := vectortile.NewLayerBuilder("roads", 4096)
	roads.AddFeature(2, map[string]any{"class": "primary"}, orb.LineString{{0, 0}, {10, 10}})
	roads.AddFeature(3, map[string]any{"class": "service"}, orb.LineString{{0, 0}, {5, 5}})
	roads.AddFeature(4, map[string]any{"class": "primary"}, orb.Point{1, 1})

	poi := vectortile.NewLayerBuilder("poi", 4096)
	poi.AddFeature(5, map[string]any{"name": "cafe"}, orb.Point{3, 4})

	return vectortile.EncodeTile(water, roads, poi)
}

// brokenLayer is a layer named "broken" whose feature field claims more
// bytes than the layer holds.
func brokenLayer() []byte {
	layer := &pbf.Writer{}
	layer.String(1, "broken")
	layer.Varint(2<<3 | pbf.WireBytes)
	layer.Varint(50)
	layer.Varint(1)

	tile := &pbf.Writer{}
	tile.Message(3, layer)
	return tile.Bytes()
}

type fakeFetcher struct {
	mu    sync.Mutex
	body  map[string][]byte
	fail  error
	calls int
	gate  chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, req storage.FetchRequest) (storage.FetchResult, error) {
	f.mu.Lock()
	f.calls++
	body, ok := f.body[req.URL]
	fail := f.fail
	f.mu.Unlock()

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return storage.FetchResult{}, ctx.Err()
		}
	}
	if fail != nil {
		return storage.FetchResult{}, fail
	}
	if !ok {
		return storage.FetchResult{}, &storage.HTTPError{StatusCode: 404, URL: req.URL}
	}
	return storage.FetchResult{Body: body}, nil
}

type fixture struct {
	loop   *loop.Loop
	source *storage.Source
	fetch  *fakeFetcher
	table  *style.Table
}

func newFixture(t *testing.T, fetch *fakeFetcher) *fixture {
	t.Helper()
	l := loop.New(zap.NewNop())
	l.Start(context.Background())
	src := storage.NewSource(storage.Options{
		Store:   cache.NewMemoryStore(16),
		Fetcher: fetch,
		Loop:    l,
	}, zap.NewNop())
	t.Cleanup(func() {
		src.Close()
		l.Stop()
	})
	return &fixture{loop: l, source: src, fetch: fetch, table: testTable(t)}
}

const template = "https://tiles.example.com/{z}/{x}/{y}.pbf"

func (f *fixture) newTile(id maptile.Tile, cfg Config) (*Data, chan error) {
	done := make(chan error, 1)
	cfg.URLTemplate = template
	cfg.OnLoaded = func(*Data) { done <- nil }
	cfg.OnFailed = func(_ *Data, err error) { done <- err }
	return New(id, f.source, f.table, cfg, zap.NewNop()), done
}

func wait(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("tile callback not delivered")
		return nil
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "invalid", Invalid.String())
	assert.Equal(t, "loading", Loading.String())
	assert.Equal(t, "obsolete", Obsolete.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestDataString(t *testing.T) {
	d := New(maptile.New(3, 5, 7), nil, nil, Config{}, zap.NewNop())
	assert.Equal(t, "7/3/5", d.String())
	assert.Equal(t, Initial, d.State())
	assert.Equal(t, Invalid, (&Data{}).State())
}

func TestDataLifecycle(t *testing.T) {
	id := maptile.New(1, 2, 12)
	fetch := &fakeFetcher{body: map[string][]byte{"https://tiles.example.com/12/1/2.pbf": sampleTile()}}
	f := newFixture(t, fetch)

	d, done := f.newTile(id, Config{Source: "streets"})
	assert.False(t, d.Parse(), "parse before load is rejected")

	require.True(t, d.Request())
	assert.False(t, d.Request(), "second request is rejected")
	require.NoError(t, wait(t, done))
	assert.Equal(t, Loaded, d.State())
	assert.Nil(t, d.Buckets())

	require.True(t, d.Parse())
	assert.Equal(t, Parsed, d.State())
	assert.False(t, d.Parse())
	assert.Equal(t, 1, fetch.calls)

	buckets := d.Buckets()
	require.Len(t, buckets, 3)

	water := buckets["water"]
	require.NotNil(t, water)
	require.Len(t, water.Features, 1)
	assert.IsType(t, orb.Polygon{}, water.Features[0].Geometry)
	assert.Equal(t, 5, water.Vertices())

	roads := buckets["roads"]
	require.NotNil(t, roads)
	require.Len(t, roads.Features, 1, "filter and geometry rules applied")
	assert.Equal(t, uint64(2), roads.Features[0].ID)

	assert.Contains(t, buckets, "labels")
	assert.NotContains(t, buckets, "water-outline", "ref layers share a bucket")
	assert.NotContains(t, buckets, "background")

	delete(buckets, "water")
	buckets["extra"] = &Bucket{Name: "extra"}
	again := d.Buckets()
	assert.Len(t, again, 3, "callers cannot reshape the parsed bucket set")
	assert.Contains(t, again, "water")
	assert.NotContains(t, again, "extra")
}

func TestDataZoomFiltersBuckets(t *testing.T) {
	id := maptile.New(0, 0, 4)
	fetch := &fakeFetcher{body: map[string][]byte{"https://tiles.example.com/4/0/0.pbf": sampleTile()}}
	f := newFixture(t, fetch)

	d, done := f.newTile(id, Config{})
	d.Request()
	require.NoError(t, wait(t, done))
	require.True(t, d.Parse())
	assert.NotContains(t, d.Buckets(), "labels")
}

func TestDataCancelThenCompleteStaysObsolete(t *testing.T) {
	f := newFixture(t, &fakeFetcher{gate: make(chan struct{})})
	d, _ := f.newTile(maptile.New(0, 0, 1), Config{})

	require.True(t, d.Request())
	assert.Equal(t, Loading, d.State())

	d.Cancel()
	assert.Equal(t, Obsolete, d.State())

	// A completion racing in after cancel must be dropped.
	d.complete(storage.Response{Data: sampleTile()})
	assert.Equal(t, Obsolete, d.State())
	d.mu.Lock()
	assert.Empty(t, d.raw)
	d.mu.Unlock()
	assert.False(t, d.Parse())
	assert.Nil(t, d.Buckets())

	d.Cancel()
	assert.Equal(t, Obsolete, d.State())
}

func TestDataCancelDetachesRequest(t *testing.T) {
	fetch := &fakeFetcher{gate: make(chan struct{})}
	f := newFixture(t, fetch)
	d, done := f.newTile(maptile.New(0, 0, 1), Config{})

	d.Request()
	require.NoError(t, f.loop.Sync(context.Background()))
	d.Cancel()
	close(fetch.gate)
	require.NoError(t, f.loop.Sync(context.Background()))
	require.NoError(t, f.loop.Sync(context.Background()))

	assert.Empty(t, done)
	assert.Equal(t, Obsolete, d.State())
}

func TestDataCancelAfterLoadDropsBytes(t *testing.T) {
	id := maptile.New(1, 1, 2)
	fetch := &fakeFetcher{body: map[string][]byte{"https://tiles.example.com/2/1/1.pbf": sampleTile()}}
	f := newFixture(t, fetch)

	d, done := f.newTile(id, Config{})
	d.Request()
	require.NoError(t, wait(t, done))

	d.Cancel()
	assert.Equal(t, Obsolete, d.State())
	assert.False(t, d.Parse())
}

func TestDataRequestFailureMakesObsolete(t *testing.T) {
	f := newFixture(t, &fakeFetcher{})
	d, done := f.newTile(maptile.New(9, 9, 9), Config{})

	d.Request()
	err := wait(t, done)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, Obsolete, d.State())
	assert.ErrorIs(t, d.Err(), storage.ErrNotFound)
}

func TestDataCorruptTileNeverParses(t *testing.T) {
	id := maptile.New(0, 0, 3)
	fetch := &fakeFetcher{body: map[string][]byte{"https://tiles.example.com/3/0/0.pbf": {0x1a, 0x10, 0x01}}}
	f := newFixture(t, fetch)

	d, done := f.newTile(id, Config{})
	d.Request()
	require.NoError(t, wait(t, done))

	assert.False(t, d.Parse())
	assert.Equal(t, Obsolete, d.State())
	assert.ErrorIs(t, d.Err(), ErrDecode)
	assert.ErrorIs(t, d.Err(), pbf.ErrEndOfBuffer)
}

func TestDataOversizedGeometryFailsTile(t *testing.T) {
	id := maptile.New(0, 0, 3)
	fetch := &fakeFetcher{body: map[string][]byte{"https://tiles.example.com/3/0/0.pbf": sampleTile()}}
	f := newFixture(t, fetch)

	d, done := f.newTile(id, Config{Limits: vectortile.Limits{MaxVertices: 3, MaxCoordinate: 1 << 20}})
	d.Request()
	require.NoError(t, wait(t, done))

	assert.False(t, d.Parse())
	assert.Equal(t, Obsolete, d.State())
	assert.ErrorIs(t, d.Err(), vectortile.ErrGeometryTooLong)
}

func TestDataCorruptLayerDropsOnlyItsBucket(t *testing.T) {
	id := maptile.New(0, 0, 12)
	body := append(sampleTile(), brokenLayer()...)
	fetch := &fakeFetcher{body: map[string][]byte{"https://tiles.example.com/12/0/0.pbf": body}}
	f := newFixture(t, fetch)

	d, done := f.newTile(id, Config{})
	d.Request()
	require.NoError(t, wait(t, done))

	require.True(t, d.Parse())
	buckets := d.Buckets()
	assert.NotContains(t, buckets, "broken")
	assert.Contains(t, buckets, "water")
	assert.Contains(t, buckets, "roads")
}

func TestDataInflatesCompressedPayloads(t *testing.T) {
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write(sampleTile())
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	zs := enc.EncodeAll(sampleTile(), nil)
	require.NoError(t, enc.Close())

	fetch := &fakeFetcher{body: map[string][]byte{
		"https://tiles.example.com/12/0/0.pbf": gz.Bytes(),
		"https://tiles.example.com/12/1/0.pbf": zs,
	}}
	f := newFixture(t, fetch)

	for _, id := range []maptile.Tile{maptile.New(0, 0, 12), maptile.New(1, 0, 12)} {
		d, done := f.newTile(id, Config{})
		d.Request()
		require.NoError(t, wait(t, done))
		require.True(t, d.Parse(), d.String())
		assert.Contains(t, d.Buckets(), "water")
	}
}

func TestInflateLimit(t *testing.T) {
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write(make([]byte, 4096))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, err = inflate(gz.Bytes(), 1024)
	assert.Error(t, err)

	out, err := inflate([]byte{1, 2, 3}, 1024)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, out)
}

type fakeDecoder struct {
	err error
}

func (f fakeDecoder) Decode(data []byte) (RasterInfo, error) {
	if f.err != nil {
		return RasterInfo{}, f.err
	}
	return RasterInfo{Width: 256, Height: 256, Bands: 3, Data: data}, nil
}

func TestDataRasterParse(t *testing.T) {
	id := maptile.New(0, 0, 1)
	fetch := &fakeFetcher{body: map[string][]byte{"https://tiles.example.com/1/0/0.pbf": []byte("image")}}
	f := newFixture(t, fetch)

	d, done := f.newTile(id, Config{Raster: true, Source: "satellite", Decoder: fakeDecoder{}})
	d.Request()
	require.NoError(t, wait(t, done))
	require.True(t, d.Parse())

	b := d.Buckets()["imagery"]
	require.NotNil(t, b)
	require.NotNil(t, b.Raster)
	assert.Equal(t, 256, b.Raster.Width)
	assert.Equal(t, style.LayerRaster, b.Type)

	bad, done := f.newTile(id, Config{Raster: true, Decoder: fakeDecoder{err: errors.New("not an image")}})
	bad.Request()
	require.NoError(t, wait(t, done))
	assert.False(t, bad.Parse())
	assert.ErrorIs(t, bad.Err(), ErrDecode)
}

func TestDataConcurrentParseAndCancel(t *testing.T) {
	fetch := &fakeFetcher{body: map[string][]byte{}}
	for x := uint32(0); x < 8; x++ {
		fetch.body[resourceURL(x)] = sampleTile()
	}
	f := newFixture(t, fetch)

	var tiles []*Data
	for x := uint32(0); x < 8; x++ {
		d, done := f.newTile(maptile.New(x, 0, 12), Config{})
		d.Request()
		require.NoError(t, wait(t, done))
		tiles = append(tiles, d)
	}

	var wg sync.WaitGroup
	for i, d := range tiles {
		wg.Add(2)
		go func() {
			defer wg.Done()
			d.Parse()
		}()
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				d.Cancel()
			}
		}()
	}
	wg.Wait()

	for i, d := range tiles {
		s := d.State()
		if i%2 == 0 {
			assert.Equal(t, Obsolete, s)
			assert.Nil(t, d.Buckets())
		} else {
			assert.Equal(t, Parsed, s)
			assert.NotEmpty(t, d.Buckets())
		}
	}
}

func resourceURL(x uint32) string {
	return "https://tiles.example.com/12/" + string(rune('0'+x)) + "/0.pbf"
}
