package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tilepipe/internal/config"
	"tilepipe/internal/storage"
	"tilepipe/internal/tile"
	"tilepipe/internal/vectortile"
)

type tileFetcher map[string][]byte

func (f tileFetcher) Fetch(_ context.Context, req storage.FetchRequest) (storage.FetchResult, error) {
	body, ok := f[req.URL]
	if !ok {
		return storage.FetchResult{}, &storage.HTTPError{StatusCode: 404, URL: req.URL}
	}
	return storage.FetchResult{Body: body}, nil
}

const styleDoc = `
sources:
  base: {type: vector}
layers:
  - {id: land, type: fill, source: base, source-layer: land}
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		CacheType:       "sqlite",
		CachePath:       filepath.Join(dir, "cache.db"),
		BaseURL:         "https://tiles.example.com/",
		AccessToken:     "tok",
		AssetRoot:       dir,
		TileURLTemplate: "v1/{z}/{x}/{y}.pbf",
		ParseWorkers:    2,
		CacheTTL:        time.Hour,
	}
}

func TestOpenLoadsStyleAndTiles(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.AssetRoot, "style.yaml"), []byte(styleDoc), 0644))
	cfg.StylePath = "asset://style.yaml"

	land := vectortile.NewLayerBuilder("land", 4096)
	land.AddFeature(1, nil, orb.Polygon{{{0, 0}, {8, 0}, {8, 8}, {0, 8}, {0, 0}}})
	fetch := tileFetcher{"https://tiles.example.com/v1/3/1/2.pbf?access_token=tok": vectortile.EncodeTile(land)}

	p, err := Open(context.Background(), cfg, fetch, zap.NewNop())
	require.NoError(t, err)
	defer p.Close()

	require.Len(t, p.Table.Layers, 1)

	d, err := p.Loader.Load(context.Background(), maptile.New(1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, tile.Parsed, d.State())
	assert.Contains(t, d.Buckets(), "land")

	// Second load is served by the persistent cache.
	delete(fetch, "https://tiles.example.com/v1/3/1/2.pbf?access_token=tok")
	d, err = p.Loader.Load(context.Background(), maptile.New(1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, tile.Parsed, d.State())
}

func TestOpenStyleFromDisk(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(cfg.AssetRoot, "style.yaml")
	require.NoError(t, os.WriteFile(path, []byte(styleDoc), 0644))
	cfg.StylePath = path

	p, err := Open(context.Background(), cfg, tileFetcher{}, zap.NewNop())
	require.NoError(t, err)
	defer p.Close()
	assert.Len(t, p.Table.Layers, 1)
}

func TestOpenFailures(t *testing.T) {
	cfg := testConfig(t)
	cfg.CacheType = "tape"
	_, err := Open(context.Background(), cfg, tileFetcher{}, zap.NewNop())
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.StylePath = "asset://missing.json"
	_, err = Open(context.Background(), cfg, tileFetcher{}, zap.NewNop())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
