// Package pipeline assembles the store, loop, file source, style table and
// tile loader from configuration.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"tilepipe/internal/cache"
	"tilepipe/internal/config"
	"tilepipe/internal/loop"
	"tilepipe/internal/resource"
	"tilepipe/internal/storage"
	"tilepipe/internal/style"
	"tilepipe/internal/tile"
)

type Pipeline struct {
	Loop   *loop.Loop
	Source *storage.Source
	Table  *style.Table
	Loader *tile.Loader

	cancel context.CancelFunc
}

// Open builds a running pipeline. fetcher may be nil, in which case an
// HTTPFetcher is built from cfg.
func Open(ctx context.Context, cfg *config.Config, fetcher storage.Fetcher, log *zap.Logger) (*Pipeline, error) {
	store, err := cache.NewStore(cache.Options{
		Type:          cfg.CacheType,
		Path:          cfg.CachePath,
		FileDir:       cfg.CacheFileDir,
		FileCompress:  cfg.CacheFileCompress,
		MemoryEntries: cfg.CacheMemoryEntries,
		TTL:           cfg.CacheTTL,
		Redis: cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	if fetcher == nil {
		fetcher = storage.NewHTTPFetcher(storage.HTTPFetcherConfig{
			Timeout:               cfg.HTTPTimeout,
			MaxConcurrentRequests: cfg.MaxConcurrentRequests,
			RequestsPerSecond:     cfg.RequestsPerSecond,
			UserAgent:             "tilepipe",
		})
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	l := loop.New(log.With(zap.String("component", "loop")))
	l.Start(loopCtx)

	src := storage.NewSource(storage.Options{
		Store:       store,
		Fetcher:     fetcher,
		Assets:      storage.NewAssetFetcher(cfg.AssetRoot),
		Loop:        l,
		TTL:         cfg.CacheTTL,
		BaseURL:     cfg.BaseURL,
		AccessToken: cfg.AccessToken,
	}, log)

	p := &Pipeline{Loop: l, Source: src, cancel: cancel}

	table, err := p.loadStyle(ctx, cfg.StylePath, log)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.Table = table

	var decoder tile.RasterDecoder
	if cfg.Raster {
		decoder = tile.VipsDecoder{}
	}
	p.Loader = tile.NewLoader(src, table, tile.Config{
		URLTemplate: cfg.TileURLTemplate,
		Source:      cfg.StyleSource,
		Raster:      cfg.Raster,
		Retina:      cfg.Retina,
		Decoder:     decoder,
	}, cfg.ParseWorkers, log)

	return p, nil
}

// loadStyle reads the style from disk, or through the file source when path
// is a URL. An empty path yields an empty table.
func (p *Pipeline) loadStyle(ctx context.Context, path string, log *zap.Logger) (*style.Table, error) {
	if path == "" {
		log.Warn("No style configured, tiles will parse without buckets")
		return &style.Table{}, nil
	}
	if !strings.Contains(path, "://") {
		return style.Load(path, log)
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	h := p.Source.Request(resource.Style, path, func(resp storage.Response) {
		done <- result{resp.Data, resp.Err}
	})
	defer h.Cancel()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("failed to fetch style: %w", r.err)
		}
		return style.Parse(r.data, log)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pipeline) Close() error {
	err := p.Source.Close()
	p.Loop.Stop()
	p.cancel()
	return err
}
