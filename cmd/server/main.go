package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"github.com/paulmach/orb/maptile"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tilepipe/internal/config"
	httphandlers "tilepipe/internal/http"
	"tilepipe/internal/logger"
	"tilepipe/internal/pipeline"
	"tilepipe/internal/tile"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	if cfg.Raster {
		startVips(cfg, log)
		defer vips.Shutdown()
	}

	log.Info("Starting tilepipe server",
		zap.Int("port", cfg.Port),
		zap.String("cache", cfg.CacheType),
		zap.String("base_url", cfg.BaseURL),
	)

	startCtx, cancelStart := context.WithTimeout(context.Background(), cfg.HTTPTimeout)
	p, err := pipeline.Open(startCtx, cfg, nil, log)
	cancelStart()
	if err != nil {
		log.Fatal("Failed to initialize pipeline", zap.Error(err))
	}

	handlers := httphandlers.New(cfg, log, p.Loader, p.Source)

	mux := http.NewServeMux()
	handlers.Routes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	handler := handlers.CORSMiddleware(handlers.RequestLoggingMiddleware(mux))

	prefetchCtx, cancelPrefetch := context.WithCancel(context.Background())
	defer cancelPrefetch()
	if cfg.PrefetchEnabled() {
		go prefetchTiles(prefetchCtx, cfg, p.Loader, log)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	cancelPrefetch()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := p.Close(); err != nil {
		log.Error("Failed to close pipeline", zap.Error(err))
	}

	log.Info("Server stopped")
}

func startVips(cfg *config.Config, log *zap.Logger) {
	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.Vips.Concurrency,
		MaxCacheMem:      cfg.Vips.MaxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0,
		MaxCacheSize:     0,
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.Vips.MaxCacheMB),
		zap.Int("concurrency", cfg.Vips.Concurrency),
	)
}

// prefetchTiles loads the tiles around the configured center so that the
// persistent cache is primed before the first client asks.
func prefetchTiles(ctx context.Context, cfg *config.Config, loader *tile.Loader, log *zap.Logger) {
	tiles := prefetchSet(cfg.Prefetch)
	if len(tiles) == 0 {
		return
	}

	log.Info("Starting tile prefetch", zap.Int("zoom", cfg.Prefetch.Zoom), zap.Int("tiles", len(tiles)))

	workerLimit := cfg.Prefetch.Workers
	if workerLimit <= 0 {
		workerLimit = 1
	}

	workerChan := make(chan struct{}, workerLimit)
	var wg sync.WaitGroup

	for _, id := range tiles {
		select {
		case workerChan <- struct{}{}: // Acquire worker slot
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)

		go func(id maptile.Tile) {
			defer wg.Done()
			defer func() { <-workerChan }() // Release worker slot

			if _, err := loader.Load(ctx, id); err != nil {
				log.Debug("Prefetch tile failed",
					zap.Uint32("z", uint32(id.Z)), zap.Uint32("x", id.X), zap.Uint32("y", id.Y),
					zap.Error(err))
			}
		}(id)
	}

	wg.Wait()
	log.Info("Tile prefetch completed")
}

// prefetchSet returns the tiles within p.Radius of (p.X, p.Y), clamped to
// the zoom level's bounds.
func prefetchSet(p config.Prefetch) []maptile.Tile {
	if p.Zoom < 0 || p.Zoom > 30 {
		return nil
	}
	limit := 1 << p.Zoom
	var out []maptile.Tile
	for x := p.X - p.Radius; x <= p.X+p.Radius; x++ {
		for y := p.Y - p.Radius; y <= p.Y+p.Radius; y++ {
			if x < 0 || y < 0 || x >= limit || y >= limit {
				continue
			}
			out = append(out, maptile.New(uint32(x), uint32(y), maptile.Zoom(p.Zoom)))
		}
	}
	return out
}
