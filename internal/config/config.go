package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type (
	Config struct {
		Port          int    `env:"PORT" envDefault:"8080"`
		LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
		DataDir       string `env:"DATA_DIR" envDefault:"/data"`
		AllowedOrigin string `env:"ALLOWED_ORIGIN"`

		// CacheType is one of sqlite, file, memory, redis, disabled.
		CacheType          string        `env:"CACHE" envDefault:"sqlite"`
		CachePath          string        `env:"CACHE_PATH"`
		CacheFileDir       string        `env:"CACHE_FILE_DIR"`
		CacheFileCompress  bool          `env:"CACHE_FILE_LZ4" envDefault:"true"`
		CacheMemoryEntries int           `env:"CACHE_MEMORY_ENTRIES" envDefault:"2000"`
		CacheTTL           time.Duration `env:"CACHE_TTL" envDefault:"24h"`

		BaseURL         string `env:"BASE_URL" envDefault:"https://tiles.example.com/"`
		AccessToken     string `env:"ACCESS_TOKEN"`
		AssetRoot       string `env:"ASSET_ROOT"`
		TileURLTemplate string `env:"TILE_URL_TEMPLATE" envDefault:"{z}/{x}/{y}.pbf"`
		StylePath       string `env:"STYLE_PATH"`
		StyleSource     string `env:"STYLE_SOURCE"`
		Retina          bool   `env:"RETINA" envDefault:"false"`
		Raster          bool   `env:"RASTER" envDefault:"false"`

		MaxConcurrentRequests int           `env:"MAX_CONCURRENT_REQUESTS" envDefault:"8"`
		RequestsPerSecond     float64       `env:"REQUESTS_PER_SECOND" envDefault:"0"`
		HTTPTimeout           time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
		ParseWorkers          int           `env:"PARSE_WORKERS" envDefault:"4"`
		TileTimeout           time.Duration `env:"TILE_TIMEOUT" envDefault:"30s"`

		Redis    Redis    `envPrefix:"REDIS_"`
		Vips     Vips     `envPrefix:"VIPS_"`
		Prefetch Prefetch `envPrefix:"PREFETCH_"`
	}

	Redis struct {
		Addr     string `env:"ADDR" envDefault:"localhost:6379"`
		Password string `env:"PASSWORD"`
		DB       int    `env:"DB" envDefault:"0"`
	}

	Vips struct {
		MaxCacheMB  int `env:"MAX_CACHE_MB" envDefault:"256"`
		Concurrency int `env:"CONCURRENCY" envDefault:"1"`
	}

	// Prefetch requests the tiles within Radius of (X, Y) at Zoom on startup.
	Prefetch struct {
		Zoom    int `env:"ZOOM" envDefault:"-1"`
		X       int `env:"X" envDefault:"0"`
		Y       int `env:"Y" envDefault:"0"`
		Radius  int `env:"RADIUS" envDefault:"1"`
		Workers int `env:"WORKERS" envDefault:"1"`
	}
)

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	// A missing .env is the normal case in production.
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if cfg.CachePath == "" {
		cfg.CachePath = filepath.Join(cfg.DataDir, "cache.db")
	}
	if cfg.CacheFileDir == "" {
		cfg.CacheFileDir = filepath.Join(cfg.DataDir, "cache")
	}
	return &cfg, nil
}

func (c *Config) PrefetchEnabled() bool {
	return c.Prefetch.Zoom >= 0
}
