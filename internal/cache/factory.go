package cache

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Options selects and configures a store.
type Options struct {
	Type          string
	Path          string
	FileDir       string
	FileCompress  bool
	MemoryEntries int
	TTL           time.Duration
	Redis         RedisConfig
}

// NewStore creates a store instance based on the cache type
func NewStore(opts Options, log *zap.Logger) (Store, error) {
	switch opts.Type {
	case "sqlite":
		return NewSQLiteStore(opts.Path, log)
	case "file":
		log.Info("Using file cache", zap.String("cache_dir", opts.FileDir), zap.Bool("lz4", opts.FileCompress))
		return NewFileStore(opts.FileDir, opts.FileCompress)
	case "memory":
		log.Info("Using memory cache", zap.Int("max_entries", opts.MemoryEntries))
		return NewMemoryStore(opts.MemoryEntries), nil
	case "redis":
		log.Info("Using redis cache", zap.String("addr", opts.Redis.Addr))
		cfg := opts.Redis
		if cfg.TTL == 0 {
			cfg.TTL = opts.TTL
		}
		return NewRedisStore(cfg)
	case "disabled":
		log.Info("Cache disabled")
		return NewNoopStore(), nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s (supported: sqlite, file, memory, redis, disabled)", opts.Type)
	}
}
