package tile

import (
	"context"
	"fmt"

	"github.com/paulmach/orb/maptile"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"tilepipe/internal/style"
)

// Loader requests tiles and parses them on a bounded set of workers, off
// the provider's loop.
type Loader struct {
	provider Provider
	table    *style.Table
	cfg      Config
	parse    *semaphore.Weighted
	log      *zap.Logger
}

func NewLoader(provider Provider, table *style.Table, cfg Config, workers int, log *zap.Logger) *Loader {
	if workers < 1 {
		workers = 1
	}
	return &Loader{
		provider: provider,
		table:    table,
		cfg:      cfg,
		parse:    semaphore.NewWeighted(int64(workers)),
		log:      log,
	}
}

// Load fetches and parses one tile. If ctx ends first the tile is canceled.
// The returned tile is non-nil whenever a request was issued, so callers can
// inspect its state on error.
func (l *Loader) Load(ctx context.Context, id maptile.Tile) (*Data, error) {
	loaded := make(chan error, 1)
	cfg := l.cfg
	cfg.OnLoaded = func(*Data) { loaded <- nil }
	cfg.OnFailed = func(_ *Data, err error) { loaded <- err }

	d := New(id, l.provider, l.table, cfg, l.log)
	if !d.Request() {
		return d, fmt.Errorf("tile %s was not requested", d)
	}

	select {
	case err := <-loaded:
		if err != nil {
			return d, err
		}
	case <-ctx.Done():
		d.Cancel()
		return d, ctx.Err()
	}

	if err := l.parse.Acquire(ctx, 1); err != nil {
		d.Cancel()
		return d, err
	}
	defer l.parse.Release(1)

	if !d.Parse() {
		if err := d.Err(); err != nil {
			return d, err
		}
		return d, fmt.Errorf("tile %s ended in state %s", d, d.State())
	}
	return d, nil
}
