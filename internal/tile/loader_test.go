package tile

import (
	"context"
	"testing"
	"time"

	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tilepipe/internal/storage"
)

func TestLoaderLoad(t *testing.T) {
	fetch := &fakeFetcher{body: map[string][]byte{"https://tiles.example.com/12/0/0.pbf": sampleTile()}}
	f := newFixture(t, fetch)
	l := NewLoader(f.source, f.table, Config{URLTemplate: template}, 2, zap.NewNop())

	d, err := l.Load(context.Background(), maptile.New(0, 0, 12))
	require.NoError(t, err)
	assert.Equal(t, Parsed, d.State())
	assert.Contains(t, d.Buckets(), "water")
}

func TestLoaderFailure(t *testing.T) {
	f := newFixture(t, &fakeFetcher{})
	l := NewLoader(f.source, f.table, Config{URLTemplate: template}, 1, zap.NewNop())

	d, err := l.Load(context.Background(), maptile.New(0, 0, 12))
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, Obsolete, d.State())
}

func TestLoaderTimeoutCancelsTile(t *testing.T) {
	f := newFixture(t, &fakeFetcher{gate: make(chan struct{})})
	l := NewLoader(f.source, f.table, Config{URLTemplate: template}, 1, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	d, err := l.Load(ctx, maptile.New(0, 0, 12))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Obsolete, d.State())
}
