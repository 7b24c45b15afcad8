package main

import (
	"testing"

	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"

	"tilepipe/internal/config"
)

func TestPrefetchSet(t *testing.T) {
	tiles := prefetchSet(config.Prefetch{Zoom: 2, X: 0, Y: 1, Radius: 1})
	assert.ElementsMatch(t, []maptile.Tile{
		maptile.New(0, 0, 2), maptile.New(0, 1, 2), maptile.New(0, 2, 2),
		maptile.New(1, 0, 2), maptile.New(1, 1, 2), maptile.New(1, 2, 2),
	}, tiles)

	assert.Len(t, prefetchSet(config.Prefetch{Zoom: 0, Radius: 3}), 1)
	assert.Empty(t, prefetchSet(config.Prefetch{Zoom: -1}))
}
