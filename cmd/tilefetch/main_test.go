package main

import (
	"errors"
	"testing"

	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tilepipe/internal/style"
	"tilepipe/internal/tile"
)

func TestParseTile(t *testing.T) {
	id, err := parseTile("3/1/2")
	require.NoError(t, err)
	assert.Equal(t, maptile.New(1, 2, 3), id)

	for _, bad := range []string{"3/1", "a/b/c", "1/2/0", "31/0/0"} {
		_, err := parseTile(bad)
		assert.Error(t, err, bad)
	}
}

func TestSummarize(t *testing.T) {
	id := maptile.New(1, 2, 3)
	d := tile.New(id, nil, &style.Table{}, tile.Config{}, zap.NewNop())

	assert.Equal(t, `3/1/2 initial error="boom"`, summarize(id, d, errors.New("boom")))
	assert.Equal(t, "3/1/2 initial", summarize(id, d, nil))
}
