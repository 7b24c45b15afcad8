package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoopRunsTasksInOrder(t *testing.T) {
	l := New(zap.NewNop())
	l.Start(context.Background())
	defer l.Stop()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, l.Sync(context.Background()))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoopPostFromManyGoroutines(t *testing.T) {
	l := New(zap.NewNop())
	l.Start(context.Background())
	defer l.Stop()

	count := 0
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Post(func() { count++ })
			}
		}()
	}
	wg.Wait()
	require.NoError(t, l.Sync(context.Background()))
	assert.Equal(t, 800, count)
}

func TestLoopPostFromTask(t *testing.T) {
	l := New(zap.NewNop())
	l.Start(context.Background())
	defer l.Stop()

	done := make(chan struct{})
	l.Post(func() {
		l.Post(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested task did not run")
	}
}

func TestLoopSurvivesPanic(t *testing.T) {
	l := New(zap.NewNop())
	l.Start(context.Background())
	defer l.Stop()

	ran := false
	l.Post(func() { panic("boom") })
	l.Post(func() { ran = true })
	require.NoError(t, l.Sync(context.Background()))
	assert.True(t, ran)
}

func TestLoopStopDrainsAndRejects(t *testing.T) {
	l := New(zap.NewNop())
	l.Start(context.Background())

	ran := 0
	for i := 0; i < 10; i++ {
		l.Post(func() { ran++ })
	}
	l.Stop()

	assert.Equal(t, 10, ran)
	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Sync(context.Background()), ErrStopped)
}

func TestLoopRunStopsOnContext(t *testing.T) {
	l := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, l.Post(func() {}))
}
