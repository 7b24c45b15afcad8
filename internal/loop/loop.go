// Package loop runs tasks one at a time on a single goroutine.
package loop

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var ErrStopped = errors.New("loop stopped")

// Loop is a single-goroutine execution context backed by an unbounded FIFO
// queue. Post never blocks, so tasks may be posted from inside other tasks.
type Loop struct {
	log *zap.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func New(log *zap.Logger) *Loop {
	return &Loop{
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post enqueues fn. It returns false once the loop has been stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Run executes posted tasks until ctx is done or Stop is called. Tasks still
// queued at that point are run before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		for _, fn := range l.take() {
			l.exec(fn)
		}

		l.mu.Lock()
		stopped := l.stopped && len(l.queue) == 0
		l.mu.Unlock()
		if stopped {
			return nil
		}

		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			l.mu.Unlock()
			for _, fn := range l.take() {
				l.exec(fn)
			}
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Start runs the loop on its own goroutine.
func (l *Loop) Start(ctx context.Context) {
	go func() {
		if err := l.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.log.Warn("Loop exited", zap.Error(err))
		}
	}()
}

// Stop refuses further tasks and waits for the queue to drain. It must not
// be called from a task.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}

// Sync blocks until every task posted before it has run.
func (l *Loop) Sync(ctx context.Context) error {
	ch := make(chan struct{})
	if !l.Post(func() { close(ch) }) {
		return ErrStopped
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := l.queue
	l.queue = nil
	return q
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("Loop task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}
