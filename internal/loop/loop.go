// Package loop runs a function on a fixed interval in the background. The
// interval can be changed while running; only that loop restarts and
// nothing the function closes over is touched.
package loop

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/conductor/internal/metrics"
)

// TickFunc is one iteration of a loop.
type TickFunc func(ctx context.Context) error

// Loop is a restartable ticker loop. A tick that errors or panics is
// logged and counted; the loop keeps running.
type Loop struct {
	name   string
	fn     TickFunc
	logger *zap.Logger

	mu       sync.Mutex
	interval time.Duration
	parent   context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a stopped loop.
func New(name string, interval time.Duration, fn TickFunc, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		name:     name,
		fn:       fn,
		logger:   logger.With(zap.String("loop", name)),
		interval: interval,
	}
}

// Start launches the loop under ctx. Starting a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		select {
		case <-l.done:
			// Exited because its parent context ended.
			l.cancel()
			l.cancel, l.done = nil, nil
		default:
			return
		}
	}
	l.parent = ctx
	l.startLocked()
}

func (l *Loop) startLocked() {
	ctx, cancel := context.WithCancel(l.parent)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done
	go l.run(ctx, l.interval, done)
	l.logger.Info("loop started", zap.Duration("interval", l.interval))
}

// Stop stops the loop and waits for an in-flight tick to return.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
}

func (l *Loop) stopLocked() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
	l.cancel = nil
	l.done = nil
	l.logger.Info("loop stopped")
}

// Running reports whether the loop goroutine is alive.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Interval returns the current tick interval.
func (l *Loop) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

// Reset changes the interval. A running loop is restarted with it; a
// stopped loop picks it up on the next Start. It reports whether a restart
// happened.
func (l *Loop) Reset(interval time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if interval == l.interval {
		return false
	}
	l.interval = interval
	if l.cancel == nil {
		return false
	}
	l.stopLocked()
	l.startLocked()
	return true
}

func (l *Loop) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick(ctx, interval)
		}
	}
}

// Tick runs one iteration bounded by timeout, recovering panics.
func (l *Loop) Tick(ctx context.Context, timeout time.Duration) (err error) {
	tickCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			l.logger.Error("tick panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			metrics.TickErrors.WithLabelValues(l.name).Inc()
		}
	}()

	if err = l.fn(tickCtx); err != nil {
		l.logger.Error("tick failed", zap.Error(err))
		metrics.TickErrors.WithLabelValues(l.name).Inc()
	}
	return err
}
