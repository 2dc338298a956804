// Package periodic runs background work on a fixed interval.
package periodic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Loop calls fn every interval until its context is cancelled or Stop is
// called. A panic in fn is logged and the loop keeps going.
type Loop struct {
	name     string
	interval time.Duration
	fn       func(context.Context)
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// New creates a loop. name appears in panic logs.
func New(name string, interval time.Duration, logger *slog.Logger, fn func(context.Context)) *Loop {
	return &Loop{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Interval returns the tick interval.
func (l *Loop) Interval() time.Duration {
	return l.interval
}

// Running reports whether the loop is actively running.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Start blocks until the loop stops. Call in a goroutine. A stopped loop
// does not start again.
func (l *Loop) Start(ctx context.Context) {
	l.running.Store(true)
	defer l.running.Store(false)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			l.safeRun(ctx)
		}
	}
}

// Stop ends the loop once the current run, if any, returns. It is safe to
// call more than once and before Start.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Loop) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic in "+l.name, "panic", fmt.Sprint(r))
		}
	}()
	l.fn(ctx)
}
