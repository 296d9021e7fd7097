// Package poller runs a feature's tick function on a fixed interval from a
// single owned goroutine. Ticks never overlap: the next wait starts only
// after the previous tick returned. Stop cancels the loop and waits for it,
// so no tick fires after Stop returns.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrRunning is returned by Start on a loop that is already running.
var ErrRunning = eris.New("poller: already running")

// TickFunc is one bounded pass. Its error is logged and the loop continues.
type TickFunc func(ctx context.Context) error

// Loop is an owned periodic task with an explicit lifecycle.
type Loop struct {
	name     string
	interval func() time.Duration
	tick     TickFunc
	log      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}

	ticks  atomic.Int64
	errs   atomic.Int64
	panics atomic.Int64
}

// New builds a stopped loop. interval is read before every wait so a live
// configuration change applies from the next tick.
func New(name string, interval func() time.Duration, tick TickFunc, log *zap.Logger) *Loop {
	if log == nil {
		log = zap.L()
	}
	return &Loop{
		name:     name,
		interval: interval,
		tick:     tick,
		log:      log.Named("poller").With(zap.String("loop", name)),
		wake:     make(chan struct{}, 1),
	}
}

// Start launches the loop; the first tick runs immediately.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return eris.Wrap(ErrRunning, l.name)
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
	l.log.Info("started")
	return nil
}

// Stop cancels the loop and blocks until the goroutine has exited. It is a
// no-op on a stopped loop.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	l.log.Info("stopped", zap.Int64("ticks", l.ticks.Load()))
}

// Running reports whether the loop goroutine is live.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// Wake requests an early tick. Requests coalesce; it never blocks.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Stats returns tick, error and recovered-panic counts.
func (l *Loop) Stats() (ticks, errs, panics int64) {
	return l.ticks.Load(), l.errs.Load(), l.panics.Load()
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			return
		}
		l.runTick(ctx)

		d := l.interval()
		if d <= 0 {
			d = time.Second
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-l.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (l *Loop) runTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(1)
			l.log.Error("tick panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	l.ticks.Add(1)
	if err := l.tick(ctx); err != nil && ctx.Err() == nil {
		l.errs.Add(1)
		l.log.Debug("tick failed", zap.Error(err))
	}
}
