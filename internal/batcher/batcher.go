// Package batcher turns timer ticks and queue-size signals into single-flight
// flushes.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"beacon/internal/logger"
	"beacon/internal/metrics"
)

// ErrPanic wraps a panic recovered from a flush.
var ErrPanic = errors.New("batcher: flush panicked")

// FlushFunc drains queued work. It runs with the single-flight gate held.
type FlushFunc func(ctx context.Context) error

// Batcher turns timer ticks and size signals into flushes, at most one at a
// time. Extra triggers while a flush is running are coalesced.
type Batcher struct {
	flush     FlushFunc
	interval  time.Duration
	threshold int

	gate   chan struct{}
	signal chan struct{}

	// rerun is set when a request was coalesced; the running flush
	// re-signals on release so the request is not lost.
	rerun atomic.Bool

	wg     sync.WaitGroup
	cancel context.CancelFunc

	// Metrics
	flushes   atomic.Uint64
	coalesced atomic.Uint64
	failed    atomic.Uint64
}

// Config holds batcher configuration
type Config struct {
	Flush     FlushFunc
	Interval  time.Duration
	Threshold int
}

// New creates a Batcher. Call Start to run the trigger loop.
func New(cfg Config) *Batcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 50
	}

	return &Batcher{
		flush:     cfg.Flush,
		interval:  cfg.Interval,
		threshold: cfg.Threshold,
		gate:      make(chan struct{}, 1),
		signal:    make(chan struct{}, 1),
	}
}

// Start begins the trigger loop
func (b *Batcher) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	b.cancel = cancel

	log := logger.WithComponent("batcher")
	log.Info().
		Dur("interval", b.interval).
		Int("threshold", b.threshold).
		Msg("starting batcher")

	b.wg.Add(1)
	go b.loop(ctx)
}

// Stop cancels the trigger loop and waits for a running flush to return.
func (b *Batcher) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	b.wg.Wait()
	log := logger.WithComponent("batcher")
	log.Info().Msg("batcher stopped")
}

func (b *Batcher) loop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.TryRun(ctx, b.flush)
		case <-b.signal:
			b.TryRun(ctx, b.flush)
		}
	}
}

// Notify reports the current number of unbatched events; reaching the
// threshold triggers a flush.
func (b *Batcher) Notify(size int) {
	if size >= b.threshold {
		b.Trigger()
	}
}

// Trigger requests a flush without blocking.
func (b *Batcher) Trigger() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// TryRun runs fn if no other flush holds the gate. ran is false when the
// request was coalesced.
func (b *Batcher) TryRun(ctx context.Context, fn FlushFunc) (ran bool, err error) {
	select {
	case b.gate <- struct{}{}:
	default:
		b.rerun.Store(true)
		b.coalesced.Add(1)
		metrics.FlushesCoalescedTotal.Inc()
		return false, nil
	}
	defer b.release()

	return true, b.run(ctx, fn)
}

// Run waits for the gate, then runs fn.
func (b *Batcher) Run(ctx context.Context, fn FlushFunc) error {
	select {
	case b.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer b.release()

	return b.run(ctx, fn)
}

func (b *Batcher) release() {
	<-b.gate
	if b.rerun.Swap(false) {
		b.Trigger()
	}
}

func (b *Batcher) run(ctx context.Context, fn FlushFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log := logger.WithComponent("batcher")
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("flush panic recovered")
			metrics.PanicsRecovered.WithLabelValues("batcher").Inc()
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
		if err != nil {
			b.failed.Add(1)
		}
	}()

	b.flushes.Add(1)
	return fn(ctx)
}

// Stats returns batcher statistics
func (b *Batcher) Stats() Stats {
	return Stats{
		Flushes:   b.flushes.Load(),
		Coalesced: b.coalesced.Load(),
		Failed:    b.failed.Load(),
	}
}

// Stats holds batcher counters
type Stats struct {
	Flushes   uint64
	Coalesced uint64
	Failed    uint64
}
