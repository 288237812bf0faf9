// Package pipeline is the client-side entry point: it validates tracked
// events, queues them durably and delivers them in batches through the
// circuit breaker and retry manager.
//
// A Pipeline is constructed explicitly with New and has a Start/Shutdown
// lifecycle; there is no package-level instance.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"beacon/internal/batcher"
	"beacon/internal/breaker"
	"beacon/internal/deadletter"
	"beacon/internal/logger"
	"beacon/internal/metrics"
	"beacon/internal/models"
	"beacon/internal/queue"
	"beacon/internal/retry"
	"beacon/internal/storage"
	"beacon/internal/transport"
	"beacon/internal/validation"
)

var (
	ErrEmptyUserID = errors.New("pipeline: user ID is required")
	ErrClosed      = errors.New("pipeline: shut down")
)

// Transport is what the pipeline needs from the network layer.
type Transport interface {
	transport.Sender
	transport.Deleter
	SetToken(token string)
}

// Config holds pipeline configuration
type Config struct {
	MaxBatchSize                int
	FlushInterval               time.Duration
	FlushThreshold              int
	QueueCapacity               int
	DeadLetterCapacity          int
	DeadLetterReprocessInterval time.Duration
	ShutdownFlushTimeout        time.Duration
	StatsInterval               time.Duration

	Retry      retry.Policy
	Breaker    breaker.Config
	Validation validation.Policy
}

// DefaultConfig returns the documented client defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:                100,
		FlushInterval:               10 * time.Second,
		FlushThreshold:              50,
		QueueCapacity:               1000,
		DeadLetterCapacity:          500,
		DeadLetterReprocessInterval: time.Hour,
		ShutdownFlushTimeout:        2 * time.Second,
		StatsInterval:               30 * time.Second,
		Retry:                       retry.DefaultPolicy(),
		Breaker:                     breaker.DefaultConfig(),
		Validation:                  validation.DefaultPolicy(),
	}
}

// FlushResult reports what a flush did.
type FlushResult struct {
	// Ran is false when the request was coalesced with a flush already in
	// flight.
	Ran bool

	Delivered int
	Events    int

	// Stopped is the outcome that ended the drain; OutcomeDelivered when the
	// queue was drained.
	Stopped retry.Outcome
	Err     error
}

// Stats is a point-in-time snapshot of pipeline state.
type Stats struct {
	Tracked           uint64               `json:"tracked"`
	DroppedInvalid    uint64               `json:"droppedInvalid"`
	QueueSize         int                  `json:"queueSize"`
	Unbatched         int                  `json:"unbatched"`
	PendingBatches    int                  `json:"pendingBatches"`
	QueueEvicted      uint64               `json:"queueEvicted"`
	DeadLetters       int                  `json:"deadLetters"`
	DeadLetterEvicted uint64               `json:"deadLetterEvicted"`
	Circuit           breaker.CircuitState `json:"circuit"`
	Paused            bool                 `json:"paused"`
	Batcher           batcher.Stats        `json:"batcher"`
	Validation        validation.Stats     `json:"validation"`
}

// Pipeline coordinates validation, queueing and delivery.
type Pipeline struct {
	cfg       Config
	transport Transport
	validator *validation.Validator
	queue     *queue.Queue
	dlq       *deadletter.Store
	breaker   *breaker.Breaker
	retry     *retry.Manager
	batcher   *batcher.Batcher

	// state serializes cross-structure commits: dead-letter promotion in the
	// retry manager and user purges here.
	state sync.Mutex

	paused  atomic.Bool
	closed  atomic.Bool
	started atomic.Bool

	timerMu    sync.Mutex
	retryTimer *time.Timer

	wg     sync.WaitGroup
	cancel context.CancelFunc

	tracked atomic.Uint64
	dropped atomic.Uint64

	log zerolog.Logger
}

// New loads persisted state from kv and wires the pipeline. It does not
// start any goroutines.
func New(ctx context.Context, cfg Config, kv storage.KV, tr Transport) (*Pipeline, error) {
	def := DefaultConfig()
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.ShutdownFlushTimeout <= 0 {
		cfg.ShutdownFlushTimeout = def.ShutdownFlushTimeout
	}
	if cfg.DeadLetterReprocessInterval <= 0 {
		cfg.DeadLetterReprocessInterval = def.DeadLetterReprocessInterval
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = def.StatsInterval
	}

	v, err := validation.New(cfg.Validation)
	if err != nil {
		return nil, fmt.Errorf("init validator: %w", err)
	}

	q, err := queue.Open(ctx, kv, queue.Config{Capacity: cfg.QueueCapacity})
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}

	dlq, err := deadletter.Open(ctx, kv, deadletter.Config{
		Capacity:          cfg.DeadLetterCapacity,
		ReprocessInterval: cfg.DeadLetterReprocessInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("open dead letter store: %w", err)
	}

	p := &Pipeline{
		cfg:       cfg,
		transport: tr,
		validator: v,
		queue:     q,
		dlq:       dlq,
		breaker:   breaker.New(cfg.Breaker),
		log:       logger.WithComponent("pipeline"),
	}
	p.retry = retry.New(p.breaker, tr, q, dlq, &p.state, cfg.Retry)
	p.batcher = batcher.New(batcher.Config{
		Flush: func(ctx context.Context) error {
			return p.drain(ctx).Err
		},
		Interval:  cfg.FlushInterval,
		Threshold: cfg.FlushThreshold,
	})

	return p, nil
}

// Start launches the flush, dead letter and stats loops.
func (p *Pipeline) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.log.Info().
		Int("queue_size", p.queue.Size()).
		Int("dead_letters", p.dlq.Len()).
		Msg("pipeline starting")

	p.batcher.Start(ctx)

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.reprocessLoop(ctx)
	}()
	go func() {
		defer p.wg.Done()
		p.reportStats(ctx)
	}()

	// pick up whatever survived the last run; a batch sealed but never
	// failed has no NextAttemptAt and is due now
	if next, ok := p.queue.NextAttemptAt(); ok && next.After(time.Now()) {
		p.scheduleWake(next)
	} else if p.queue.Size() > 0 {
		p.batcher.Trigger()
	}
}

// Track records an event produced by feature code. It never blocks on the
// network and never panics; invalid events are dropped and counted.
func (p *Pipeline) Track(name string, properties map[string]any, identity models.Identity) {
	p.TrackEvent(models.NewEvent(name, properties, identity))
}

// TrackEvent records a producer-built event. ID and OccurredAt are kept
// when set.
func (p *Pipeline) TrackEvent(ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("track panic recovered")
			metrics.PanicsRecovered.WithLabelValues("track").Inc()
		}
	}()

	if p.closed.Load() {
		p.log.Debug().Str("event", ev.Name).Msg("pipeline closed, dropping event")
		return
	}

	ev.Stamp(uuid.NewString, time.Now())

	valid, err := p.validator.Validate(ev)
	if err != nil {
		p.dropped.Add(1)
		metrics.DroppedInvalidTotal.WithLabelValues(validation.Reason(err)).Inc()
		p.log.Debug().Err(err).Str("event", ev.Name).Msg("dropping invalid event")
		return
	}

	if _, err := p.queue.Enqueue(context.Background(), valid); err != nil {
		p.log.Error().Err(err).Str("event_id", valid.ID).Msg("failed to enqueue event")
		return
	}

	p.tracked.Add(1)
	metrics.TrackedTotal.Inc()
	p.batcher.Notify(p.queue.Unbatched())
}

// FlushNow requests an immediate flush. The result is delivered on the
// returned channel, which is then closed.
func (p *Pipeline) FlushNow(ctx context.Context) <-chan FlushResult {
	out := make(chan FlushResult, 1)

	go func() {
		defer close(out)

		var res FlushResult
		ran, err := p.batcher.TryRun(ctx, func(ctx context.Context) error {
			res = p.drain(ctx)
			return res.Err
		})
		res.Ran = ran
		if err != nil && res.Err == nil {
			res.Err = err
		}
		out <- res
	}()

	return out
}

// drain sends batches until the queue is empty or an outcome other than
// delivery stops it. Callers hold the batcher gate.
func (p *Pipeline) drain(ctx context.Context) FlushResult {
	res := FlushResult{Ran: true, Stopped: retry.OutcomeDelivered}

	for {
		if p.paused.Load() {
			res.Stopped = retry.OutcomeUnauthorized
			return res
		}
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}

		batch, err := p.queue.NextBatch(ctx, time.Now(), p.cfg.MaxBatchSize)
		if err != nil {
			res.Err = fmt.Errorf("next batch: %w", err)
			return res
		}
		if batch == nil {
			if next, ok := p.queue.NextAttemptAt(); ok {
				res.Stopped = retry.OutcomeRetryScheduled
				p.scheduleWake(next)
			}
			return res
		}

		r := p.retry.Send(ctx, batch)
		if r.Outcome == retry.OutcomeDelivered {
			res.Delivered++
			res.Events += len(batch.Events)
			continue
		}

		res.Stopped = r.Outcome
		switch r.Outcome {
		case retry.OutcomeRetryScheduled:
			p.scheduleWake(r.NextAttemptAt)
		case retry.OutcomeDeferred:
			// without a future probe time the regular tick retries
			if probe := p.breaker.State().NextProbeAt; probe.After(time.Now()) {
				p.scheduleWake(probe)
			}
		case retry.OutcomeUnauthorized:
			if p.paused.CompareAndSwap(false, true) {
				p.log.Warn().Msg("flush paused until credentials are refreshed")
			}
		default:
			// the batch left the queue; continue on the next trigger
			p.batcher.Trigger()
		}
		return res
	}
}

// scheduleWake arms a one-shot timer that triggers a flush at t.
func (p *Pipeline) scheduleWake(t time.Time) {
	if t.IsZero() || p.closed.Load() {
		return
	}

	p.timerMu.Lock()
	defer p.timerMu.Unlock()

	if p.retryTimer != nil {
		p.retryTimer.Stop()
	}
	p.retryTimer = time.AfterFunc(max(time.Until(t), 0), p.batcher.Trigger)
}

func (p *Pipeline) stopWake() {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	if p.retryTimer != nil {
		p.retryTimer.Stop()
		p.retryTimer = nil
	}
}

func (p *Pipeline) reprocessLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.DeadLetterReprocessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ReprocessDeadLetters(ctx)
		}
	}
}

// ReprocessDeadLetters gives every due dead-lettered batch one more attempt
// and returns how many were delivered. It shares the flush gate and does
// nothing if a flush is running.
func (p *Pipeline) ReprocessDeadLetters(ctx context.Context) int {
	delivered := 0
	_, _ = p.batcher.TryRun(ctx, func(ctx context.Context) error {
		delivered = p.reprocess(ctx)
		return nil
	})
	return delivered
}

func (p *Pipeline) reprocess(ctx context.Context) int {
	due := p.dlq.ListDue(time.Now())
	if len(due) == 0 {
		return 0
	}
	p.log.Info().Int("due", len(due)).Msg("reprocessing dead letters")

	delivered := 0
	for _, entry := range due {
		if p.paused.Load() || ctx.Err() != nil {
			break
		}

		batch := entry.Batch
		batch.Attempt = 0
		err := p.retry.Attempt(ctx, batch)

		switch {
		case errors.Is(err, retry.ErrCircuitOpen):
			metrics.DeadLetterReprocessedTotal.WithLabelValues("deferred").Inc()
			return delivered

		case err == nil, transport.IsPermanent(err):
			outcome := "delivered"
			if err != nil {
				outcome = "rejected"
				p.log.Error().Err(err).Str("batch_id", batch.ID).Msg("dead-lettered batch rejected by server, dropping")
			} else {
				delivered++
			}
			p.state.Lock()
			_, rmErr := p.dlq.Remove(ctx, batch.ID)
			p.state.Unlock()
			if rmErr != nil {
				p.log.Warn().Err(rmErr).Str("batch_id", batch.ID).Msg("failed to remove reprocessed dead letter")
			}
			metrics.DeadLetterReprocessedTotal.WithLabelValues(outcome).Inc()

		case transport.IsUnauthorized(err):
			p.paused.Store(true)
			metrics.DeadLetterReprocessedTotal.WithLabelValues("unauthorized").Inc()
			return delivered

		default:
			p.state.Lock()
			touchErr := p.dlq.Touch(ctx, batch.ID, time.Now().UTC(), err.Error())
			p.state.Unlock()
			if touchErr != nil && !errors.Is(touchErr, deadletter.ErrEntryNotFound) {
				p.log.Warn().Err(touchErr).Str("batch_id", batch.ID).Msg("failed to update dead letter")
			}
			metrics.DeadLetterReprocessedTotal.WithLabelValues("failed").Inc()
		}
	}
	return delivered
}

// DeleteUser purges the user's queued, retrying and dead-lettered events in
// one step, waits for any in-flight send to settle, then asks the server to
// delete what it already stored.
func (p *Pipeline) DeleteUser(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrEmptyUserID
	}

	p.state.Lock()
	queued, qErr := p.queue.PurgeUser(ctx, userID)
	deadLettered, dErr := p.dlq.PurgeUser(ctx, userID)
	p.state.Unlock()

	if err := errors.Join(qErr, dErr); err != nil {
		return fmt.Errorf("purge local events: %w", err)
	}

	log := p.log.With().Str("user_id", userID).Logger()
	log.Info().
		Int("queued_removed", queued).
		Int("dead_letters_removed", deadLettered).
		Msg("purged local events for user")

	// a batch sent before the purge may still land on the server
	if err := p.batcher.Run(ctx, func(context.Context) error { return nil }); err != nil {
		return fmt.Errorf("wait for in-flight send: %w", err)
	}

	deleted, err := p.transport.DeleteUser(ctx, userID)
	if err != nil {
		log.Error().Err(err).Msg("server deletion failed")
		return fmt.Errorf("delete user on server: %w", err)
	}

	log.Info().Int64("server_deleted", deleted).Msg("user telemetry deleted")
	return nil
}

// SetToken installs fresh credentials and resumes a flush paused by a 401.
func (p *Pipeline) SetToken(token string) {
	p.transport.SetToken(token)
	if p.paused.CompareAndSwap(true, false) {
		p.log.Info().Msg("credentials refreshed, resuming flush")
		p.batcher.Trigger()
	}
}

// Shutdown stops all timers, makes one bounded best-effort flush and then
// persists queue and dead letter state. It is safe to call more than once.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.log.Info().Msg("initiating graceful shutdown")

	if p.cancel != nil {
		p.cancel()
	}
	p.batcher.Stop()
	p.stopWake()
	p.wg.Wait()

	flushCtx, cancel := context.WithTimeout(ctx, p.cfg.ShutdownFlushTimeout)
	defer cancel()

	var res FlushResult
	err := p.batcher.Run(flushCtx, func(ctx context.Context) error {
		res = p.drain(ctx)
		return res.Err
	})
	if err != nil {
		p.log.Warn().Err(err).Msg("final flush incomplete")
	} else {
		p.log.Info().Int("delivered", res.Delivered).Msg("final flush complete")
	}

	persistCtx := context.WithoutCancel(ctx)
	if err := errors.Join(p.queue.Persist(persistCtx), p.dlq.Persist(persistCtx)); err != nil {
		p.log.Error().Err(err).Msg("failed to persist state on shutdown")
		return fmt.Errorf("persist state: %w", err)
	}

	p.log.Info().
		Int("queue_size", p.queue.Size()).
		Int("dead_letters", p.dlq.Len()).
		Msg("pipeline stopped gracefully")
	return nil
}

// Stats returns a snapshot of pipeline state.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Tracked:           p.tracked.Load(),
		DroppedInvalid:    p.dropped.Load(),
		QueueSize:         p.queue.Size(),
		Unbatched:         p.queue.Unbatched(),
		PendingBatches:    p.queue.PendingBatches(),
		QueueEvicted:      p.queue.Evicted(),
		DeadLetters:       p.dlq.Len(),
		DeadLetterEvicted: p.dlq.Evicted(),
		Circuit:           p.breaker.State(),
		Paused:            p.paused.Load(),
		Batcher:           p.batcher.Stats(),
		Validation:        p.validator.Stats(),
	}
}

// Breaker exposes the circuit breaker for inspection.
func (p *Pipeline) Breaker() *breaker.Breaker { return p.breaker }

// DeadLetters returns copies of the dead-lettered entries.
func (p *Pipeline) DeadLetters() []*models.DeadLetterEntry { return p.dlq.Entries() }

// reportStats periodically logs statistics
func (p *Pipeline) reportStats(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := p.Stats()
			p.log.Info().
				Uint64("tracked", s.Tracked).
				Uint64("dropped_invalid", s.DroppedInvalid).
				Int("queue_size", s.QueueSize).
				Int("pending_batches", s.PendingBatches).
				Uint64("queue_evicted", s.QueueEvicted).
				Int("dead_letters", s.DeadLetters).
				Str("circuit", s.Circuit.Status.String()).
				Bool("paused", s.Paused).
				Msg("stats")
		}
	}
}
