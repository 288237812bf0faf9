// Package retry sends batches through the circuit breaker and commits the
// outcome to the durable queue and the dead letter store.
//
// A send only holds a copy of the batch. Commits re-acquire the shared
// state lock and apply by batch ID against current state, so a purge that
// lands while a send is in flight is never undone.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"beacon/internal/deadletter"
	"beacon/internal/logger"
	"beacon/internal/metrics"
	"beacon/internal/models"
	"beacon/internal/queue"
	"beacon/internal/transport"
)

// ErrCircuitOpen is returned by Attempt when the breaker rejects the call.
var ErrCircuitOpen = errors.New("retry: circuit open")

// Outcome is the result of one Send.
type Outcome int

const (
	// OutcomeDelivered: acknowledged and removed from the queue.
	OutcomeDelivered Outcome = iota
	// OutcomeDeferred: breaker rejected the call; nothing was sent.
	OutcomeDeferred
	// OutcomeRetryScheduled: transient failure, retry at NextAttemptAt.
	OutcomeRetryScheduled
	// OutcomeDeadLettered: retry budget exhausted.
	OutcomeDeadLettered
	// OutcomeRejected: server refused the batch as malformed; dropped.
	OutcomeRejected
	// OutcomeUnauthorized: credentials rejected; batch held unchanged.
	OutcomeUnauthorized
	// OutcomeGone: the batch was purged or evicted while in flight.
	OutcomeGone
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeRetryScheduled:
		return "retry"
	case OutcomeDeadLettered:
		return "dead_lettered"
	case OutcomeRejected:
		return "rejected"
	case OutcomeUnauthorized:
		return "unauthorized"
	case OutcomeGone:
		return "gone"
	default:
		return "unknown"
	}
}

// Result describes what happened to a batch.
type Result struct {
	BatchID       string
	Outcome       Outcome
	Attempt       int
	NextAttemptAt time.Time
	Err           error
}

// Gate admits or rejects calls; *breaker.Breaker implements it.
type Gate interface {
	Allow() bool
	RecordSuccess()
	RecordFailure(err error)
}

// Policy bounds retries.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
	SendTimeout    time.Duration

	// RandomSeed makes jitter deterministic when non-zero.
	RandomSeed uint64
}

// DefaultPolicy returns 5 attempts, 1s base, 5m cap, 10% jitter, 10s timeout.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		BaseDelay:      time.Second,
		MaxDelay:       5 * time.Minute,
		JitterFraction: 0.1,
		SendTimeout:    10 * time.Second,
	}
}

// Manager is safe for concurrent use.
type Manager struct {
	gate   Gate
	sender transport.Sender
	queue  *queue.Queue
	dlq    *deadletter.Store
	lock   sync.Locker
	policy Policy
	now    func() time.Time
	log    zerolog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New wires a Manager. lock serializes commits with other cross-structure
// mutations such as user purges; nil uses a private mutex.
func New(gate Gate, sender transport.Sender, q *queue.Queue, dlq *deadletter.Store, lock sync.Locker, policy Policy) *Manager {
	def := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	if policy.SendTimeout <= 0 {
		policy.SendTimeout = def.SendTimeout
	}
	if lock == nil {
		lock = &sync.Mutex{}
	}

	seed := policy.RandomSeed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	return &Manager{
		gate:   gate,
		sender: sender,
		queue:  q,
		dlq:    dlq,
		lock:   lock,
		policy: policy,
		now:    time.Now,
		log:    logger.WithComponent("retry"),
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Attempt makes one gated transport call with the send timeout and records
// the result on the breaker. It has no queue or dead letter effects.
func (m *Manager) Attempt(ctx context.Context, batch *models.Batch) error {
	if !m.gate.Allow() {
		return ErrCircuitOpen
	}

	ctx, cancel := context.WithTimeout(ctx, m.policy.SendTimeout)
	defer cancel()

	start := time.Now()
	err := m.sender.Send(ctx, batch)
	metrics.BatchSendDuration.Observe(time.Since(start).Seconds())

	// 400 and 401 prove the server is reachable.
	if err == nil || !transport.IsRetryable(err) {
		m.gate.RecordSuccess()
	} else {
		m.gate.RecordFailure(err)
	}
	return err
}

// Send attempts delivery of a pending batch and commits the outcome.
func (m *Manager) Send(ctx context.Context, batch *models.Batch) Result {
	log := logger.WithBatch("retry", batch.ID, batch.Attempt)
	res := Result{BatchID: batch.ID, Attempt: batch.Attempt}

	err := m.Attempt(ctx, batch)
	switch {
	case errors.Is(err, ErrCircuitOpen):
		res.Outcome = OutcomeDeferred
		res.Err = err

	case err == nil:
		res.Outcome = OutcomeDelivered
		res.Err = m.remove(ctx, batch.ID)

	case transport.IsPermanent(err):
		res.Outcome = OutcomeRejected
		res.Err = err
		log.Error().Err(err).
			Int("event_count", len(batch.Events)).
			Msg("Batch rejected by server, dropping (data quality incident)")
		if rmErr := m.remove(ctx, batch.ID); rmErr != nil {
			res.Err = errors.Join(err, rmErr)
		}

	case transport.IsUnauthorized(err):
		res.Outcome = OutcomeUnauthorized
		res.Err = err
		log.Warn().Err(err).Msg("Credentials rejected, holding batch until token refresh")

	default:
		res = m.fail(ctx, batch, err, log)
	}

	metrics.BatchesTotal.WithLabelValues(res.Outcome.String()).Inc()
	return res
}

func (m *Manager) remove(ctx context.Context, batchID string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, err := m.queue.RemoveBatch(ctx, batchID); err != nil {
		// the batch stays pending and is re-sent; the server deduplicates
		m.log.Warn().Err(err).Str("batch_id", batchID).Msg("Failed to commit batch removal")
		return err
	}
	return nil
}

func (m *Manager) fail(ctx context.Context, batch *models.Batch, sendErr error, log zerolog.Logger) Result {
	attempt := batch.Attempt + 1
	now := m.now().UTC()
	res := Result{BatchID: batch.ID, Attempt: attempt, Err: sendErr}

	m.lock.Lock()
	defer m.lock.Unlock()

	current, ok := m.queue.Batch(batch.ID)
	if !ok {
		res.Outcome = OutcomeGone
		return res
	}

	if attempt >= m.policy.MaxAttempts {
		current.Attempt = attempt
		first := current.FirstFailedAt
		if first.IsZero() {
			first = now
		}
		entry := models.DeadLetterEntry{
			Batch:         current,
			Reason:        sendErr.Error(),
			FirstFailedAt: first,
			LastAttemptAt: now,
		}
		_, err := m.dlq.Add(ctx, entry)
		if err == nil {
			if _, err := m.queue.RemoveBatch(ctx, batch.ID); err != nil {
				// already in the dead letter store; Add dedupes by batch ID
				log.Warn().Err(err).Msg("Failed to remove dead-lettered batch from queue")
			}

			res.Outcome = OutcomeDeadLettered
			log.Error().Err(sendErr).
				Int("attempts", attempt).
				Int("event_count", len(current.Events)).
				Msg("Retry budget exhausted, batch dead-lettered")
			return res
		}

		// keep it queued and try again after another backoff
		sendErr = errors.Join(sendErr, fmt.Errorf("dead letter batch: %w", err))
		res.Err = sendErr
		log.Error().Err(err).Msg("Failed to dead-letter batch, keeping it queued")
	}

	delay := m.Backoff(attempt)
	res.NextAttemptAt = now.Add(delay)
	if err := m.queue.MarkFailed(ctx, batch.ID, attempt, res.NextAttemptAt); err != nil {
		if errors.Is(err, queue.ErrBatchNotFound) {
			res.Outcome = OutcomeGone
			return res
		}
		res.Err = errors.Join(sendErr, err)
	}

	res.Outcome = OutcomeRetryScheduled
	metrics.RetriesTotal.Inc()
	log.Warn().Err(sendErr).
		Int("next_attempt", attempt+1).
		Dur("delay", delay).
		Msg("Batch send failed, retry scheduled")
	return res
}

// Backoff returns the delay before the given attempt:
// min(base * 2^attempt, max) plus up to JitterFraction of that.
func (m *Manager) Backoff(attempt int) time.Duration {
	d := m.policy.BaseDelay
	for i := 0; i < attempt && d < m.policy.MaxDelay; i++ {
		d *= 2
	}
	if d > m.policy.MaxDelay {
		d = m.policy.MaxDelay
	}

	if m.policy.JitterFraction > 0 {
		m.rngMu.Lock()
		j := m.rng.Float64()
		m.rngMu.Unlock()
		d += time.Duration(j * m.policy.JitterFraction * float64(d))
	}
	return d
}

// MaxAttempts returns the configured retry budget.
func (m *Manager) MaxAttempts() int { return m.policy.MaxAttempts }
