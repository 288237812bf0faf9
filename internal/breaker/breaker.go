// Package breaker gates transport calls behind a circuit breaker.
//
// The Closed/Open/HalfOpen state machine is gobreaker's two-step breaker
// with a single half-open probe. On top of it a cooldown gate keeps the
// circuit open for an exponentially growing period: every failed probe
// doubles the cooldown up to a ceiling, and closing the circuit resets it.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"beacon/internal/logger"
	"beacon/internal/metrics"
)

// ErrCallFailed stands in for a failure recorded without a cause.
var ErrCallFailed = errors.New("breaker: call failed")

// Status is the breaker state.
type Status int

const (
	Closed Status = iota
	HalfOpen
	Open
)

func (s Status) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitState is a point-in-time view of the breaker.
type CircuitState struct {
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	OpenedAt            time.Time `json:"openedAt,omitempty"`
	NextProbeAt         time.Time `json:"nextProbeAt,omitempty"`
	LastError           string    `json:"lastError,omitempty"`
}

// Config configures a Breaker.
type Config struct {
	Name             string
	FailureThreshold int
	Cooldown         time.Duration
	MaxCooldown      time.Duration
}

// DefaultConfig returns 5 failures, 30s cooldown, 10m ceiling.
func DefaultConfig() Config {
	return Config{
		Name:             "transport",
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		MaxCooldown:      10 * time.Minute,
	}
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cb  *gobreaker.TwoStepCircuitBreaker[struct{}]
	cfg Config
	log zerolog.Logger

	// mu guards the fields below. It is never held while calling into cb,
	// because cb invokes onStateChange with its own lock held.
	mu          sync.Mutex
	pending     []func(error)
	failures    int
	lastErr     error
	reopens     int
	openedAt    time.Time
	nextProbeAt time.Time
}

// New builds a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = cfg.Cooldown
	}

	b := &Breaker{
		cfg: cfg,
		log: logger.WithComponent("breaker"),
	}

	threshold := uint32(cfg.FailureThreshold)
	b.cb = gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: b.onStateChange,
	})

	metrics.CircuitState.Set(float64(Closed))
	return b
}

func toStatus(s gobreaker.State) Status {
	switch s {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	now := time.Now()

	b.mu.Lock()
	switch to {
	case gobreaker.StateOpen:
		if from == gobreaker.StateHalfOpen {
			b.reopens++
		}
		cooldown := b.cooldownLocked()
		b.openedAt = now
		b.nextProbeAt = now.Add(cooldown)
	case gobreaker.StateClosed:
		b.reopens = 0
		b.lastErr = nil
		b.openedAt = time.Time{}
		b.nextProbeAt = time.Time{}
	}
	next, cause := b.nextProbeAt, b.lastErr
	b.mu.Unlock()

	metrics.CircuitState.Set(float64(toStatus(to)))
	metrics.CircuitTransitionsTotal.WithLabelValues(toStatus(from).String(), toStatus(to).String()).Inc()

	evt := b.log.Info()
	if to == gobreaker.StateOpen {
		evt = b.log.Warn().Time("next_probe_at", next).AnErr("last_error", cause)
	}
	evt.Str("breaker", name).
		Str("from", toStatus(from).String()).
		Str("to", toStatus(to).String()).
		Msg("Circuit state changed")
}

// cooldownLocked returns Cooldown doubled once per consecutive failed probe,
// capped at MaxCooldown.
func (b *Breaker) cooldownLocked() time.Duration {
	d := b.cfg.Cooldown
	for i := 0; i < b.reopens; i++ {
		d *= 2
		if d >= b.cfg.MaxCooldown {
			return b.cfg.MaxCooldown
		}
	}
	return d
}

// Allow reports whether a call may proceed. Every true result must be
// followed by exactly one RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	held := !b.nextProbeAt.IsZero() && time.Now().Before(b.nextProbeAt)
	b.mu.Unlock()
	if held {
		return false
	}

	done, err := b.cb.Allow()
	if err != nil {
		return false
	}

	b.mu.Lock()
	b.pending = append(b.pending, done)
	b.mu.Unlock()
	return true
}

// RecordSuccess closes the circuit from half-open and resets the failure
// count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.lastErr = nil
	done := b.popLocked()
	b.mu.Unlock()

	b.report(done, nil)
}

// RecordFailure counts a failed call and may trip the circuit. err is the
// cause; nil is recorded as ErrCallFailed.
func (b *Breaker) RecordFailure(err error) {
	if err == nil {
		err = ErrCallFailed
	}

	b.mu.Lock()
	b.failures++
	b.lastErr = err
	done := b.popLocked()
	b.mu.Unlock()

	b.report(done, err)
}

func (b *Breaker) popLocked() func(error) {
	if len(b.pending) == 0 {
		return nil
	}
	done := b.pending[0]
	b.pending = b.pending[1:]
	return done
}

// report settles an outcome with gobreaker. Outcomes recorded without a
// preceding Allow are still counted when the breaker would admit them.
func (b *Breaker) report(done func(error), cause error) {
	if done == nil {
		var err error
		if done, err = b.cb.Allow(); err != nil {
			return
		}
	}
	done(cause)
}

// State returns the current breaker state.
func (b *Breaker) State() CircuitState {
	status := toStatus(b.cb.State())

	b.mu.Lock()
	defer b.mu.Unlock()

	// gobreaker moves to half-open after the base cooldown; the gate keeps
	// reporting open until the extended cooldown has passed.
	if status == HalfOpen && !b.nextProbeAt.IsZero() && time.Now().Before(b.nextProbeAt) {
		status = Open
	}

	st := CircuitState{
		Status:              status,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
		NextProbeAt:         b.nextProbeAt,
	}
	if b.lastErr != nil {
		st.LastError = b.lastErr.Error()
	}
	return st
}

// Cooldown returns the cooldown that applies to the next trip.
func (b *Breaker) Cooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cooldownLocked()
}
