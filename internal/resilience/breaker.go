// Package resilience provides the circuit breaker guarding index and
// embedding dependencies.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrOpen is returned when the breaker is open and the call is rejected
// without invoking the dependency.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker state.
type State string

const (
	// StateClosed passes calls through, counting consecutive failures.
	StateClosed State = "closed"

	// StateOpen fails fast without invoking the dependency.
	StateOpen State = "open"

	// StateHalfOpen allows exactly one probe after the cooldown.
	StateHalfOpen State = "half_open"
)

// Config holds breaker tuning.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before allowing a probe.
	Cooldown time.Duration

	// CallTimeout bounds each call made through Do. A call exceeding its
	// budget counts as a failure.
	CallTimeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 2 * time.Second
	}
}

// Breaker is a per-dependency circuit breaker.
//
// closed → (N consecutive failures) → open → (cooldown) → half-open
// (single probe) → success closes, failure reopens.
//
// Thread-safe. The clock is injectable for tests.
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a breaker for the named dependency.
func NewBreaker(name string, config Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	return &Breaker{
		name:   name,
		config: config,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
}

// SetClock replaces the breaker's clock. Test hook.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// State returns the current state, transitioning open → half-open if the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.observeState()
}

// observeState must be called with b.mu held.
func (b *Breaker) observeState() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.config.Cooldown {
		b.state = StateHalfOpen
		b.probing = false
		b.logger.Info("circuit breaker half-open", zap.String("dependency", b.name))
	}
	return b.state
}

// Allow reports whether a call may proceed. In half-open state only the
// first caller gets through as the probe; everyone else is rejected until
// the probe resolves.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.observeState() {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// RecordSuccess notes a successful call. A half-open probe success closes
// the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.state
	b.failures = 0
	b.probing = false
	b.state = StateClosed
	if prev != StateClosed {
		b.logger.Info("circuit breaker closed", zap.String("dependency", b.name))
	}
}

// RecordFailure notes a failed call. Reaching the threshold, or failing
// the half-open probe, opens the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.observeState() {
	case StateHalfOpen:
		b.trip()
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.trip()
		}
	}
}

// trip must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
	b.probing = false
	b.logger.Warn("circuit breaker open",
		zap.String("dependency", b.name),
		zap.Duration("cooldown", b.config.Cooldown))
}

// Do runs fn through the breaker with the configured call timeout.
//
// An open breaker returns ErrOpen without invoking fn. A timeout or error
// from fn counts as a breaker failure and is returned wrapped.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.Allow() {
		return fmt.Errorf("%s: %w", b.name, ErrOpen)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.config.CallTimeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil {
		b.RecordFailure()
		return fmt.Errorf("%s: %w", b.name, err)
	}

	b.RecordSuccess()
	return nil
}
