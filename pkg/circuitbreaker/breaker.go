// Package circuitbreaker stops calling a failing backend for a while so
// callers fail fast instead of piling up on timeouts.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/migadu/soramail/logger"
	"github.com/migadu/soramail/pkg/metrics"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Settings configures a Breaker. Zero values take the defaults noted on
// each field.
type Settings struct {
	Name string
	// MaxProbes is the number of calls let through while half-open (1).
	MaxProbes uint32
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker (5).
	FailureThreshold uint32
	// Cooldown is how long the breaker stays open before probing (30s).
	Cooldown time.Duration
	// IsFailure decides whether an error counts against the backend.
	// By default context cancellation does not.
	IsFailure func(err error) bool
}

type Breaker struct {
	name      string
	maxProbes uint32
	threshold uint32
	cooldown  time.Duration
	isFailure func(err error) bool

	mu          sync.Mutex
	state       State
	failures    uint32
	probes      uint32
	openedUntil time.Time

	// Now is the breaker clock.
	Now func() time.Time
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func New(st Settings) *Breaker {
	if st.Name == "" {
		st.Name = "default"
	}
	if st.MaxProbes == 0 {
		st.MaxProbes = 1
	}
	if st.FailureThreshold == 0 {
		st.FailureThreshold = 5
	}
	if st.Cooldown <= 0 {
		st.Cooldown = 30 * time.Second
	}
	if st.IsFailure == nil {
		st.IsFailure = defaultIsFailure
	}
	b := &Breaker{
		name:      st.Name,
		maxProbes: st.MaxProbes,
		threshold: st.FailureThreshold,
		cooldown:  st.Cooldown,
		isFailure: st.IsFailure,
		Now:       time.Now,
	}
	metrics.CircuitBreakerState.WithLabelValues(b.name).Set(float64(StateClosed))
	return b
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Do runs fn unless the breaker is open. A rejected call returns ErrOpen or
// ErrTooManyRequests without invoking fn.
func (b *Breaker) Do(fn func() error) error {
	if err := b.before(); err != nil {
		metrics.CircuitBreakerRejections.WithLabelValues(b.name).Inc()
		return err
	}

	defer func() {
		if e := recover(); e != nil {
			b.after(true)
			panic(e)
		}
	}()

	err := fn()
	b.after(b.isFailure(err))
	return err
}

// Rejected reports whether err came from the breaker rather than the call.
func Rejected(err error) bool {
	return errors.Is(err, ErrOpen) || errors.Is(err, ErrTooManyRequests)
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.probes >= b.maxProbes {
			return ErrTooManyRequests
		}
		b.probes++
	}
	return nil
}

func (b *Breaker) after(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState()
	if !failed {
		b.failures = 0
		if state == StateHalfOpen {
			b.setState(StateClosed)
		}
		return
	}

	b.failures++
	if state == StateHalfOpen || b.failures >= b.threshold {
		b.setState(StateOpen)
	}
}

// currentState moves an expired open breaker to half-open. Callers hold mu.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && !b.Now().Before(b.openedUntil) {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(state State) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.failures = 0
	b.probes = 0
	if state == StateOpen {
		b.openedUntil = b.Now().Add(b.cooldown)
	}
	metrics.CircuitBreakerState.WithLabelValues(b.name).Set(float64(state))
	logger.Warn("CIRCUIT: state changed", "name", b.name, "from", prev.String(), "to", state.String())
}
