package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/migadu/soramail/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) advance(d time.Duration) { c.now = c.now.Add(d) }

func fail() error    { return errBackend }
func succeed() error { return nil }

func newTestBreaker(name string) (*Breaker, *clock) {
	c := &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(Settings{Name: name, FailureThreshold: 3, Cooldown: 10 * time.Second, MaxProbes: 1})
	b.Now = c.Now
	return b, c
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker("trip")

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Do(fail), errBackend)
	}
	assert.Equal(t, StateClosed, b.State())

	assert.ErrorIs(t, b.Do(fail), errBackend)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Do(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.True(t, Rejected(err))
	assert.False(t, called)
	assert.Equal(t, float64(StateOpen), testutil.ToFloat64(metrics.CircuitBreakerState.WithLabelValues("trip")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CircuitBreakerRejections.WithLabelValues("trip")))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker("reset")
	_ = b.Do(fail)
	_ = b.Do(fail)
	require.NoError(t, b.Do(succeed))
	_ = b.Do(fail)
	_ = b.Do(fail)
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenProbeCloses(t *testing.T) {
	b, c := newTestBreaker("recover")
	for i := 0; i < 3; i++ {
		_ = b.Do(fail)
	}
	require.Equal(t, StateOpen, b.State())

	c.advance(10 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Do(succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	b, c := newTestBreaker("reopen")
	for i := 0; i < 3; i++ {
		_ = b.Do(fail)
	}
	c.advance(11 * time.Second)

	assert.ErrorIs(t, b.Do(fail), errBackend)
	assert.Equal(t, StateOpen, b.State())

	c.advance(5 * time.Second)
	assert.ErrorIs(t, b.Do(succeed), ErrOpen)
}

func TestHalfOpenLimitsProbes(t *testing.T) {
	b, c := newTestBreaker("probes")
	for i := 0; i < 3; i++ {
		_ = b.Do(fail)
	}
	c.advance(10 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Do(func() error { close(started); <-release; return nil })
	}()
	<-started

	assert.ErrorIs(t, b.Do(succeed), ErrTooManyRequests)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestCancellationIsNotAFailure(t *testing.T) {
	b, _ := newTestBreaker("cancel")
	for i := 0; i < 5; i++ {
		_ = b.Do(func() error { return context.Canceled })
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestPanicCountsAsFailure(t *testing.T) {
	b, _ := newTestBreaker("panic")
	for i := 0; i < 3; i++ {
		assert.Panics(t, func() {
			_ = b.Do(func() error { panic("boom") })
		})
	}
	assert.Equal(t, StateOpen, b.State())
}
