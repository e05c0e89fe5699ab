// Package health periodically probes the components soramail depends on
// and aggregates their state into one overall status.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/migadu/soramail/logger"
	"github.com/migadu/soramail/pkg/circuitbreaker"
	"github.com/migadu/soramail/pkg/metrics"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// gauge maps a status onto the component health gauge.
func (s Status) gauge() float64 {
	switch s {
	case StatusHealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// Check describes one probe. A failing critical check makes the whole
// system unhealthy; a failing non-critical one only degrades it.
type Check struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Critical bool
	Probe    func(ctx context.Context) error
}

// Report is the last known state of a check.
type Report struct {
	Status     Status    `json:"status"`
	Critical   bool      `json:"critical"`
	LastCheck  time.Time `json:"last_check"`
	LastError  string    `json:"last_error,omitempty"`
	CheckCount int       `json:"check_count"`
	FailCount  int       `json:"fail_count"`
}

type component struct {
	check Check

	mu     sync.RWMutex
	report Report
}

type Monitor struct {
	mu         sync.RWMutex
	components map[string]*component
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewMonitor() *Monitor {
	return &Monitor{components: make(map[string]*component)}
}

// Register adds a check. It must be called before Start.
func (m *Monitor) Register(check Check) {
	if check.Interval <= 0 {
		check.Interval = 30 * time.Second
	}
	if check.Timeout <= 0 {
		check.Timeout = 10 * time.Second
	}
	m.mu.Lock()
	m.components[check.Name] = &component{
		check:  check,
		report: Report{Status: StatusHealthy, Critical: check.Critical},
	}
	m.mu.Unlock()
}

// Start runs every check once and then keeps probing on each check's
// interval until ctx is done or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.RunChecks(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.components {
		m.wg.Add(1)
		go m.loop(ctx, c)
	}
}

func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context, c *component) {
	defer m.wg.Done()
	ticker := time.NewTicker(c.check.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.perform(ctx, c)
		}
	}
}

// RunChecks probes every component once, concurrently.
func (m *Monitor) RunChecks(ctx context.Context) {
	m.mu.RLock()
	var wg sync.WaitGroup
	for _, c := range m.components {
		wg.Add(1)
		go func(c *component) {
			defer wg.Done()
			m.perform(ctx, c)
		}(c)
	}
	m.mu.RUnlock()
	wg.Wait()
}

func (m *Monitor) perform(ctx context.Context, c *component) {
	ctx, cancel := context.WithTimeout(ctx, c.check.Timeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return c.check.Probe(ctx)
	}()

	c.mu.Lock()
	c.report.CheckCount++
	c.report.LastCheck = time.Now()
	previous := c.report.Status
	if err != nil {
		c.report.FailCount++
		c.report.LastError = err.Error()
		if c.check.Critical {
			c.report.Status = StatusUnhealthy
		} else {
			c.report.Status = StatusDegraded
		}
	} else {
		c.report.LastError = ""
		c.report.Status = StatusHealthy
	}
	current := c.report.Status
	c.mu.Unlock()

	metrics.ComponentHealthChecks.WithLabelValues(c.check.Name, string(current)).Inc()
	metrics.ComponentHealthStatus.WithLabelValues(c.check.Name).Set(current.gauge())

	if previous != current {
		if err != nil {
			logger.Warn("HEALTH: component status changed", "component", c.check.Name,
				"from", previous, "to", current, "error", err)
		} else {
			logger.Info("HEALTH: component status changed", "component", c.check.Name,
				"from", previous, "to", current)
		}
	}
}

// Overall aggregates the component states.
func (m *Monitor) Overall() Status {
	overall := StatusHealthy
	for _, r := range m.Snapshot() {
		switch r.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// Snapshot returns the report of every component.
func (m *Monitor) Snapshot() map[string]Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Report, len(m.components))
	for name, c := range m.components {
		c.mu.RLock()
		out[name] = c.report
		c.mu.RUnlock()
	}
	return out
}

// Names lists registered components in order.
func (m *Monitor) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.components))
	for name := range m.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BreakerCheck reports a circuit breaker as a component: open is a
// failure, half-open is healthy again once a probe succeeds.
func BreakerCheck(name string, b *circuitbreaker.Breaker, critical bool) Check {
	return Check{
		Name:     name,
		Interval: 15 * time.Second,
		Critical: critical,
		Probe: func(ctx context.Context) error {
			if b.State() == circuitbreaker.StateOpen {
				return fmt.Errorf("circuit breaker %s is open", b.Name())
			}
			return nil
		},
	}
}
