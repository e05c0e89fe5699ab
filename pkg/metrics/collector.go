package metrics

import (
	"context"
	"time"

	"github.com/migadu/soramail/logger"
)

// AdmissionStats is a snapshot of the attachment admission registry.
type AdmissionStats struct {
	Issued       int
	Acknowledged int
}

// AdmissionStatsProvider reports admission registry sizes.
type AdmissionStatsProvider interface {
	Stats() AdmissionStats
}

// UserCountProvider reports the number of known users.
type UserCountProvider interface {
	Count(ctx context.Context) (int, error)
}

// Collector periodically samples gauges that are not updated inline
type Collector struct {
	admission AdmissionStatsProvider
	users     UserCountProvider
	interval  time.Duration
	stopCh    chan struct{}
}

// NewCollector creates a new metrics collector. Either provider may be nil.
func NewCollector(admission AdmissionStatsProvider, users UserCountProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 60 * time.Second
	}

	return &Collector{
		admission: admission,
		users:     users,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start runs the collection loop until ctx is done or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("MetricsCollector stopping due to context cancellation")
			return
		case <-c.stopCh:
			logger.Info("MetricsCollector stopping due to stop signal")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	if c.admission != nil {
		stats := c.admission.Stats()
		AdmissionEntries.WithLabelValues("issued").Set(float64(stats.Issued))
		AdmissionEntries.WithLabelValues("acknowledged").Set(float64(stats.Acknowledged))
	}

	if c.users != nil {
		count, err := c.users.Count(ctx)
		if err != nil {
			logger.Error("MetricsCollector: error counting users", "error", err)
			return
		}
		UsersTotal.Set(float64(count))
	}
}
