// Package cleaner runs the trash retention worker. On every wake it walks
// all mailbox owners and removes trashed messages older than the retention
// period. A failing owner is logged and skipped; the run continues.
package cleaner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/soramail/logger"
	"github.com/migadu/soramail/pkg/metrics"
)

// ErrAlreadyRunning is returned by RunOnce while another run is in progress.
var ErrAlreadyRunning = errors.New("cleanup already running")

const minAllowedInterval = time.Minute

// Mailboxes lists owners and purges their trash. mailstore.FileStore
// implements it.
type Mailboxes interface {
	Owners(ctx context.Context) ([]string, error)
	PurgeTrashOlderThan(ctx context.Context, owner string, retention time.Duration) (int, error)
}

// Report summarizes one cleanup run.
type Report struct {
	Owners   int           `json:"owners"`
	Purged   int           `json:"purged"`
	Failures int           `json:"failures"`
	Duration time.Duration `json:"duration"`
}

type CleanupWorker struct {
	mailboxes Mailboxes
	interval  time.Duration
	retention time.Duration
	running   atomic.Bool
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// New creates a worker. Intervals below one minute are raised to one minute.
func New(mailboxes Mailboxes, interval, retention time.Duration) *CleanupWorker {
	if interval < minAllowedInterval {
		logger.Warn("CLEANUP: interval below minimum, using minimum", "configured", interval, "minimum", minAllowedInterval)
		interval = minAllowedInterval
	}
	return &CleanupWorker{
		mailboxes: mailboxes,
		interval:  interval,
		retention: retention,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the worker loop in a goroutine.
func (w *CleanupWorker) Start(ctx context.Context) {
	logger.Info("CLEANUP: worker starting", "interval", w.interval, "trash_retention", w.retention)
	ticker := time.NewTicker(w.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info("CLEANUP: worker stopped due to context cancellation")
				return
			case <-w.stopCh:
				logger.Info("CLEANUP: worker stopped due to stop signal")
				return
			case <-ticker.C:
				if _, err := w.RunOnce(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
					logger.Error("CLEANUP: run failed", "error", err)
				}
			}
		}
	}()
}

// Stop signals the worker to stop.
func (w *CleanupWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// RunOnce purges expired trash of every owner.
func (w *CleanupWorker) RunOnce(ctx context.Context) (Report, error) {
	if !w.running.CompareAndSwap(false, true) {
		return Report{}, ErrAlreadyRunning
	}
	defer w.running.Store(false)

	start := time.Now()
	defer func() { metrics.CleanupRunDuration.Observe(time.Since(start).Seconds()) }()

	owners, err := w.mailboxes.Owners(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list mailbox owners: %w", err)
	}

	report := Report{Owners: len(owners)}
	for _, owner := range owners {
		if err := ctx.Err(); err != nil {
			logger.Info("CLEANUP: run aborted", "error", err)
			return report, err
		}
		n, err := w.mailboxes.PurgeTrashOlderThan(ctx, owner, w.retention)
		report.Purged += n
		if err != nil {
			report.Failures++
			logger.Error("CLEANUP: failed to purge trash", "owner", owner, "error", err)
			continue
		}
	}
	report.Duration = time.Since(start)

	if report.Purged > 0 || report.Failures > 0 {
		logger.Info("CLEANUP: run finished", "owners", report.Owners, "purged", report.Purged,
			"failures", report.Failures, "duration", report.Duration)
	} else {
		logger.Debug("CLEANUP: nothing to purge", "owners", report.Owners)
	}
	return report, nil
}
