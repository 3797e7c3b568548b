package relay

import (
	"context"
	"time"

	"github.com/pmcore/deliverable-outbox/internal/repo"
	"go.uber.org/zap"
)

// Janitor deletes terminal rows past the retention cutoff: PROCESSED and
// RELAYED outbox rows, and RESOLVED/IGNORED dead letters. It never touches
// non-terminal rows, so it cannot race the dispatcher.
type Janitor struct {
	repo      repo.RepositoryInterface
	log       *zap.SugaredLogger
	interval  time.Duration
	retention time.Duration
	clock     func() time.Time
}

// NewJanitor constructs the retention task.
func NewJanitor(r repo.RepositoryInterface, interval, retention time.Duration, logger *zap.SugaredLogger) *Janitor {
	return &Janitor{repo: r, log: logger, interval: interval, retention: retention, clock: time.Now}
}

// Run blocks until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.log.Info("janitor started")
	for {
		select {
		case <-ctx.Done():
			j.log.Info("janitor stopping")
			return
		case <-ticker.C:
			if err := j.Sweep(ctx); err != nil {
				j.log.Errorf("janitor sweep: %v", err)
			}
		}
	}
}

// Sweep executes one retention pass.
func (j *Janitor) Sweep(ctx context.Context) error {
	cutoff := j.clock().Add(-j.retention)
	outbox, err := j.repo.DeleteTerminalOutboxBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	dead, err := j.repo.DeleteSettledDeadLettersBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if outbox > 0 || dead > 0 {
		j.log.Infof("retention removed %d outbox rows, %d dead letters", outbox, dead)
	}
	return nil
}
