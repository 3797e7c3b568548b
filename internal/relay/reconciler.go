package relay

import (
	"context"
	"time"

	"github.com/pmcore/deliverable-outbox/internal/model"
	"github.com/pmcore/deliverable-outbox/internal/repo"
	"go.uber.org/zap"
)

// Reconciler periodically finds RELAYED events whose hand-off to the stream
// was never confirmed consumed within the staleness window. Stale rows are
// surfaced for investigation; with RequeueStale set they are also sent back
// through the normal pipeline.
type Reconciler struct {
	repo         repo.RepositoryInterface
	log          *zap.SugaredLogger
	interval     time.Duration
	staleness    time.Duration
	requeueStale bool
	clock        func() time.Time
}

// NewReconciler constructs the sweep.
func NewReconciler(r repo.RepositoryInterface, interval, staleness time.Duration, requeueStale bool, logger *zap.SugaredLogger) *Reconciler {
	return &Reconciler{
		repo:         r,
		log:          logger,
		interval:     interval,
		staleness:    staleness,
		requeueStale: requeueStale,
		clock:        time.Now,
	}
}

// Run blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("reconciler started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopping")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.log.Errorf("reconcile sweep: %v", err)
			}
		}
	}
}

// Sweep executes one reconciliation pass and returns the stale events found.
func (r *Reconciler) Sweep(ctx context.Context) ([]model.OutboxEvent, error) {
	cutoff := r.clock().Add(-r.staleness)
	stale, err := r.repo.FindStaleRelayed(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	for _, evt := range stale {
		r.log.Warnf("relayed event %d unconfirmed since %s stream_id=%s",
			evt.ID, evt.RelayedAt.Format(time.RFC3339), evt.StreamID)
		if !r.requeueStale {
			continue
		}
		if err := r.repo.RequeueStaleRelayed(ctx, evt.ID); err != nil {
			r.log.Errorf("requeue stale id=%d: %v", evt.ID, err)
			continue
		}
		r.log.Infof("stale event %d requeued", evt.ID)
	}
	return stale, nil
}
