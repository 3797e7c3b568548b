package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pmcore/deliverable-outbox/internal/model"
	"github.com/pmcore/deliverable-outbox/internal/repo"
	"go.uber.org/zap"
)

// ErrPermanent marks a delivery failure that must not be retried. Sinks wrap
// it when the downstream rejects the event for good (e.g. schema rejection);
// the row goes straight to FAILED instead of burning its retry budget.
var ErrPermanent = errors.New("permanent delivery failure")

// Sink performs the direct side effect for one event.
type Sink interface {
	Deliver(ctx context.Context, evt model.OutboxEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evt model.OutboxEvent) error

func (f SinkFunc) Deliver(ctx context.Context, evt model.OutboxEvent) error { return f(ctx, evt) }

// Stream hands an event to an external append-only stream and returns the
// opaque handle the stream assigned. Fire-and-forget: no ack channel.
type Stream interface {
	Append(ctx context.Context, evt model.OutboxEvent) (string, error)
}

// StreamFunc adapts a function to Stream.
type StreamFunc func(ctx context.Context, evt model.OutboxEvent) (string, error)

func (f StreamFunc) Append(ctx context.Context, evt model.OutboxEvent) (string, error) {
	return f(ctx, evt)
}

// Dispatcher runs N independent workers over the shared outbox table. Workers
// coordinate only through the store's conditional row updates.
type Dispatcher struct {
	repo           repo.RepositoryInterface
	sink           Sink
	stream         Stream
	policy         Policy
	log            *zap.SugaredLogger
	workers        int
	batchSize      int
	interval       time.Duration
	attemptTimeout time.Duration
	claimLease     time.Duration
	streamTypes    map[model.EventType]bool
	clock          func() time.Time
}

// Options bundles dispatcher tuning knobs.
type Options struct {
	Workers        int
	BatchSize      int
	Interval       time.Duration
	AttemptTimeout time.Duration
	// StreamEventTypes selects the event types routed through the stream
	// relay path; everything else is delivered directly via the sink.
	StreamEventTypes []model.EventType
}

// NewDispatcher constructs the worker pool.
func NewDispatcher(r repo.RepositoryInterface, sink Sink, stream Stream, policy Policy, opts Options, logger *zap.SugaredLogger) *Dispatcher {
	streamTypes := make(map[model.EventType]bool, len(opts.StreamEventTypes))
	for _, t := range opts.StreamEventTypes {
		streamTypes[t] = true
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 5 * time.Second
	}
	return &Dispatcher{
		repo:           r,
		sink:           sink,
		stream:         stream,
		policy:         policy,
		log:            logger,
		workers:        opts.Workers,
		batchSize:      opts.BatchSize,
		interval:       opts.Interval,
		attemptTimeout: opts.AttemptTimeout,
		// the claim lease must outlive the attempt so the post-attempt
		// transition lands before the row becomes reclaimable
		claimLease:  2 * opts.AttemptTimeout,
		streamTypes: streamTypes,
		clock:       time.Now,
	}
}

// Run blocks until ctx is cancelled and every worker has finished its
// in-flight batch. Workers stop claiming on cancel but complete the batch
// they hold, so no row stays parked in PROCESSING without a scheduled retry.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.runWorker(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (d *Dispatcher) runWorker(ctx context.Context, worker int) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.log.Infof("dispatcher worker %d started", worker)
	for {
		select {
		case <-ctx.Done():
			d.log.Infof("dispatcher worker %d stopping", worker)
			return
		case <-ticker.C:
			if err := d.ProcessBatch(ctx); err != nil {
				d.log.Errorf("worker %d process batch: %v", worker, err)
			}
		}
	}
}

// ProcessBatch claims one batch and attempts every claimed event. Exported so
// callers (and tests) can drive cycles without the ticker.
func (d *Dispatcher) ProcessBatch(ctx context.Context) error {
	batch, err := d.repo.ClaimBatch(ctx, d.batchSize, d.clock(), d.claimLease)
	if err != nil {
		return err
	}
	for _, evt := range batch {
		d.dispatch(ctx, evt)
	}
	return nil
}

// settleContext detaches post-attempt state transitions from the run context.
// A shutdown arriving mid-batch cancels the attempt, but the claimed row must
// still commit its next state; aborting the transition too would leave it
// PROCESSING with a spent lease and nothing scheduled.
func (d *Dispatcher) settleContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d.attemptTimeout)
}

func (d *Dispatcher) dispatch(ctx context.Context, evt model.OutboxEvent) {
	actx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
	defer cancel()

	if d.streamTypes[evt.EventType] {
		streamID, err := d.stream.Append(actx, evt)
		if err != nil {
			d.fail(evt, err)
			return
		}
		sctx, done := d.settleContext()
		defer done()
		if err := d.repo.MarkRelayed(sctx, evt.ID, streamID, d.clock()); err != nil {
			d.log.Errorf("mark relayed id=%d: %v", evt.ID, err)
			return
		}
		d.log.Infof("event %d relayed stream_id=%s", evt.ID, streamID)
		return
	}

	if err := d.sink.Deliver(actx, evt); err != nil {
		d.fail(evt, err)
		return
	}
	sctx, done := d.settleContext()
	defer done()
	if err := d.repo.MarkProcessed(sctx, evt.ID, d.clock()); err != nil {
		d.log.Errorf("mark processed id=%d: %v", evt.ID, err)
		return
	}
	d.log.Infof("event %d processed type=%s", evt.ID, evt.EventType)
}

func (d *Dispatcher) fail(evt model.OutboxEvent, cause error) {
	now := d.clock()
	sctx, done := d.settleContext()
	defer done()

	if errors.Is(cause, ErrPermanent) {
		if err := d.repo.MarkFailed(sctx, evt.ID, cause.Error(), now); err != nil {
			d.log.Errorf("mark failed id=%d: %v", evt.ID, err)
		}
		return
	}

	dec := d.policy.Decide(now, evt.RetryCount, evt.MaxRetries)
	if dec.Quarantine {
		if err := d.repo.MoveToDeadLetter(sctx, evt, cause.Error(), now); err != nil {
			d.log.Errorf("move to dead letter id=%d: %v", evt.ID, err)
			return
		}
		d.log.Warnf("event %d quarantined after %d attempts: %v", evt.ID, evt.RetryCount+1, cause)
		return
	}
	if err := d.repo.ScheduleRetry(sctx, evt.ID, dec.NextRetryAt, cause.Error(), now); err != nil {
		d.log.Errorf("schedule retry id=%d: %v", evt.ID, err)
		return
	}
	d.log.Warnf("event %d delivery failed (retry %d at %s): %v", evt.ID, evt.RetryCount+1, dec.NextRetryAt.Format(time.RFC3339), cause)
}
