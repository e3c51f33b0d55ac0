// Package delivery is the Output Delivery Pipeline (C5): it fans a finished
// Execution out to every configured Destination, retrying retriable
// failures and giving up after max_attempts. Grounded on
// server/internal/scheduler/scheduler.go's dispatch-then-retry shape and
// agent/internal/connection/manager.go's atomic-write pattern (reused here
// for the Filesystem destination).
package delivery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ratchet-run/ratchet/internal/model"
	"github.com/ratchet-run/ratchet/internal/store"
)

// Sender delivers one ExecutionEnvelope to one Destination. Implementations
// return a retriable error (wrap with model.CoreError using a retryable
// ErrorKind) to trigger the pipeline's retry policy.
type Sender interface {
	Kind() model.DestinationKind
	Send(ctx context.Context, dest store.Destination, envelope model.ExecutionEnvelope) error
}

// Config controls concurrency and the deliver_on filter.
type Config struct {
	MaxConcurrent int
	DeliverOn     map[model.ExecutionState]bool
	DefaultRetry  model.RetryPolicy
}

// Pipeline owns the bounded pool of in-flight deliveries and the set of
// registered Senders, one per DestinationKind.
type Pipeline struct {
	cfg        Config
	deliveries store.DeliveryRepository
	senders    map[model.DestinationKind]Sender
	logger     *zap.Logger
	sem        chan struct{}
}

func New(cfg Config, deliveries store.DeliveryRepository, logger *zap.Logger) *Pipeline {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.DeliverOn == nil {
		cfg.DeliverOn = map[model.ExecutionState]bool{model.ExecutionSucceeded: true}
	}
	return &Pipeline{
		cfg:        cfg,
		deliveries: deliveries,
		senders:    make(map[model.DestinationKind]Sender),
		logger:     logger.Named("delivery"),
		sem:        make(chan struct{}, cfg.MaxConcurrent),
	}
}

func (p *Pipeline) Register(s Sender) {
	p.senders[s.Kind()] = s
}

// Enqueue creates one Delivery per destination name and kicks off its first
// attempt, honoring the deliver_on filter (spec.md §9 supplemented feature:
// by default only "succeeded" executions are delivered).
func (p *Pipeline) Enqueue(ctx context.Context, envelope model.ExecutionEnvelope, destinationNames []string, destinationOf func(name string) (store.Destination, error)) {
	if !p.cfg.DeliverOn[envelope.Status] {
		return
	}

	for _, name := range destinationNames {
		dest, err := destinationOf(name)
		if err != nil {
			p.logger.Warn("unknown delivery destination", zap.String("name", name), zap.Error(err))
			continue
		}

		d := &store.Delivery{
			ExecutionID:   envelope.ExecutionID,
			DestinationID: dest.ID,
			MaxAttempts:   p.cfg.DefaultRetry.MaxAttempts,
			NextAttemptAt: time.Now().UTC(),
		}
		if err := p.deliveries.Create(ctx, d); err != nil {
			if err == store.ErrConflict {
				continue // already enqueued by a previous pass
			}
			p.logger.Error("create delivery", zap.Error(err))
			continue
		}

		p.attempt(ctx, *d, dest, envelope)
	}
}

// ResumePending re-enqueues deliveries left Pending/Delivering from before a
// restart (spec.md §4.5 "Startup recovery"), found via a PendingOlderThan
// scan rather than any in-memory queue.
func (p *Pipeline) ResumePending(ctx context.Context, olderThan time.Time, envelopeOf func(executionID string) (model.ExecutionEnvelope, error), destinationOf func(id string) (store.Destination, error)) {
	pending, err := p.deliveries.PendingOlderThan(ctx, olderThan)
	if err != nil {
		p.logger.Error("list pending deliveries", zap.Error(err))
		return
	}
	for _, d := range pending {
		envelope, err := envelopeOf(d.ExecutionID)
		if err != nil {
			p.logger.Warn("resume: execution lookup failed", zap.String("delivery_id", d.ID), zap.Error(err))
			continue
		}
		dest, err := destinationOf(d.DestinationID)
		if err != nil {
			p.logger.Warn("resume: destination lookup failed", zap.String("delivery_id", d.ID), zap.Error(err))
			continue
		}
		p.attempt(ctx, d, dest, envelope)
	}
}

func (p *Pipeline) attempt(ctx context.Context, d store.Delivery, dest store.Destination, envelope model.ExecutionEnvelope) {
	select {
	case p.sem <- struct{}{}:
	default:
		// Pool saturated; leave the delivery Pending — the next
		// PendingOlderThan scan or a future Enqueue call will retry it.
		return
	}

	go func() {
		defer func() { <-p.sem }()
		p.run(ctx, d, dest, envelope)
	}()
}

func (p *Pipeline) run(ctx context.Context, d store.Delivery, dest store.Destination, envelope model.ExecutionEnvelope) {
	_ = p.deliveries.UpdateState(ctx, d.ID, "delivering", "")

	sender, ok := p.senders[model.DestinationKind(dest.Kind)]
	if !ok {
		_ = p.deliveries.UpdateState(ctx, d.ID, "failed", fmt.Sprintf("no sender registered for kind %q", dest.Kind))
		return
	}

	err := sender.Send(ctx, dest, envelope)
	if err == nil {
		_ = p.deliveries.UpdateState(ctx, d.ID, "delivered", "")
		return
	}

	if !retryable(err) || d.Attempts+1 >= d.MaxAttempts {
		_ = p.deliveries.UpdateState(ctx, d.ID, "gave_up", err.Error())
		return
	}

	attempt := d.Attempts + 1
	delay := backoffDelay(p.cfg.DefaultRetry, attempt)
	if serr := p.deliveries.ScheduleRetry(ctx, d.ID, time.Now().UTC().Add(delay)); serr != nil {
		p.logger.Error("schedule delivery retry", zap.Error(serr))
	}
}

func retryable(err error) bool {
	if ce, ok := err.(*model.CoreError); ok {
		return ce.Kind.Retryable()
	}
	return true // unclassified transport errors default to retriable
}

func backoffDelay(policy model.RetryPolicy, attempt int) time.Duration {
	d := float64(policy.InitialDelayMs)
	for i := 1; i < attempt; i++ {
		d *= policy.BackoffMultiplier
		if d > float64(policy.MaxDelayMs) {
			d = float64(policy.MaxDelayMs)
			break
		}
	}
	if d > float64(policy.MaxDelayMs) {
		d = float64(policy.MaxDelayMs)
	}
	return time.Duration(d) * time.Millisecond
}
