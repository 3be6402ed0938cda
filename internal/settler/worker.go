// Package settler implements the background worker that captures charged
// transactions for completed jobs.
package settler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/boardwalkclay1/laundry-bubbles/internal/ledger"
	"github.com/boardwalkclay1/laundry-bubbles/internal/metrics"
	"github.com/boardwalkclay1/laundry-bubbles/internal/payments"
	"github.com/boardwalkclay1/laundry-bubbles/internal/queue"
	"github.com/boardwalkclay1/laundry-bubbles/internal/retry"
)

var tracer = otel.Tracer("laundry-bubbles/settler")

// Capturer settles a job's transaction. Implemented by payments.Adapter.
type Capturer interface {
	Capture(ctx context.Context, jobID uuid.UUID) (*ledger.Job, error)
}

// Worker drains the settlement queue, capturing one task at a time. Only
// gateway outages are retried; every other failure is permanent and parks
// the task in the dead letter queue for operator review.
type Worker struct {
	workerID string
	queue    queue.Queue
	capturer Capturer
	policy   *retry.Policy
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New creates a settlement worker.
func New(q queue.Queue, capturer Capturer, policy *retry.Policy, m *metrics.Metrics, logger *zap.Logger) *Worker {
	return &Worker{
		workerID: fmt.Sprintf("settler-%s", uuid.New().String()[:8]),
		queue:    q,
		capturer: capturer,
		policy:   policy,
		metrics:  m,
		logger:   logger,
	}
}

// Run starts the worker loop. It blocks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("settler started", zap.String("worker_id", w.workerID))

	go w.updateQueueDepth(ctx, 5*time.Second)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("settler shutting down", zap.String("worker_id", w.workerID))
			return nil
		default:
			if err := w.processNext(ctx); err != nil {
				w.logger.Error("settlement error", zap.Error(err))
			}
		}
	}
}

// processNext dequeues and settles a single task.
func (w *Worker) processNext(ctx context.Context) error {
	t, err := w.queue.Dequeue(ctx)
	if err != nil {
		return fmt.Errorf("dequeue: %w", err)
	}
	if t == nil {
		return nil // Timeout, no task available.
	}

	ctx, span := tracer.Start(ctx, "settlement.capture",
		trace.WithAttributes(
			attribute.String("job.id", t.JobID.String()),
			attribute.Int("task.attempt", t.Attempt),
		),
	)
	defer span.End()

	_, err = w.capturer.Capture(ctx, t.JobID)
	if err == nil {
		w.logger.Info("settlement captured",
			zap.String("job_id", t.JobID.String()),
			zap.Int("attempt", t.Attempt),
		)
		return nil
	}

	if !errors.Is(err, payments.ErrGatewayUnavailable) {
		// Declines, missing transactions, and unknown jobs never resolve
		// on their own. Park the task.
		w.logger.Error("settlement failed permanently",
			zap.String("job_id", t.JobID.String()),
			zap.Error(err),
		)
		return w.queue.EnqueueDeadLetter(ctx, t)
	}

	return w.handleOutage(ctx, t, err)
}

// handleOutage backs off and requeues the task, or parks it once the retry
// budget is exhausted.
func (w *Worker) handleOutage(ctx context.Context, t *queue.Task, cause error) error {
	if !w.policy.ShouldRetry(t.Attempt) {
		w.logger.Error("settlement retries exhausted",
			zap.String("job_id", t.JobID.String()),
			zap.Int("attempts", t.Attempt),
			zap.Error(cause),
		)
		return w.queue.EnqueueDeadLetter(ctx, t)
	}

	w.logger.Warn("gateway unavailable, retrying settlement",
		zap.String("job_id", t.JobID.String()),
		zap.Int("attempt", t.Attempt),
		zap.Error(cause),
	)

	if err := w.policy.Sleep(ctx, t.Attempt); err != nil {
		// Shutting down; requeue immediately so the task survives restart.
		t.Attempt++
		return w.queue.Enqueue(context.WithoutCancel(ctx), t)
	}

	t.Attempt++
	return w.queue.Enqueue(ctx, t)
}

// updateQueueDepth samples the pending queue length for the depth gauge.
func (w *Worker) updateQueueDepth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := w.queue.Depth(ctx)
			if err != nil {
				continue
			}
			w.metrics.SettlementQueueDepth.Set(float64(depth))
		}
	}
}
