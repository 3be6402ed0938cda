package payments

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/boardwalkclay1/laundry-bubbles/internal/ledger"
	"github.com/boardwalkclay1/laundry-bubbles/internal/metrics"
	"github.com/boardwalkclay1/laundry-bubbles/internal/pricing"
)

var tracer = otel.Tracer("laundry-bubbles/payments")

// Refund reasons and their payout fractions. A client cancellation keeps a
// 10% platform cancellation fee.
const (
	ReasonProviderCancel = "provider_cancel"
	ReasonClientCancel   = "client_cancel"

	// ReasonGatewayRefund marks refunds initiated on the gateway side and
	// reported through the webhook rather than requested by either party.
	ReasonGatewayRefund = "gateway_refund"

	clientCancelRefundRate = 0.90
)

// ProviderName labels transactions stored on jobs.
const ProviderName = "nmi"

// Adapter sits between the job ledger and the external processor. Every
// operation is safe to retry: idempotency lookups run before any external
// call, and local state is derived from the stored result rather than from
// counting calls.
type Adapter struct {
	repo      ledger.Repository
	processor Processor
	events    ledger.Events
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*jobLock
}

// jobLock serializes in-flight charges for one job.
type jobLock struct {
	mu   sync.Mutex
	refs int
}

// NewAdapter creates a payment gateway adapter.
func NewAdapter(repo ledger.Repository, processor Processor, events ledger.Events, m *metrics.Metrics, logger *zap.Logger) *Adapter {
	if events == nil {
		events = ledger.NopEvents{}
	}
	return &Adapter{
		repo:      repo,
		processor: processor,
		events:    events,
		metrics:   m,
		logger:    logger,
		locks:     make(map[uuid.UUID]*jobLock),
	}
}

// lockJob takes the job's charge lock, creating it on first use and dropping
// it once the last holder releases.
func (a *Adapter) lockJob(id uuid.UUID) func() {
	a.mu.Lock()
	l := a.locks[id]
	if l == nil {
		l = &jobLock{}
		a.locks[id] = l
	}
	l.refs++
	a.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		a.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(a.locks, id)
		}
		a.mu.Unlock()
	}
}

// ChargeKey derives the deterministic idempotency key used when a caller
// does not supply one, so a blind retry of the same charge is always safe.
func ChargeKey(jobID uuid.UUID) string {
	return "charge:" + jobID.String()
}

// Charge debits the job's total against the payment token. A repeated call
// with the same idempotency key returns the stored transaction without a
// second call to the processor.
func (a *Adapter) Charge(ctx context.Context, jobID uuid.UUID, token, idempotencyKey string) (*ledger.Job, error) {
	ctx, span := tracer.Start(ctx, "payments.charge",
		trace.WithAttributes(attribute.String("job.id", jobID.String())),
	)
	defer span.End()

	// Serialize charges per job: without this, two concurrent charges with
	// the same key could both pass the idempotency read and both reach the
	// processor before either stores its transaction.
	unlock := a.lockJob(jobID)
	defer unlock()

	j, err := a.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	// Idempotency lookup before anything touches the network.
	if j.Transaction != nil {
		if j.Transaction.IdempotencyKey != idempotencyKey {
			a.logger.Warn("charge replay with different key, returning stored transaction",
				zap.String("job_id", jobID.String()),
			)
		}
		a.metrics.ChargesTotal.WithLabelValues("replayed").Inc()
		return j, nil
	}

	if token == "" {
		return nil, ErrMissingToken
	}

	start := time.Now()
	res, err := a.processor.Sale(ctx, j.Total, token, j.ID.String())
	a.metrics.ProcessorLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		a.metrics.ChargesTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("sale for job %s: %w", jobID, err)
	}

	txn := ledger.Transaction{
		Provider:   ProviderName,
		ExternalID: res.TransactionID,
		Amount:     j.Total,
		CreatedAt:  time.Now().UTC(),
	}
	j, created, err := a.repo.AttachTransaction(ctx, jobID, idempotencyKey, txn)
	if err != nil {
		return nil, fmt.Errorf("attach transaction: %w", err)
	}
	if created {
		a.metrics.ChargesTotal.WithLabelValues("charged").Inc()
	}

	a.events.JobUpdated(j)
	a.logger.Info("job charged",
		zap.String("job_id", jobID.String()),
		zap.String("transaction_id", res.TransactionID),
		zap.Float64("amount", txn.Amount),
	)
	return j, nil
}

// Refund settles a cancellation against the job's transaction. A provider
// cancellation refunds the full charged amount; a client cancellation
// refunds 90%. The job transitions to cancelled unless already terminal.
func (a *Adapter) Refund(ctx context.Context, jobID uuid.UUID, reason string) (*ledger.Job, error) {
	ctx, span := tracer.Start(ctx, "payments.refund",
		trace.WithAttributes(
			attribute.String("job.id", jobID.String()),
			attribute.String("refund.reason", reason),
		),
	)
	defer span.End()

	j, err := a.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Transaction == nil {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNoTransaction)
	}
	if j.Refund != nil {
		// Already refunded; retries get the settled record back.
		return j, nil
	}
	if j.Status == ledger.StatusInProgress || j.Status == ledger.StatusCompleted {
		return nil, fmt.Errorf("%s -> %s: %w", j.Status, ledger.StatusCancelled, ledger.ErrInvalidTransition)
	}

	var amount float64
	switch reason {
	case ReasonProviderCancel:
		amount = j.Transaction.Amount
	case ReasonClientCancel:
		amount = pricing.RoundCents(j.Transaction.Amount * clientCancelRefundRate)
	default:
		return nil, fmt.Errorf("refund reason %q: %w", reason, ledger.ErrValidation)
	}

	start := time.Now()
	_, err = a.processor.Refund(ctx, j.Transaction.ExternalID, amount)
	a.metrics.ProcessorLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("refund for job %s: %w", jobID, err)
	}

	j, err = a.repo.RecordRefund(ctx, jobID, ledger.Refund{
		Amount:    amount,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("record refund: %w", err)
	}
	a.metrics.RefundsTotal.WithLabelValues(reason).Inc()

	a.events.JobUpdated(j)
	a.logger.Info("job refunded",
		zap.String("job_id", jobID.String()),
		zap.String("reason", reason),
		zap.Float64("amount", amount),
	)
	return j, nil
}

// Capture settles the job's authorized transaction. Capturing an already
// captured transaction is a no-op returning the prior result.
func (a *Adapter) Capture(ctx context.Context, jobID uuid.UUID) (*ledger.Job, error) {
	ctx, span := tracer.Start(ctx, "payments.capture",
		trace.WithAttributes(attribute.String("job.id", jobID.String())),
	)
	defer span.End()

	j, err := a.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Transaction == nil {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNoTransaction)
	}
	if j.PaymentState == ledger.PaymentCaptured {
		return j, nil
	}

	start := time.Now()
	res, err := a.processor.Capture(ctx, j.Transaction.ExternalID, j.Transaction.Amount)
	a.metrics.ProcessorLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("capture for job %s: %w", jobID, err)
	}

	j, err = a.repo.MarkCaptured(ctx, jobID, res.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("mark captured: %w", err)
	}
	a.metrics.CapturesTotal.Inc()

	a.events.JobUpdated(j)
	a.logger.Info("job captured",
		zap.String("job_id", jobID.String()),
		zap.String("capture_id", res.TransactionID),
	)
	return j, nil
}
