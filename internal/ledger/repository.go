package ledger

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the persistence interface for jobs. Every mutator is
// atomic: the full state change commits or none of it does, and read-modify-
// write sequences (admission count, idempotency check) happen inside the
// store so concurrent callers serialize there.
type Repository interface {
	// Create persists a new job.
	Create(ctx context.Context, j *Job) error

	// Get retrieves a job by id, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Job, error)

	// List returns all jobs, newest first.
	List(ctx context.Context) ([]*Job, error)

	// CountActiveByProvider counts jobs owned by the provider whose status
	// is accepted or in_progress.
	CountActiveByProvider(ctx context.Context, providerID string) (int, error)

	// AcceptForProvider atomically checks the provider's active-job count
	// against maxActive and, if below, transitions the escrowed job to
	// accepted with the provider as owner. Returns ErrNotFound,
	// ErrInvalidTransition, or admission.ErrCapacityExceeded.
	AcceptForProvider(ctx context.Context, jobID uuid.UUID, providerID string, maxActive int) (*Job, error)

	// UpdateStatus performs a compare-and-swap transition from one status to
	// another. Returns ErrInvalidTransition if the job is not in from.
	UpdateStatus(ctx context.Context, jobID uuid.UUID, from, to Status) (*Job, error)

	// AttachTransaction stores the transaction under the idempotency key and
	// marks the job paid. If a transaction already exists for the key the
	// stored one is returned unchanged and created is false.
	AttachTransaction(ctx context.Context, jobID uuid.UUID, key string, txn Transaction) (j *Job, created bool, err error)

	// RecordRefund stores the refund, marks the payment refunded, and moves
	// the job to cancelled unless it is already terminal.
	RecordRefund(ctx context.Context, jobID uuid.UUID, refund Refund) (*Job, error)

	// MarkCaptured records the capture id on the job's transaction and marks
	// the payment captured. Idempotent: a second call with any capture id
	// returns the job unchanged.
	MarkCaptured(ctx context.Context, jobID uuid.UUID, captureID string) (*Job, error)
}
