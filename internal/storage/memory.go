// Package storage provides document-store implementations of the ledger
// repository: MongoDB for deployment and an in-memory store for development
// and tests.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/boardwalkclay1/laundry-bubbles/internal/admission"
	"github.com/boardwalkclay1/laundry-bubbles/internal/ledger"
)

// MemoryRepository implements ledger.Repository with a mutex-guarded map.
// Every mutator holds the lock for its full read-modify-write, which gives
// the same atomicity the Mongo implementation gets from single-document
// conditional updates.
type MemoryRepository struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*ledger.Job
}

// NewMemoryRepository creates an empty in-memory job store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{jobs: make(map[uuid.UUID]*ledger.Job)}
}

// Create persists a new job.
func (r *MemoryRepository) Create(_ context.Context, j *ledger.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[j.ID]; ok {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	r.jobs[j.ID] = clone(j)
	return nil
}

// Get retrieves a job by id.
func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*ledger.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(id)
}

// get returns a copy of the stored job. Callers must hold the lock.
func (r *MemoryRepository) get(id uuid.UUID) (*ledger.Job, error) {
	j, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ledger.ErrNotFound)
	}
	return clone(j), nil
}

// List returns all jobs, newest first.
func (r *MemoryRepository) List(_ context.Context) ([]*ledger.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobs := make([]*ledger.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, clone(j))
	}
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
	return jobs, nil
}

// CountActiveByProvider counts accepted and in_progress jobs for a provider.
func (r *MemoryRepository) CountActiveByProvider(_ context.Context, providerID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countActive(providerID), nil
}

func (r *MemoryRepository) countActive(providerID string) int {
	n := 0
	for _, j := range r.jobs {
		if j.Provider.OwnerID == providerID && j.Active() {
			n++
		}
	}
	return n
}

// AcceptForProvider atomically admission-checks and accepts an escrowed job.
func (r *MemoryRepository) AcceptForProvider(_ context.Context, jobID uuid.UUID, providerID string, maxActive int) (*ledger.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", jobID, ledger.ErrNotFound)
	}
	if j.Status != ledger.StatusEscrowed {
		return nil, fmt.Errorf("%s -> %s: %w", j.Status, ledger.StatusAccepted, ledger.ErrInvalidTransition)
	}
	if r.countActive(providerID) >= maxActive {
		return nil, fmt.Errorf("provider %s: %w", providerID, admission.ErrCapacityExceeded)
	}

	j.Provider.OwnerID = providerID
	j.Status = ledger.StatusAccepted
	j.UpdatedAt = time.Now().UTC()
	return clone(j), nil
}

// UpdateStatus performs a compare-and-swap lifecycle transition.
func (r *MemoryRepository) UpdateStatus(_ context.Context, jobID uuid.UUID, from, to ledger.Status) (*ledger.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", jobID, ledger.ErrNotFound)
	}
	if j.Status != from || !ledger.CanTransition(from, to) {
		return nil, fmt.Errorf("%s -> %s: %w", j.Status, to, ledger.ErrInvalidTransition)
	}

	j.Status = to
	j.UpdatedAt = time.Now().UTC()
	return clone(j), nil
}

// AttachTransaction stores the charge result under the idempotency key.
func (r *MemoryRepository) AttachTransaction(_ context.Context, jobID uuid.UUID, key string, txn ledger.Transaction) (*ledger.Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return nil, false, fmt.Errorf("%s: %w", jobID, ledger.ErrNotFound)
	}

	if j.Transaction != nil && j.Transaction.IdempotencyKey == key {
		return clone(j), false, nil
	}
	if j.Transaction != nil {
		return nil, false, fmt.Errorf("job %s already has a transaction", jobID)
	}

	txn.IdempotencyKey = key
	j.Transaction = &txn
	j.PaymentState = ledger.PaymentPaid
	j.UpdatedAt = time.Now().UTC()
	return clone(j), true, nil
}

// RecordRefund stores the refund and cancels the job if not already terminal.
func (r *MemoryRepository) RecordRefund(_ context.Context, jobID uuid.UUID, refund ledger.Refund) (*ledger.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", jobID, ledger.ErrNotFound)
	}

	j.Refund = &refund
	j.PaymentState = ledger.PaymentRefunded
	if !j.Terminal() {
		j.Status = ledger.StatusCancelled
	}
	j.UpdatedAt = time.Now().UTC()
	return clone(j), nil
}

// MarkCaptured records the capture on the job's transaction.
func (r *MemoryRepository) MarkCaptured(_ context.Context, jobID uuid.UUID, captureID string) (*ledger.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", jobID, ledger.ErrNotFound)
	}
	if j.Transaction == nil {
		return nil, fmt.Errorf("job %s has no transaction", jobID)
	}

	if j.PaymentState != ledger.PaymentCaptured {
		j.Transaction.CaptureID = captureID
		j.PaymentState = ledger.PaymentCaptured
		j.UpdatedAt = time.Now().UTC()
	}
	return clone(j), nil
}

// clone returns a deep copy so callers never alias stored state.
func clone(j *ledger.Job) *ledger.Job {
	cp := *j
	if j.Transaction != nil {
		t := *j.Transaction
		cp.Transaction = &t
	}
	if j.Refund != nil {
		rf := *j.Refund
		cp.Refund = &rf
	}
	if j.Provider.Location != nil {
		l := *j.Provider.Location
		cp.Provider.Location = &l
	}
	return &cp
}
