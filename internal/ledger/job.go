// Package ledger owns the job domain model and its lifecycle state machine.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/boardwalkclay1/laundry-bubbles/internal/pricing"
)

// Status represents the current state of a job in its lifecycle.
type Status string

const (
	StatusEscrowed   Status = "escrowed"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// PaymentState annotates how far the payment has settled. It rides on top of
// the lifecycle; it never replaces a Status.
type PaymentState string

const (
	PaymentUnpaid   PaymentState = "unpaid"
	PaymentPaid     PaymentState = "paid"
	PaymentCaptured PaymentState = "captured"
	PaymentRefunded PaymentState = "refunded"
)

// validTransitions defines the allowed state machine transitions. Cancellation
// is open from escrowed and accepted only; once the provider has the goods
// (in_progress) the job must run to completion.
var validTransitions = map[Status][]Status{
	StatusEscrowed:   {StatusAccepted, StatusCancelled},
	StatusAccepted:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted},
	StatusCompleted:  {},
	StatusCancelled:  {},
}

var (
	// ErrNotFound is returned when a job does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned for illegal lifecycle moves.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrValidation is returned for malformed creation input.
	ErrValidation = errors.New("validation failed")
)

// Client identifies the job's owning party. Immutable after creation.
type Client struct {
	Name  string `json:"name" bson:"name"`
	Email string `json:"email" bson:"email"`
}

// Location is a geographic point used for provider snapshots and presence.
type Location struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lng float64 `json:"lng" bson:"lng"`
}

// ProviderSnapshot is the provider's profile frozen at job-creation time.
// Later price changes never retroactively affect an existing job.
type ProviderSnapshot struct {
	OwnerID     string                `json:"owner_id" bson:"owner_id"`
	DisplayName string                `json:"display_name" bson:"display_name"`
	Prices      pricing.PriceSchedule `json:"prices" bson:"prices"`
	Location    *Location             `json:"location,omitempty" bson:"location,omitempty"`
}

// Transaction records a successful external charge against a job.
type Transaction struct {
	Provider       string    `json:"provider" bson:"provider"`
	ExternalID     string    `json:"external_id" bson:"external_id"`
	Amount         float64   `json:"amount" bson:"amount"`
	IdempotencyKey string    `json:"idempotency_key" bson:"idempotency_key"`
	CaptureID      string    `json:"capture_id,omitempty" bson:"capture_id,omitempty"`
	CreatedAt      time.Time `json:"created_at" bson:"created_at"`
}

// Refund records the settlement of a cancelled, already-charged job.
type Refund struct {
	Amount    float64   `json:"amount" bson:"amount"`
	Reason    string    `json:"reason" bson:"reason"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// Job is one laundry service request moving through escrow, fulfillment and
// settlement. Transaction and Refund stay nil until the payment adapter sets
// them; the mutators keep the optional fields consistent with Status.
type Job struct {
	ID            uuid.UUID           `json:"id" bson:"_id"`
	Status        Status              `json:"status" bson:"status"`
	PaymentState  PaymentState        `json:"payment_state" bson:"payment_state"`
	Client        Client              `json:"client" bson:"client"`
	Provider      ProviderSnapshot    `json:"provider" bson:"provider"`
	ServiceType   pricing.ServiceType `json:"service_type" bson:"service_type"`
	Weight        float64             `json:"weight" bson:"weight"`
	IncludePickup bool                `json:"include_pickup" bson:"include_pickup"`
	Tip           float64             `json:"tip" bson:"tip"`
	Total         float64             `json:"total" bson:"total"`
	ProviderTake  float64             `json:"provider_take" bson:"provider_take"`
	PlatformFee   float64             `json:"platform_fee" bson:"platform_fee"`
	Base          float64             `json:"base" bson:"base"`
	Transaction   *Transaction        `json:"transaction,omitempty" bson:"transaction,omitempty"`
	Refund        *Refund             `json:"refund,omitempty" bson:"refund,omitempty"`
	CreatedAt     time.Time           `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at" bson:"updated_at"`
}

// NewJob prices and builds a job in the escrowed state. Totals are computed
// once here and never recomputed.
func NewJob(client Client, provider ProviderSnapshot, serviceType pricing.ServiceType, weight float64, includePickup bool, tip float64) (*Job, error) {
	if client.Name == "" || client.Email == "" {
		return nil, fmt.Errorf("client name and email required: %w", ErrValidation)
	}

	totals, err := pricing.CalculateTotals(provider.Prices, serviceType, weight, includePickup, tip)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Job{
		ID:            uuid.New(),
		Status:        StatusEscrowed,
		PaymentState:  PaymentUnpaid,
		Client:        client,
		Provider:      provider,
		ServiceType:   serviceType,
		Weight:        weight,
		IncludePickup: includePickup,
		Tip:           tip,
		Total:         totals.Total,
		ProviderTake:  totals.ProviderTake,
		PlatformFee:   totals.PlatformFee,
		Base:          totals.Base,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionTo validates and performs a state transition.
func (j *Job) TransitionTo(newStatus Status) error {
	if !CanTransition(j.Status, newStatus) {
		return fmt.Errorf("%s -> %s: %w", j.Status, newStatus, ErrInvalidTransition)
	}
	j.Status = newStatus
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// Terminal reports whether the job has reached a terminal status.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusCancelled
}

// Active reports whether the job counts against its provider's capacity.
// Escrowed-but-unaccepted jobs do not count.
func (j *Job) Active() bool {
	return j.Status == StatusAccepted || j.Status == StatusInProgress
}
