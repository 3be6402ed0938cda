package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/boardwalkclay1/laundry-bubbles/internal/admission"
	"github.com/boardwalkclay1/laundry-bubbles/internal/pricing"
)

var tracer = otel.Tracer("laundry-bubbles/ledger")

// Events receives lifecycle notifications for realtime fan-out. Publishing is
// best-effort; implementations must never block the caller.
type Events interface {
	JobCreated(j *Job)
	JobUpdated(j *Job)
	Message(j *Job, from, text string)
}

// NopEvents discards all events.
type NopEvents struct{}

func (NopEvents) JobCreated(*Job)              {}
func (NopEvents) JobUpdated(*Job)              {}
func (NopEvents) Message(*Job, string, string) {}

// Service coordinates job lifecycle mutations against the repository and
// broadcasts the resulting state to subscribers.
type Service struct {
	repo   Repository
	admit  *admission.Controller
	events Events
	logger *zap.Logger
}

// NewService creates a ledger service. A nil events sink is replaced with a
// no-op implementation.
func NewService(repo Repository, events Events, logger *zap.Logger) *Service {
	if events == nil {
		events = NopEvents{}
	}
	return &Service{
		repo:   repo,
		admit:  admission.NewController(repo),
		events: events,
		logger: logger,
	}
}

// CreateInput carries the client request to open a job.
type CreateInput struct {
	Client        Client
	Provider      ProviderSnapshot
	ServiceType   pricing.ServiceType
	Weight        float64
	IncludePickup bool
	Tip           float64
}

// Create prices the job, persists it in the escrowed state, and announces it.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Job, error) {
	ctx, span := tracer.Start(ctx, "ledger.create",
		trace.WithAttributes(attribute.String("job.service_type", string(in.ServiceType))),
	)
	defer span.End()

	j, err := NewJob(in.Client, in.Provider, in.ServiceType, in.Weight, in.IncludePickup, in.Tip)
	if err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}

	s.events.JobCreated(j)
	s.logger.Info("job created",
		zap.String("job_id", j.ID.String()),
		zap.String("service_type", string(j.ServiceType)),
		zap.Float64("total", j.Total),
	)
	return j, nil
}

// Get retrieves a single job.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	return s.repo.Get(ctx, id)
}

// List returns all jobs, newest first.
func (s *Service) List(ctx context.Context) ([]*Job, error) {
	return s.repo.List(ctx)
}

// Accept assigns an escrowed job to a provider. The capacity check and the
// transition run as one atomic repository operation, so two concurrent
// accepts for a provider's would-be sixth job cannot both succeed.
func (s *Service) Accept(ctx context.Context, jobID uuid.UUID, providerID string) (*Job, error) {
	ctx, span := tracer.Start(ctx, "ledger.accept",
		trace.WithAttributes(
			attribute.String("job.id", jobID.String()),
			attribute.String("provider.id", providerID),
		),
	)
	defer span.End()

	j, err := s.repo.AcceptForProvider(ctx, jobID, providerID, admission.MaxActiveJobs)
	if err != nil {
		return nil, err
	}

	s.events.JobUpdated(j)
	// Courtesy notice to the client: their provider may carry several loads.
	s.events.Message(j, j.Provider.DisplayName,
		fmt.Sprintf("%s accepted your job. They may pick up multiple loads; you'll be notified if your job is delayed.", j.Provider.DisplayName))

	s.logger.Info("job accepted",
		zap.String("job_id", j.ID.String()),
		zap.String("provider_id", providerID),
	)
	return j, nil
}

// Capacity answers the advisory pre-flight question of whether a provider has
// room for another job. The binding check still runs inside Accept.
func (s *Service) Capacity(ctx context.Context, providerID string) (*admission.Status, error) {
	return s.admit.Status(ctx, providerID)
}

// Start moves an accepted job to in_progress.
func (s *Service) Start(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	j, err := s.repo.UpdateStatus(ctx, jobID, StatusAccepted, StatusInProgress)
	if err != nil {
		return nil, err
	}
	s.events.JobUpdated(j)
	s.logger.Info("job started", zap.String("job_id", j.ID.String()))
	return j, nil
}

// Complete moves an in_progress job to completed.
func (s *Service) Complete(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	j, err := s.repo.UpdateStatus(ctx, jobID, StatusInProgress, StatusCompleted)
	if err != nil {
		return nil, err
	}
	s.events.JobUpdated(j)
	s.logger.Info("job completed", zap.String("job_id", j.ID.String()))
	return j, nil
}

// Cancel moves an escrowed or accepted job to cancelled. Refunding a charged
// job is the payment adapter's business; a never-charged job just cancels.
func (s *Service) Cancel(ctx context.Context, jobID uuid.UUID, reason string) (*Job, error) {
	j, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(j.Status, StatusCancelled) {
		return nil, fmt.Errorf("%s -> %s: %w", j.Status, StatusCancelled, ErrInvalidTransition)
	}

	j, err = s.repo.UpdateStatus(ctx, jobID, j.Status, StatusCancelled)
	if err != nil {
		return nil, err
	}

	s.events.JobUpdated(j)
	s.logger.Info("job cancelled",
		zap.String("job_id", j.ID.String()),
		zap.String("reason", reason),
	)
	return j, nil
}
