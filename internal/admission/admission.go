// Package admission gates how many jobs a provider may hold concurrently.
package admission

import (
	"context"
	"errors"
)

// MaxActiveJobs is the system-wide ceiling on a provider's concurrently
// active (accepted or in_progress) jobs. Fixed policy, not per-provider.
const MaxActiveJobs = 5

// ErrCapacityExceeded is returned when a provider is at the ceiling.
var ErrCapacityExceeded = errors.New("provider capacity exceeded")

// Counter reports a provider's current active-job count. The count is always
// derived from live ledger state, never cached.
type Counter interface {
	CountActiveByProvider(ctx context.Context, providerID string) (int, error)
}

// Controller answers advisory capacity questions. The binding check runs
// atomically inside the ledger repository's accept operation; this exists for
// callers that want to pre-flight without transitioning.
type Controller struct {
	counter Counter
}

// NewController creates an admission controller over the given counter.
func NewController(counter Counter) *Controller {
	return &Controller{counter: counter}
}

// CanAccept reports whether the provider has room for another active job.
func (c *Controller) CanAccept(ctx context.Context, providerID string) (bool, error) {
	n, err := c.counter.CountActiveByProvider(ctx, providerID)
	if err != nil {
		return false, err
	}
	return n < MaxActiveJobs, nil
}

// Status describes a provider's headroom at one instant. It is advisory; the
// count may change before the provider's next accept lands.
type Status struct {
	ProviderID string `json:"provider_id"`
	Active     int    `json:"active"`
	Max        int    `json:"max"`
	CanAccept  bool   `json:"can_accept"`
}

// Status reports the provider's current active count against the ceiling.
func (c *Controller) Status(ctx context.Context, providerID string) (*Status, error) {
	n, err := c.counter.CountActiveByProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	return &Status{
		ProviderID: providerID,
		Active:     n,
		Max:        MaxActiveJobs,
		CanAccept:  n < MaxActiveJobs,
	}, nil
}
