// Package retry provides the backoff policy used when settling captures
// against a flapping payment gateway.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines exponential backoff with jitter.
type Policy struct {
	MaxRetries  int           `json:"max_retries"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	Multiplier  float64       `json:"multiplier"`
	JitterRatio float64       `json:"jitter_ratio"` // 0.0 to 1.0
}

// SettlementPolicy returns the policy used for capture retries. The gateway
// circuit breaker holds open for 30 seconds, so the cap sits above that.
func SettlementPolicy() *Policy {
	return &Policy{
		MaxRetries:  5,
		BaseDelay:   1 * time.Second,
		MaxDelay:    45 * time.Second,
		Multiplier:  2.0,
		JitterRatio: 0.2,
	}
}

// NextDelay computes the delay before the next attempt.
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return p.BaseDelay
	}

	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))

	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	// Spread retries by up to ±JitterRatio of the delay.
	jitter := delay * p.JitterRatio * (2*rand.Float64() - 1)
	delay += jitter

	if delay < 0 {
		delay = float64(p.BaseDelay)
	}

	return time.Duration(delay)
}

// ShouldRetry reports whether another attempt should be made.
func (p *Policy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxRetries
}

// Sleep waits out the backoff for the given attempt, returning early with
// the context error if cancelled.
func (p *Policy) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.NextDelay(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
