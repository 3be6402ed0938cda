// Package payments adapts the job ledger to an external card processor with
// idempotent charge, refund, and capture operations.
package payments

import (
	"context"
	"errors"
)

var (
	// ErrPaymentDeclined is returned when the processor rejects the charge.
	ErrPaymentDeclined = errors.New("payment declined")

	// ErrGatewayUnavailable is returned on transport failures and 5xx
	// responses from the processor.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrMissingToken is returned when no payment token accompanies a charge.
	ErrMissingToken = errors.New("payment token required")

	// ErrNoTransaction is returned when a refund or capture has nothing to
	// act on.
	ErrNoTransaction = errors.New("no transaction for job")

	// ErrBadSignature is returned when a webhook payload fails verification.
	ErrBadSignature = errors.New("webhook signature mismatch")
)

// Result is the processor's answer to a sale, refund, or capture.
type Result struct {
	TransactionID string
	Raw           string
}

// Processor is the external card processor. Implementations make at most one
// network call per invocation; idempotency lives above, in the Adapter.
type Processor interface {
	// Sale charges amount dollars against the token. orderID ties the charge
	// to a job on the processor side.
	Sale(ctx context.Context, amount float64, token, orderID string) (Result, error)

	// Refund returns amount dollars of a prior transaction.
	Refund(ctx context.Context, transactionID string, amount float64) (Result, error)

	// Capture settles a previously authorized transaction.
	Capture(ctx context.Context, transactionID string, amount float64) (Result, error)
}
