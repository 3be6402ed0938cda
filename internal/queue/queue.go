// Package queue defines the settlement task queue interface and Redis
// implementation. Completed jobs enqueue a capture task here; the settler
// worker drains it.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Task asks the settler to capture a job's charged transaction.
type Task struct {
	JobID      uuid.UUID `json:"job_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue defines the settlement queue operations.
type Queue interface {
	// Enqueue pushes a settlement task for processing.
	Enqueue(ctx context.Context, t *Task) error

	// Dequeue blocks until a task is available, then returns it.
	// Returns nil if the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// EnqueueDeadLetter parks a task that exhausted its retries.
	EnqueueDeadLetter(ctx context.Context, t *Task) error

	// Depth returns the current number of pending tasks.
	Depth(ctx context.Context) (int64, error)

	// DeadLetterDepth returns the number of parked tasks.
	DeadLetterDepth(ctx context.Context) (int64, error)
}
