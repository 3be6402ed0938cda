package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	settlementQueueKey = "laundry:settlements:pending"
	deadLetterQueueKey = "laundry:settlements:dead_letter"
	dequeueTimeout     = 5 * time.Second
)

// RedisQueue implements Queue using Redis lists with BRPOP for blocking dequeue.
type RedisQueue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisQueue creates a Redis-backed settlement queue.
func NewRedisQueue(client *redis.Client, logger *zap.Logger) *RedisQueue {
	return &RedisQueue{
		client: client,
		logger: logger,
	}
}

// Enqueue pushes a task onto the pending queue using LPUSH.
func (q *RedisQueue) Enqueue(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	if err := q.client.LPush(ctx, settlementQueueKey, data).Err(); err != nil {
		return fmt.Errorf("lpush task: %w", err)
	}

	return nil
}

// Dequeue blocks until a task is available using BRPOP.
// Returns nil without error if the context is cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	result, err := q.client.BRPop(ctx, dequeueTimeout, settlementQueueKey).Result()
	if err != nil {
		if err == redis.Nil || ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("brpop: %w", err)
	}

	if len(result) < 2 {
		return nil, nil
	}

	var t Task
	if err := json.Unmarshal([]byte(result[1]), &t); err != nil {
		q.logger.Error("failed to unmarshal task from queue",
			zap.Error(err),
			zap.String("data", result[1]),
		)
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}

	return &t, nil
}

// EnqueueDeadLetter parks a task that exhausted its retries.
func (q *RedisQueue) EnqueueDeadLetter(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	if err := q.client.LPush(ctx, deadLetterQueueKey, data).Err(); err != nil {
		return fmt.Errorf("lpush dead letter: %w", err)
	}

	return nil
}

// Depth returns the number of tasks in the pending queue.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, settlementQueueKey).Result()
}

// DeadLetterDepth returns the number of tasks in the dead letter queue.
func (q *RedisQueue) DeadLetterDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, deadLetterQueueKey).Result()
}
