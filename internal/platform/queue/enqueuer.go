package queue

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Enqueuer pushes export job IDs onto the shared work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

type redisEnqueuer struct {
	rdb       *redis.Client
	queueName string
}

func NewRedisEnqueuer(rdb *redis.Client, queueName string) Enqueuer {
	return &redisEnqueuer{rdb: rdb, queueName: queueName}
}

func (e *redisEnqueuer) Enqueue(ctx context.Context, jobID string) error {
	return e.rdb.LPush(ctx, e.queueName, jobID).Err()
}
