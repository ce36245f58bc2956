package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"skinscan-backend/internal/core/types"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultJobQueueKey = "skinscan:prediction_jobs"

	blockingPopTimeout = time.Second
)

// RedisJobQueue keeps jobs in a redis list so that the api and the worker can
// run as separate processes.
type RedisJobQueue struct {
	client *redis.Client
	key    string
}

var _ JobQueue = (*RedisJobQueue)(nil)

func NewRedisJobQueue(ctx context.Context, redisURL, key string) (*RedisJobQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	var pingErr error
	for i := 0; i < MaxConnectRetry; i++ {
		if pingErr = client.Ping(ctx).Err(); pingErr == nil {
			break
		}
		slog.Warn("failed to connect to redis", "attempt", i+1, "max_attempts", MaxConnectRetry, "error", pingErr)
		time.Sleep(RetryDelay)
	}
	if pingErr != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis after %d attempts: %w", MaxConnectRetry, pingErr)
	}

	if key == "" {
		key = DefaultJobQueueKey
	}
	slog.Info("connected to redis job queue", "key", key)

	return &RedisJobQueue{client: client, key: key}, nil
}

func (q *RedisJobQueue) Enqueue(ctx context.Context, job types.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %d: %w", job.Id, err)
	}
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %d: %w", job.Id, err)
	}
	return nil
}

func decodeJob(data []byte) (types.Job, error) {
	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return types.Job{}, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return job, nil
}

func (q *RedisJobQueue) Dequeue(ctx context.Context) (types.Job, error) {
	for {
		res, err := q.client.BLPop(ctx, blockingPopTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return types.Job{}, ctx.Err()
			}
			return types.Job{}, fmt.Errorf("failed to dequeue job: %w", err)
		}
		return decodeJob([]byte(res[1]))
	}
}

func (q *RedisJobQueue) TryDequeue(ctx context.Context) (types.Job, bool, error) {
	data, err := q.client.LPop(ctx, q.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.Job{}, false, nil
	}
	if err != nil {
		return types.Job{}, false, fmt.Errorf("failed to dequeue job: %w", err)
	}
	job, err := decodeJob(data)
	if err != nil {
		return types.Job{}, false, err
	}
	return job, true, nil
}

func (q *RedisJobQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return int(n), nil
}

func (q *RedisJobQueue) Close() {
	if err := q.client.Close(); err != nil {
		slog.Error("error closing redis client", "error", err)
	}
}
