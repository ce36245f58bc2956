package core

import (
	"context"
	"fmt"
	"time"

	"skinscan-backend/internal/core/types"
	"skinscan-backend/internal/messaging"
)

type Batch struct {
	Fresh   []types.Job
	Expired []int64
}

// ExtractBatch drains at most min(maxBatchSize, queue length at call time)
// jobs without blocking, splitting them into fresh jobs and the ids of jobs
// that waited longer than expiry. Dequeue order is preserved in both.
func ExtractBatch(ctx context.Context, queue messaging.JobQueue, maxBatchSize int, expiry time.Duration, now time.Time) (Batch, error) {
	var batch Batch
	if maxBatchSize <= 0 {
		return batch, nil
	}

	size, err := queue.Len(ctx)
	if err != nil {
		return batch, fmt.Errorf("error reading queue length: %w", err)
	}

	for examined := 0; examined < min(maxBatchSize, size); examined++ {
		job, ok, err := queue.TryDequeue(ctx)
		if err != nil {
			return batch, fmt.Errorf("error dequeuing job: %w", err)
		}
		if !ok {
			break
		}

		if now.Sub(job.EnqueuedAt) > expiry {
			batch.Expired = append(batch.Expired, job.Id)
		} else {
			batch.Fresh = append(batch.Fresh, job)
		}
	}

	return batch, nil
}
