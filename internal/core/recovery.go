package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"skinscan-backend/internal/core/types"
	"skinscan-backend/internal/database"
	"skinscan-backend/internal/messaging"

	"gorm.io/gorm"
)

// RequeuePending enqueues every request that has neither a result nor an
// error, in request id order. Jobs keep their original creation time so that
// requests that have waited too long expire normally. It returns the number of
// jobs enqueued.
func RequeuePending(ctx context.Context, db *gorm.DB, queue messaging.JobQueue) (int, error) {
	requests, err := database.PendingRequests(ctx, db)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, req := range requests {
		img, err := DecodeImage(req.Image)
		if err != nil {
			slog.Error("stored image for pending request is unusable", "request_id", req.RequestId, "error", err)
			if err := database.MarkRequestFailed(ctx, db, req.RequestId, err.Error()); err != nil {
				return enqueued, err
			}
			continue
		}

		job := types.Job{
			Id:         req.RequestId,
			EnqueuedAt: time.Unix(req.CreationTime, 0),
			Params: types.JobParams{
				Image:        img,
				Age:          req.Age,
				Sex:          req.Sex,
				Localization: req.Localization,
			},
		}
		if err := queue.Enqueue(ctx, job); err != nil {
			return enqueued, fmt.Errorf("error requeuing request %d: %w", req.RequestId, err)
		}
		enqueued++
	}

	if enqueued > 0 {
		slog.Info("requeued pending requests", "count", enqueued)
	}
	return enqueued, nil
}
