package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"skinscan-backend/internal/messaging"
)

// ReloadSignal tells the worker to reload the active model at the start of
// its next iteration. Signal may be called from any goroutine.
type ReloadSignal struct {
	pending atomic.Bool
}

func (s *ReloadSignal) Signal() {
	s.pending.Store(true)
}

// consume reports whether a reload was requested and clears the request.
func (s *ReloadSignal) consume() bool {
	return s.pending.Swap(false)
}

// ForwardReloads turns reload notifications from reciever into signals until
// the reciever is closed or ctx is cancelled.
func ForwardReloads(ctx context.Context, reciever messaging.Reciever, signal *ReloadSignal) {
	tasks := reciever.Tasks()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-tasks:
			if !ok {
				slog.Info("reload notification channel closed")
				return
			}

			if task.Type() != messaging.ModelReloadQueue {
				slog.Error("received unexpected task type", "task_type", task.Type())
				if err := task.Reject(); err != nil {
					slog.Error("error rejecting task", "error", err)
				}
				continue
			}

			var payload messaging.ModelReloadPayload
			if err := json.Unmarshal(task.Payload(), &payload); err != nil {
				slog.Error("error unmarshaling reload notification", "error", err)
				if err := task.Reject(); err != nil {
					slog.Error("error rejecting task", "error", err)
				}
				continue
			}

			slog.Info("received model reload notification", "notification_id", payload.NotificationId, "model_version", payload.ModelVersion)
			signal.Signal()

			if err := task.Ack(); err != nil {
				slog.Error("error acknowledging reload notification", "error", err)
			}
		}
	}
}
