package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	ModelReloadQueue = "model_reload_queue"
	RetryDelay       = 5 * time.Second
	MaxConnectRetry  = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

// ModelReloadPayload announces that the active model pointer changed.
type ModelReloadPayload struct {
	NotificationId uuid.UUID
	ModelVersion   int64
	ActivatedAt    time.Time
}

type Publisher interface {
	PublishModelReload(ctx context.Context, payload ModelReloadPayload) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}
