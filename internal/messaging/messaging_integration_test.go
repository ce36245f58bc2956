//go:build integration
// +build integration

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"skinscan-backend/internal/core/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRabbitMQ(t *testing.T, ctx context.Context) string {
	container, err := rabbitmq.Run(ctx, "rabbitmq:3.12-management-alpine")
	require.NoError(t, err, "Failed to start RabbitMQ container")

	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()), "Failed to terminate RabbitMQ container")
	})

	url, err := container.AmqpURL(ctx)
	require.NoError(t, err, "Failed to get RabbitMQ AMQP URL")
	return url
}

func setupRedis(t *testing.T, ctx context.Context) string {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err, "Failed to start Redis container")

	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()), "Failed to terminate Redis container")
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	return fmt.Sprintf("redis://%s/0", endpoint)
}

func TestRabbitMQReloadFanout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	url := setupRabbitMQ(t, ctx)

	first, err := NewRabbitMQReceiver(url)
	require.NoError(t, err)
	defer first.Close()
	second, err := NewRabbitMQReceiver(url)
	require.NoError(t, err)
	defer second.Close()

	publisher, err := NewRabbitMQPublisher(url)
	require.NoError(t, err)
	defer publisher.Close()

	payload := ModelReloadPayload{NotificationId: uuid.New(), ModelVersion: 12, ActivatedAt: time.Now().UTC()}
	require.NoError(t, publisher.PublishModelReload(ctx, payload))

	for _, receiver := range []*RabbitMQReceiver{first, second} {
		select {
		case task := <-receiver.Tasks():
			assert.Equal(t, ModelReloadQueue, task.Type())
			var got ModelReloadPayload
			require.NoError(t, json.Unmarshal(task.Payload(), &got))
			assert.Equal(t, payload.NotificationId, got.NotificationId)
			assert.EqualValues(t, 12, got.ModelVersion)
			require.NoError(t, task.Ack())
		case <-time.After(30 * time.Second):
			t.Fatal("timed out waiting for reload notification")
		}
	}
}

func TestRedisJobQueue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	queue, err := NewRedisJobQueue(ctx, setupRedis(t, ctx), "test-jobs")
	require.NoError(t, err)
	defer queue.Close()

	enqueuedAt := time.Now().UTC().Truncate(time.Millisecond)
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, queue.Enqueue(ctx, types.Job{
			Id:         i,
			EnqueuedAt: enqueuedAt,
			Params: types.JobParams{
				Image:        types.Image{Height: 1, Width: 2, Pix: []uint8{1, 2, 3, 4, 5, 6}},
				Age:          30,
				Sex:          "female",
				Localization: "face",
			},
		}))
	}

	size, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, size)

	job, ok, err := queue.TryDequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 1, job.Id)
	assert.True(t, enqueuedAt.Equal(job.EnqueuedAt))
	assert.Equal(t, []uint8{1, 2, 3, 4, 5, 6}, job.Params.Image.Pix)

	job, err = queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, job.Id)

	_, ok, err = queue.TryDequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = queue.TryDequeue(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
