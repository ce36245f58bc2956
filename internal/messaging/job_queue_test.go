package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"skinscan-backend/internal/core/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func job(id int64) types.Job {
	return types.Job{Id: id, EnqueuedAt: time.Now()}
}

func TestMemoryJobQueueFIFO(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryJobQueue()

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, q.Enqueue(ctx, job(i)))
	}
	size, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, size)

	for i := int64(1); i <= 5; i++ {
		j, ok, err := q.TryDequeue(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i, j.Id)
	}

	_, ok, err := q.TryDequeue(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryJobQueueDuplicatesAreKept(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryJobQueue()

	require.NoError(t, q.Enqueue(ctx, job(1)))
	require.NoError(t, q.Enqueue(ctx, job(1)))

	size, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestMemoryJobQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q := NewMemoryJobQueue()

	result := make(chan types.Job, 1)
	go func() {
		j, err := q.Dequeue(ctx)
		assert.NoError(t, err)
		result <- j
	}()

	select {
	case <-result:
		t.Fatal("dequeue returned before any job was enqueued")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, q.Enqueue(ctx, job(9)))

	select {
	case j := <-result:
		assert.EqualValues(t, 9, j.Id)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestMemoryJobQueueDequeueCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewMemoryJobQueue()

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryJobQueueConcurrentProducers(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryJobQueue()

	const producers, perProducer = 8, 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, q.Enqueue(ctx, job(int64(p*perProducer+i))))
			}
		}(p)
	}

	seen := make(map[int64]bool)
	for len(seen) < producers*perProducer {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		j, err := q.Dequeue(dctx)
		cancel()
		require.NoError(t, err)
		assert.False(t, seen[j.Id], "job %d dequeued twice", j.Id)
		seen[j.Id] = true
	}
	wg.Wait()

	size, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestInMemoryQueuePublishesReload(t *testing.T) {
	q := NewInMemoryQueue()
	defer q.Close()

	require.NoError(t, q.PublishModelReload(context.Background(), ModelReloadPayload{ModelVersion: 3}))

	task := <-q.Tasks()
	assert.Equal(t, ModelReloadQueue, task.Type())

	var payload ModelReloadPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.EqualValues(t, 3, payload.ModelVersion)
	assert.NoError(t, task.Ack())
}
