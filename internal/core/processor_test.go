package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"skinscan-backend/internal/core/nn"
	"skinscan-backend/internal/core/types"
	"skinscan-backend/internal/database"
	"skinscan-backend/internal/messaging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupWorker(t *testing.T, batchSize int) (*PredictionWorker, *ArtifactStore, messaging.JobQueue, *gorm.DB) {
	db := setupDB(t)
	queue := messaging.NewMemoryJobQueue()
	store := NewArtifactStore(db, nil, "")
	worker := NewPredictionWorker(db, queue, store, WorkerOptions{
		BatchSize:      batchSize,
		PollInterval:   10 * time.Millisecond,
		Expiry:         900 * time.Second,
		ExplainWorkers: 2,
	})
	return worker, store, queue, db
}

// submit creates the request record for a job and enqueues it.
func submit(t *testing.T, db *gorm.DB, queue messaging.JobQueue, enqueuedAt time.Time, seed int64) int64 {
	job := testJob(0, enqueuedAt, seed)
	job.Id = createRequest(t, db, job)
	require.NoError(t, queue.Enqueue(context.Background(), job))
	return job.Id
}

func TestWorkerProcessesFreshAndExpiredJobs(t *testing.T) {
	ctx := context.Background()
	worker, store, queue, db := setupWorker(t, 10)
	version := saveActiveModel(t, store, 1)

	now := time.Now()
	worker.now = func() time.Time { return now }

	fresh := []int64{
		submit(t, db, queue, now.Add(-time.Second), 1),
		submit(t, db, queue, now.Add(-time.Minute), 2),
	}
	expired := []int64{
		submit(t, db, queue, now.Add(-901*time.Second), 3),
		submit(t, db, queue, now.Add(-time.Hour), 4),
	}
	fresh = append(fresh, submit(t, db, queue, now, 5))

	stats, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, IterationStats{Expired: 2, Completed: 3}, stats)

	size, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)

	for _, id := range fresh {
		req := loadRequest(t, db, id)
		assert.True(t, req.Probability.Valid)
		assert.Greater(t, req.Probability.Float64, 1.0/float64(len(testLesionTypes))-1e-9)
		assert.Contains(t, testLesionTypes, req.LesionType.String)
		assert.Equal(t, version, req.ModelVersion.Int64)
		assert.NotEmpty(t, req.Heatmap)

		var impact map[string]float64
		require.NoError(t, json.Unmarshal(req.FeatureImpact, &impact))
		assert.InDelta(t, 100, sumImpact(impact), 1e-5)
	}

	for _, id := range expired {
		var count int64
		require.NoError(t, db.Table("requests").Where("request_id = ?", id).Count(&count).Error)
		assert.Zero(t, count)
	}
}

func TestWorkerBatchFeatureFailure(t *testing.T) {
	ctx := context.Background()
	worker, store, queue, db := setupWorker(t, 10)
	saveActiveModel(t, store, 1)

	now := time.Now()
	good := submit(t, db, queue, now, 1)

	job := testJob(0, now, 2)
	job.Params.Localization = "elbow"
	job.Id = createRequest(t, db, job)
	require.NoError(t, queue.Enqueue(ctx, job))

	stats, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Failed)

	for _, id := range []int64{good, job.Id} {
		req := loadRequest(t, db, id)
		assert.False(t, req.Probability.Valid)
		assert.Contains(t, req.PredictionError.String, "feature extraction failed")
	}

	submit(t, db, queue, now, 3)
	stats, err = worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
}

// itemFailureModel wraps a network so that batched prediction always fails and
// the failOn-th single prediction fails too.
type itemFailureModel struct {
	Model

	mu     sync.Mutex
	calls  int
	failOn int
}

func (m *itemFailureModel) PredictBatch(images, tabular [][]float32) ([][]float64, error) {
	return nil, errors.New("batch contains malformed input")
}

func (m *itemFailureModel) Predict(image, tabular []float32) ([]float64, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.mu.Unlock()
	if call == m.failOn {
		return nil, errors.New("item malformed")
	}
	return m.Model.Predict(image, tabular)
}

func TestWorkerWritesRemainingItemsWhenOneFails(t *testing.T) {
	ctx := context.Background()
	worker, store, queue, db := setupWorker(t, 10)
	version := saveActiveModel(t, store, 1)

	stats, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Completed)

	worker.model.Network = &itemFailureModel{Model: worker.model.Network, failOn: 3}

	now := time.Now()
	var ids []int64
	for i := int64(0); i < 4; i++ {
		ids = append(ids, submit(t, db, queue, now, i))
	}

	stats, err = worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Completed)
	assert.Equal(t, 1, stats.Failed)

	for i, id := range ids {
		req := loadRequest(t, db, id)
		if i == 2 {
			assert.False(t, req.Probability.Valid)
			assert.Equal(t, database.RequestFailed, req.Status())
			assert.Contains(t, req.PredictionError.String, "prediction failed")
			assert.Contains(t, req.PredictionError.String, "item malformed")
			continue
		}
		assert.Equal(t, database.RequestCompleted, req.Status(), "request %d", i)
		assert.Equal(t, version, req.ModelVersion.Int64)
		assert.NotEmpty(t, req.Heatmap)
	}
}

func TestWorkerUnloadsDeletedActiveModel(t *testing.T) {
	ctx := context.Background()
	worker, store, queue, db := setupWorker(t, 10)
	version := saveActiveModel(t, store, 1)

	_, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, version, worker.ModelVersion())

	wasActive, err := store.Delete(ctx, version)
	require.NoError(t, err)
	require.True(t, wasActive)

	worker.SignalReload()
	submit(t, db, queue, time.Now(), 1)
	stats, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Skipped)
	assert.Zero(t, worker.ModelVersion())

	size, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestWorkerReloadsOnSignal(t *testing.T) {
	ctx := context.Background()
	worker, store, queue, db := setupWorker(t, 10)
	first := saveActiveModel(t, store, 1)

	_, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, worker.ModelVersion())

	second := saveActiveModel(t, store, 2)

	id := submit(t, db, queue, time.Now(), 1)
	_, err = worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, worker.ModelVersion(), "model is only swapped after a reload signal")
	assert.Equal(t, first, loadRequest(t, db, id).ModelVersion.Int64)

	worker.SignalReload()
	id = submit(t, db, queue, time.Now(), 2)
	_, err = worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, worker.ModelVersion())
	assert.Equal(t, second, loadRequest(t, db, id).ModelVersion.Int64)
}

func TestWorkerKeepsModelWhenReloadFails(t *testing.T) {
	ctx := context.Background()
	worker, store, queue, db := setupWorker(t, 10)
	first := saveActiveModel(t, store, 1)

	_, err := worker.RunOnce(ctx)
	require.NoError(t, err)

	arch := testArchitecture(8)
	archJSON, err := json.Marshal(arch)
	require.NoError(t, err)
	hp := testHyperparameters(t)
	hp.ModelArchitecture = string(archJSON)
	tensors, err := nn.RandomTensors(arch, 1)
	require.NoError(t, err)
	weights, err := nn.EncodeTensors(tensors[1:])
	require.NoError(t, err)
	insertModel(t, store, weights, hp)

	worker.SignalReload()
	id := submit(t, db, queue, time.Now(), 1)
	stats, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, first, worker.ModelVersion())
	assert.Equal(t, first, loadRequest(t, db, id).ModelVersion.Int64)
}

func TestWorkerWaitsForActiveModel(t *testing.T) {
	ctx := context.Background()
	worker, store, queue, db := setupWorker(t, 10)

	id := submit(t, db, queue, time.Now(), 1)

	for i := 0; i < 3; i++ {
		stats, err := worker.RunOnce(ctx)
		require.NoError(t, err)
		assert.True(t, stats.Skipped)
	}

	size, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size, "jobs stay queued while no model is active")

	version := saveActiveModel(t, store, 1)

	stats, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, version, loadRequest(t, db, id).ModelVersion.Int64)
}

func TestWorkerRunPicksUpReloadNotifications(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker, store, queue, db := setupWorker(t, 4)
	saveActiveModel(t, store, 1)

	notifications := messaging.NewInMemoryQueue()
	defer notifications.Close()

	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()
	go worker.ListenForReloads(ctx, notifications)

	var ids []int64
	for i := int64(0); i < 6; i++ {
		ids = append(ids, submit(t, db, queue, time.Now(), i))
	}

	completed := func(id int64) bool {
		var req database.Request
		if err := db.First(&req, "request_id = ?", id).Error; err != nil {
			return false
		}
		return req.Probability.Valid
	}

	assert.Eventually(t, func() bool {
		for _, id := range ids {
			if !completed(id) {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)

	second := saveActiveModel(t, store, 2)
	require.NoError(t, notifications.PublishModelReload(ctx, messaging.ModelReloadPayload{ModelVersion: second}))
	assert.Eventually(t, func() bool {
		return worker.ModelVersion() == second
	}, 10*time.Second, 20*time.Millisecond)

	id := submit(t, db, queue, time.Now(), 7)
	assert.Eventually(t, func() bool { return completed(id) }, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, second, loadRequest(t, db, id).ModelVersion.Int64)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestIterationOrderMatchesQueue(t *testing.T) {
	ctx := context.Background()
	worker, store, queue, db := setupWorker(t, 10)
	saveActiveModel(t, store, 3)

	var jobs []types.Job
	for i := int64(0); i < 4; i++ {
		job := testJob(0, time.Now(), i)
		job.Id = createRequest(t, db, job)
		jobs = append(jobs, job)
		require.NoError(t, queue.Enqueue(ctx, job))
	}

	_, err := worker.RunOnce(ctx)
	require.NoError(t, err)

	for _, job := range jobs {
		features, err := worker.model.Pipeline.Transform([]types.Job{job})
		require.NoError(t, err)
		pred, err := worker.model.Network.Predict(features.Images.Item(0), features.Tabular[0])
		require.NoError(t, err)

		label, err := worker.model.LesionTypes.InverseTransform(Argmax(pred))
		require.NoError(t, err)

		req := loadRequest(t, db, job.Id)
		assert.Equal(t, label, req.LesionType.String)
		assert.InDelta(t, pred[Argmax(pred)], req.Probability.Float64, 1e-9)
	}
}
