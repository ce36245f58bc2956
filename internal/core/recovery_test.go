package core

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"skinscan-backend/internal/database"
	"skinscan-backend/internal/messaging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequeuePending(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	queue := messaging.NewMemoryJobQueue()

	created := time.Now().Add(-time.Minute).Truncate(time.Second)
	first := createRequest(t, db, testJob(0, created, 1))
	completed := createRequest(t, db, testJob(0, created, 2))
	second := createRequest(t, db, testJob(0, created, 3))

	require.NoError(t, db.Model(&database.Request{}).Where("request_id = ?", completed).
		Update("probability", sql.NullFloat64{Float64: 0.4, Valid: true}).Error)

	broken := database.Request{CreationTime: created.Unix(), Image: []byte("not an image"), Localization: "back"}
	require.NoError(t, db.Create(&broken).Error)

	count, err := RequeuePending(ctx, db, queue)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	job, ok, err := queue.TryDequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, job.Id)
	assert.True(t, created.Equal(job.EnqueuedAt))
	assert.Equal(t, testImage(12, 10, 1), job.Params.Image)

	job, ok, err = queue.TryDequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second, job.Id)

	req := loadRequest(t, db, broken.RequestId)
	assert.True(t, req.PredictionError.Valid)
}

func TestDecodeImage(t *testing.T) {
	img := testImage(5, 4, 9)
	decoded, err := DecodeImage(encodePNG(t, img))
	require.NoError(t, err)
	assert.Equal(t, img, decoded)

	_, err = DecodeImage([]byte("GIF89a"))
	assert.ErrorIs(t, err, ErrInvalidImage)
}
