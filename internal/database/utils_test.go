package database_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"skinscan-backend/internal/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func createDB(t *testing.T, create ...any) *gorm.DB {
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	for _, c := range create {
		require.NoError(t, db.Create(c).Error)
	}

	return db
}

func newRequest(id int64) *database.Request {
	return &database.Request{
		RequestId:    id,
		CreationTime: time.Now().Unix(),
		Image:        []byte{1, 2, 3},
		Age:          40,
		Sex:          "male",
		Localization: "back",
	}
}

func TestDeleteRequests(t *testing.T) {
	ctx := context.Background()
	db := createDB(t, newRequest(1), newRequest(2), newRequest(3))

	t.Run("expired ids", func(t *testing.T) {
		deleted, err := database.DeleteRequests(ctx, db, []int64{1, 3})
		require.NoError(t, err)
		assert.EqualValues(t, 2, deleted)

		var remaining []database.Request
		require.NoError(t, db.Find(&remaining).Error)
		require.Len(t, remaining, 1)
		assert.EqualValues(t, 2, remaining[0].RequestId)
	})

	t.Run("non-existent id", func(t *testing.T) {
		deleted, err := database.DeleteRequests(ctx, db, []int64{999})
		require.NoError(t, err)
		assert.EqualValues(t, 0, deleted)
	})

	t.Run("empty list", func(t *testing.T) {
		deleted, err := database.DeleteRequests(ctx, db, nil)
		require.NoError(t, err)
		assert.EqualValues(t, 0, deleted)

		var count int64
		require.NoError(t, db.Model(&database.Request{}).Count(&count).Error)
		assert.EqualValues(t, 1, count)
	})
}

func TestSetActiveModel(t *testing.T) {
	ctx := context.Background()
	db := createDB(t,
		&database.Model{Version: 1, CreationTime: 100, Weights: []byte("[]"), Hyperparameters: "{}", Status: database.ModelDraft},
		&database.Model{Version: 2, CreationTime: 200, Weights: []byte("[]"), Hyperparameters: "{}", Status: database.ModelDraft},
	)

	_, err := database.GetActiveModel(ctx, db)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	require.NoError(t, database.SetActiveModel(ctx, db, 1))
	active, err := database.GetActiveModel(ctx, db)
	require.NoError(t, err)
	assert.EqualValues(t, 1, active.Version)

	require.NoError(t, database.SetActiveModel(ctx, db, 2))
	active, err = database.GetActiveModel(ctx, db)
	require.NoError(t, err)
	assert.EqualValues(t, 2, active.Version)

	var pointers []database.ActiveModel
	require.NoError(t, db.Find(&pointers).Error)
	require.Len(t, pointers, 1)
	assert.Equal(t, database.ActiveModelId, pointers[0].Id)

	var previous database.Model
	require.NoError(t, db.First(&previous, "version = ?", 1).Error)
	assert.Equal(t, database.ModelArchived, previous.Status)

	assert.ErrorIs(t, database.SetActiveModel(ctx, db, 42), database.ErrModelNotFound)
}

func TestUpdateRequestResult(t *testing.T) {
	ctx := context.Background()
	db := createDB(t,
		&database.Model{Version: 1, CreationTime: 100, Weights: []byte("[]"), Hyperparameters: "{}", Status: database.ModelActive},
		newRequest(7), newRequest(8),
	)

	require.NoError(t, database.UpdateRequestResult(ctx, db, database.RequestResult{
		RequestId:     7,
		Probability:   0.75,
		LesionType:    "mel",
		ModelVersion:  1,
		FeatureImpact: []byte(`{"image":50,"age":20,"localization":20,"sex":10}`),
		Heatmap:       []byte{0x89, 'P', 'N', 'G'},
	}))
	require.NoError(t, database.MarkRequestFailed(ctx, db, 8, "bad input"))

	var done database.Request
	require.NoError(t, db.First(&done, "request_id = ?", 7).Error)
	assert.Equal(t, database.RequestCompleted, done.Status())
	assert.InDelta(t, 0.75, done.Probability.Float64, 1e-9)
	assert.Equal(t, "mel", done.LesionType.String)
	assert.EqualValues(t, 1, done.ModelVersion.Int64)

	var failed database.Request
	require.NoError(t, db.First(&failed, "request_id = ?", 8).Error)
	assert.Equal(t, database.RequestFailed, failed.Status())
	assert.Equal(t, "bad input", failed.PredictionError.String)

	pending, err := database.PendingRequests(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
