package core

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"skinscan-backend/internal/core/nn"
	"skinscan-backend/internal/core/types"
	"skinscan-backend/internal/database"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var (
	testLocalizations = []string{
		"ear", "face", "neck", "scalp", "abdomen", "back", "chest", "trunk",
		"acral", "hand", "upper_extremity", "foot", "lower_extremity", "genital",
	}
	testLesionTypes = []string{"nv", "bkl", "df", "vasc", "mel", "bcc", "akiec"}
)

func testArchitecture(size int) nn.Architecture {
	return nn.Architecture{
		Name:         "skin-lesion-test",
		ImageInput:   []int{size, size, 3},
		TabularInput: 3,
		ImageBranch: []nn.LayerSpec{
			{Type: nn.LayerConv2D, Filters: 4, KernelSize: 3, Padding: nn.PaddingSame, Activation: "relu"},
			{Type: nn.LayerMaxPool2D, PoolSize: 2},
			{Type: nn.LayerConv2D, Filters: 6, KernelSize: 3, Padding: nn.PaddingSame, Activation: "relu"},
		},
		ImageHead:     []nn.LayerSpec{{Type: nn.LayerDense, Units: 5, Activation: "sigmoid"}},
		TabularBranch: []nn.LayerSpec{{Type: nn.LayerDense, Units: 4, Activation: "sigmoid"}},
		Combined: []nn.LayerSpec{
			{Type: nn.LayerDense, Units: 8, Activation: "sigmoid"},
			{Type: nn.LayerDropout, Rate: 0.3},
			{Type: nn.LayerDense, Units: len(testLesionTypes), Activation: "softmax"},
		},
	}
}

func testHyperparameters(t *testing.T) Hyperparameters {
	scaler, err := EncodeBlob(StandardScaler{Mean: []float64{50, 7, 0.5}, Scale: []float64{20, 4, 0.5}})
	require.NoError(t, err)
	localization, err := EncodeBlob(NewLabelEncoder(testLocalizations))
	require.NoError(t, err)
	lesionTypes, err := EncodeBlob(NewLabelEncoder(testLesionTypes))
	require.NoError(t, err)

	schema := DefaultFeatureSchema()
	return Hyperparameters{
		TestSize:            0.2,
		DropoutRate:         0.3,
		LossFunction:        "categorical_crossentropy",
		NumEpochs:           10,
		BatchSize:           32,
		LearningRate:        0.001,
		ValidationAccuracy:  0.8,
		CustomRecall:        0.7,
		TabularScaler:       scaler,
		LesionTypeEncoder:   lesionTypes,
		LocalizationEncoder: localization,
		FeatureSchema:       &schema,
	}
}

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func testArtifactInput(t *testing.T, size int, seed int64) ArtifactInput {
	arch := testArchitecture(size)
	tensors, err := nn.RandomTensors(arch, seed)
	require.NoError(t, err)
	return ArtifactInput{Architecture: arch, Tensors: tensors, Hyperparameters: testHyperparameters(t)}
}

// saveActiveModel stores a freshly initialized model and makes it active.
func saveActiveModel(t *testing.T, store *ArtifactStore, seed int64) int64 {
	t.Helper()
	ctx := context.Background()
	version, err := store.SaveArtifact(ctx, testArtifactInput(t, 8, seed))
	require.NoError(t, err)
	require.NoError(t, store.Activate(ctx, version))
	return version
}

func testImage(height, width int, seed int64) types.Image {
	rng := rand.New(rand.NewSource(seed))
	img := types.Image{Height: height, Width: width, Pix: make([]uint8, height*width*3)}
	for i := range img.Pix {
		img.Pix[i] = uint8(rng.Intn(256))
	}
	return img
}

func encodePNG(t *testing.T, img types.Image) []byte {
	rgba := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	for i := 0; i < img.Width*img.Height; i++ {
		copy(rgba.Pix[i*4:i*4+3], img.Pix[i*3:i*3+3])
		rgba.Pix[i*4+3] = 255
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, rgba))
	return buf.Bytes()
}

func testJob(id int64, enqueuedAt time.Time, seed int64) types.Job {
	return types.Job{
		Id:         id,
		EnqueuedAt: enqueuedAt,
		Params: types.JobParams{
			Image:        testImage(12, 10, seed),
			Age:          20 + int(seed)*5,
			Sex:          []string{"male", "female"}[seed%2],
			Localization: testLocalizations[seed%int64(len(testLocalizations))],
		},
	}
}

// createRequest inserts the request record backing job and returns its id.
func createRequest(t *testing.T, db *gorm.DB, job types.Job) int64 {
	t.Helper()
	req := database.Request{
		CreationTime: job.EnqueuedAt.Unix(),
		Image:        encodePNG(t, job.Params.Image),
		Age:          job.Params.Age,
		Sex:          job.Params.Sex,
		Localization: job.Params.Localization,
	}
	require.NoError(t, db.Create(&req).Error)
	return req.RequestId
}

func loadRequest(t *testing.T, db *gorm.DB, id int64) database.Request {
	t.Helper()
	var req database.Request
	require.NoError(t, db.First(&req, "request_id = ?", id).Error)
	return req
}

func testPipeline(t *testing.T, size int) *FeaturePipeline {
	hp := testHyperparameters(t)
	scaler, err := LoadScaler(hp)
	require.NoError(t, err)
	localization, _, err := LoadEncoders(hp)
	require.NoError(t, err)
	pipeline, err := NewFeaturePipeline(size, size, scaler, localization, DefaultFeatureSchema())
	require.NoError(t, err)
	return pipeline
}
