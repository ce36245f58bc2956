//go:build integration
// +build integration

package integrationtests

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"skinscan-backend/internal/core"
	"skinscan-backend/internal/core/nn"
	"skinscan-backend/internal/database"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"
)

const (
	modelBucket = "test-model-bucket"

	minioUsername = "admin"
	minioPassword = "password"
)

var (
	localizations = []string{"abdomen", "back", "face", "foot", "hand", "scalp", "trunk"}
	lesionTypes   = []string{"akiec", "bcc", "bkl", "df", "mel", "nv", "vasc"}
)

func setupMinioContainer(t *testing.T, ctx context.Context) string {
	minioContainer, err := minio.Run(
		ctx,
		"minio/minio:RELEASE.2024-01-16T16-07-38Z",
		minio.WithUsername(minioUsername),
		minio.WithPassword(minioPassword),
	)
	require.NoError(t, err, "Failed to start MinIO container")

	t.Cleanup(func() {
		err := minioContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate MinIO container")
	})

	connStr, err := minioContainer.ConnectionString(ctx)
	require.NoError(t, err, "Failed to get MinIO connection string")

	return "http://" + connStr
}

func setupPostgresContainer(t *testing.T, ctx context.Context) string {
	dbName, dbUser, dbPassword := "test_db", "test_user", "test_password"

	postgresContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")

	t.Cleanup(func() {
		err := postgresContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate PostgreSQL container")
	})

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get PostgreSQL connection string")

	return connStr
}

func createDB(t *testing.T) *gorm.DB {
	uri := setupPostgresContainer(t, context.Background())
	db, err := database.NewDatabase(uri)
	require.NoError(t, err)

	return db
}

func modelArchitecture() nn.Architecture {
	return nn.Architecture{
		Name:         "integration",
		ImageInput:   []int{8, 8, 3},
		TabularInput: 3,
		ImageBranch: []nn.LayerSpec{
			{Type: nn.LayerConv2D, Filters: 4, KernelSize: 3, Padding: nn.PaddingSame, Activation: "relu"},
			{Type: nn.LayerMaxPool2D, PoolSize: 2},
			{Type: nn.LayerConv2D, Filters: 4, KernelSize: 3, Padding: nn.PaddingSame, Activation: "relu"},
		},
		ImageHead:     []nn.LayerSpec{{Type: nn.LayerDense, Units: 4, Activation: "relu"}},
		TabularBranch: []nn.LayerSpec{{Type: nn.LayerDense, Units: 4, Activation: "relu"}},
		Combined: []nn.LayerSpec{
			{Type: nn.LayerDense, Units: len(lesionTypes), Activation: "softmax"},
		},
	}
}

func modelArtifact(t *testing.T, external bool) core.ArtifactInput {
	arch := modelArchitecture()
	tensors, err := nn.RandomTensors(arch, 7)
	require.NoError(t, err)

	scaler, err := core.EncodeBlob(core.StandardScaler{Mean: []float64{50, 3, 0.5}, Scale: []float64{20, 2, 0.5}})
	require.NoError(t, err)
	localization, err := core.EncodeBlob(core.NewLabelEncoder(localizations))
	require.NoError(t, err)
	lesion, err := core.EncodeBlob(core.NewLabelEncoder(lesionTypes))
	require.NoError(t, err)

	return core.ArtifactInput{
		Architecture: arch,
		Tensors:      tensors,
		Hyperparameters: core.Hyperparameters{
			LossFunction:        "categorical_crossentropy",
			ValidationAccuracy:  0.75,
			CustomRecall:        0.6,
			TabularScaler:       scaler,
			LesionTypeEncoder:   lesion,
			LocalizationEncoder: localization,
		},
		ExternalWeights: external,
	}
}

func lesionImage(t *testing.T, width, height int) string {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(120 + x*3), G: uint8(60 + y*5), B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func httpRequest(api http.Handler, method, endpoint string, payload any, status int, dest any) error {
	var body io.Reader
	if payload != nil {
		requestBody, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(requestBody)
	}

	req := httptest.NewRequest(method, endpoint, body)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	api.ServeHTTP(rr, req)

	if rr.Code != status {
		return fmt.Errorf("expected status code %d, got %d: %v", status, rr.Code, rr.Body.String())
	}

	if dest != nil {
		if err := json.Unmarshal(rr.Body.Bytes(), dest); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}
