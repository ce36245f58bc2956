package core

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"skinscan-backend/internal/core/nn"
	"skinscan-backend/internal/database"
	"skinscan-backend/internal/storage"

	"gorm.io/gorm"
)

var (
	ErrNoActiveModel   = errors.New("no active model")
	ErrCorruptArtifact = errors.New("corrupt model artifact")
)

// Hyperparameters is the training record stored alongside each model. The
// scaler and encoders are embedded as base64 encoded JSON blobs.
type Hyperparameters struct {
	TestSize            float64        `json:"test_size"`
	InputSize           []int          `json:"input_size"`
	DropoutRate         float64        `json:"dropout_rate"`
	LossFunction        string         `json:"loss_function"`
	NumEpochs           int            `json:"num_epochs"`
	BatchSize           int            `json:"batch_size"`
	LearningRate        float64        `json:"learning_rate"`
	ModelArchitecture   string         `json:"model_architecture"`
	ValidationAccuracy  float64        `json:"validation_accuracy"`
	CustomRecall        float64        `json:"custom_recall"`
	TabularScaler       string         `json:"tabular_scaler"`
	LesionTypeEncoder   string         `json:"lesion_type_encoder"`
	LocalizationEncoder string         `json:"localization_encoder"`
	FeatureSchema       *FeatureSchema `json:"feature_schema,omitempty"`
}

type Artifact struct {
	Version         int64
	CreatedAt       time.Time
	Network         *nn.Network
	Hyperparameters Hyperparameters
}

// LoadedModel is everything the worker needs to serve one artifact.
type LoadedModel struct {
	Version     int64
	Network     Model
	Pipeline    *FeaturePipeline
	LesionTypes *LabelEncoder
}

type ArtifactStore struct {
	db     *gorm.DB
	store  storage.ObjectStore
	bucket string
}

// NewArtifactStore returns a store backed by db. The object store is only
// needed for artifacts whose weights are kept outside the database and may be
// nil otherwise.
func NewArtifactStore(db *gorm.DB, store storage.ObjectStore, bucket string) *ArtifactStore {
	return &ArtifactStore{db: db, store: store, bucket: bucket}
}

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %w", ErrCorruptArtifact, fmt.Errorf(format, args...))
}

func (s *ArtifactStore) loadWeights(ctx context.Context, model *database.Model) ([]byte, error) {
	if !model.WeightsKey.Valid {
		return model.Weights, nil
	}
	if s.store == nil {
		return nil, corruptf("model %d stores weights at %s but no object store is configured", model.Version, model.WeightsKey.String)
	}

	obj, err := s.store.GetObject(ctx, s.bucket, model.WeightsKey.String)
	if err != nil {
		return nil, corruptf("error downloading weights for model %d: %w", model.Version, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, corruptf("error reading weights for model %d: %w", model.Version, err)
	}
	return data, nil
}

// LoadActive loads the active model and rebuilds its network with every weight
// tensor shape checked against the architecture.
func (s *ArtifactStore) LoadActive(ctx context.Context) (*Artifact, error) {
	model, err := database.GetActiveModel(ctx, s.db)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoActiveModel
		}
		return nil, fmt.Errorf("error loading active model: %w", err)
	}

	var hp Hyperparameters
	if err := json.Unmarshal([]byte(model.Hyperparameters), &hp); err != nil {
		return nil, corruptf("invalid hyperparameters for model %d: %w", model.Version, err)
	}

	arch, err := nn.ParseArchitecture([]byte(hp.ModelArchitecture))
	if err != nil {
		return nil, corruptf("model %d: %w", model.Version, err)
	}
	if len(hp.InputSize) > 0 && !slices.Equal(hp.InputSize, arch.ImageInput) {
		return nil, corruptf("model %d: input size %v does not match architecture input %v", model.Version, hp.InputSize, arch.ImageInput)
	}

	blob, err := s.loadWeights(ctx, model)
	if err != nil {
		return nil, err
	}
	tensors, err := nn.DecodeTensors(blob)
	if err != nil {
		return nil, corruptf("model %d: %w", model.Version, err)
	}

	network, err := nn.Build(arch, tensors)
	if err != nil {
		return nil, corruptf("model %d: %w", model.Version, err)
	}

	return &Artifact{
		Version:         model.Version,
		CreatedAt:       time.Unix(model.CreationTime, 0),
		Network:         network,
		Hyperparameters: hp,
	}, nil
}

func LoadScaler(hp Hyperparameters) (*StandardScaler, error) {
	var scaler StandardScaler
	if err := decodeBlob(hp.TabularScaler, &scaler); err != nil {
		return nil, corruptf("error decoding tabular scaler: %w", err)
	}
	if err := scaler.validate(); err != nil {
		return nil, corruptf("invalid tabular scaler: %w", err)
	}
	return &scaler, nil
}

func loadEncoder(name, blob string) (*LabelEncoder, error) {
	var encoder LabelEncoder
	if err := decodeBlob(blob, &encoder); err != nil {
		return nil, corruptf("error decoding %s encoder: %w", name, err)
	}
	if len(encoder.Classes) == 0 {
		return nil, corruptf("%s encoder has no classes", name)
	}
	if !slices.IsSorted(encoder.Classes) {
		return nil, corruptf("%s encoder classes are not sorted", name)
	}
	return &encoder, nil
}

func LoadEncoders(hp Hyperparameters) (localization *LabelEncoder, lesionType *LabelEncoder, err error) {
	if localization, err = loadEncoder("localization", hp.LocalizationEncoder); err != nil {
		return nil, nil, err
	}
	if lesionType, err = loadEncoder("lesion type", hp.LesionTypeEncoder); err != nil {
		return nil, nil, err
	}
	return localization, lesionType, nil
}

// Load reads the active artifact together with its preprocessing objects and
// checks that they agree with each other.
func (s *ArtifactStore) Load(ctx context.Context) (*LoadedModel, error) {
	artifact, err := s.LoadActive(ctx)
	if err != nil {
		return nil, err
	}
	hp := artifact.Hyperparameters

	scaler, err := LoadScaler(hp)
	if err != nil {
		return nil, err
	}
	localization, lesionTypes, err := LoadEncoders(hp)
	if err != nil {
		return nil, err
	}

	if artifact.Network.NumClasses() != len(lesionTypes.Classes) {
		return nil, corruptf("model %d predicts %d classes but the lesion encoder has %d", artifact.Version, artifact.Network.NumClasses(), len(lesionTypes.Classes))
	}

	schema := DefaultFeatureSchema()
	if hp.FeatureSchema != nil {
		schema = *hp.FeatureSchema
	} else {
		slog.Warn("model has no feature schema, assuming default", "model_version", artifact.Version, "features", schema.Names())
	}
	if artifact.Network.TabularSize() != len(schema.Features) {
		return nil, fmt.Errorf("%w: model %d takes %d tabular inputs, schema has %d features", ErrSchemaMismatch, artifact.Version, artifact.Network.TabularSize(), len(schema.Features))
	}

	height, width, _ := artifact.Network.InputShape()
	pipeline, err := NewFeaturePipeline(height, width, scaler, localization, schema)
	if err != nil {
		return nil, fmt.Errorf("model %d: %w", artifact.Version, err)
	}

	return &LoadedModel{
		Version:     artifact.Version,
		Network:     artifact.Network,
		Pipeline:    pipeline,
		LesionTypes: lesionTypes,
	}, nil
}

type ArtifactInput struct {
	Architecture    nn.Architecture
	Tensors         []nn.Tensor
	Hyperparameters Hyperparameters
	// ExternalWeights uploads the weights to the object store instead of
	// keeping them in the models table.
	ExternalWeights bool
}

func weightsPrefix(version int64) string {
	return fmt.Sprintf("models/%d/", version)
}

func weightsKey(version int64) string {
	return weightsPrefix(version) + "weights.json"
}

// SaveArtifact stores a new draft model and returns its version.
func (s *ArtifactStore) SaveArtifact(ctx context.Context, input ArtifactInput) (int64, error) {
	if _, err := nn.Build(input.Architecture, input.Tensors); err != nil {
		return 0, fmt.Errorf("invalid model weights: %w", err)
	}

	archJSON, err := json.Marshal(input.Architecture)
	if err != nil {
		return 0, fmt.Errorf("error serializing architecture: %w", err)
	}
	hp := input.Hyperparameters
	hp.ModelArchitecture = string(archJSON)
	if len(hp.InputSize) == 0 {
		hp.InputSize = input.Architecture.ImageInput
	}
	hpJSON, err := json.Marshal(hp)
	if err != nil {
		return 0, fmt.Errorf("error serializing hyperparameters: %w", err)
	}

	weights, err := nn.EncodeTensors(input.Tensors)
	if err != nil {
		return 0, fmt.Errorf("error encoding weights: %w", err)
	}

	if input.ExternalWeights && s.store == nil {
		return 0, errors.New("external weights requested but no object store is configured")
	}

	model := database.Model{
		CreationTime:    time.Now().Unix(),
		Hyperparameters: string(hpJSON),
		Status:          database.ModelDraft,
	}
	if !input.ExternalWeights {
		model.Weights = weights
	}

	err = s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.Create(&model).Error; err != nil {
			return fmt.Errorf("error creating model record: %w", err)
		}
		if !input.ExternalWeights {
			return nil
		}

		key := weightsKey(model.Version)
		if err := s.store.PutObject(ctx, s.bucket, key, bytes.NewReader(weights)); err != nil {
			return fmt.Errorf("error uploading weights: %w", err)
		}
		return txn.Model(&model).Update("weights_key", sql.NullString{String: key, Valid: true}).Error
	})
	if err != nil {
		return 0, err
	}

	slog.Info("saved model artifact", "model_version", model.Version, "external_weights", input.ExternalWeights)
	return model.Version, nil
}

func (s *ArtifactStore) Activate(ctx context.Context, version int64) error {
	if err := database.SetActiveModel(ctx, s.db, version); err != nil {
		return fmt.Errorf("error activating model %d: %w", version, err)
	}
	slog.Info("activated model", "model_version", version)
	return nil
}

// Delete removes a model and any weights it keeps in the object store. The
// active pointer goes with it through the foreign key cascade, while requests
// keep the model version they were predicted with. The returned flag reports
// whether the deleted model was the active one.
func (s *ArtifactStore) Delete(ctx context.Context, version int64) (bool, error) {
	wasActive := false
	err := s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		var model database.Model
		if err := txn.Omit("weights").First(&model, "version = ?", version).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return database.ErrModelNotFound
			}
			return fmt.Errorf("error loading model %d: %w", version, err)
		}

		var pointers int64
		if err := txn.Model(&database.ActiveModel{}).Where("model_version = ?", version).Count(&pointers).Error; err != nil {
			return fmt.Errorf("error checking active model: %w", err)
		}
		wasActive = pointers > 0

		if err := txn.Where("version = ?", version).Delete(&database.Model{}).Error; err != nil {
			return fmt.Errorf("error deleting model %d: %w", version, err)
		}

		if !model.WeightsKey.Valid {
			return nil
		}
		if s.store == nil {
			return fmt.Errorf("model %d stores weights at %s but no object store is configured", version, model.WeightsKey.String)
		}
		if err := s.store.DeleteObjects(ctx, s.bucket, weightsPrefix(version)); err != nil {
			return fmt.Errorf("error deleting weights for model %d: %w", version, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	slog.Info("deleted model", "model_version", version, "was_active", wasActive)
	return wasActive, nil
}
