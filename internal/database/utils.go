package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrModelNotFound = errors.New("model not found")

// GetActiveModel loads the model referenced by the active pointer. It returns
// gorm.ErrRecordNotFound if no model is active.
func GetActiveModel(ctx context.Context, txn *gorm.DB) (*Model, error) {
	var model Model
	err := txn.WithContext(ctx).
		Joins("JOIN model_active ON model_active.model_version = models.version").
		Where("model_active.id = ?", ActiveModelId).
		First(&model).Error
	if err != nil {
		return nil, err
	}
	return &model, nil
}

// SetActiveModel points the active pointer at the given model version. The
// pointer row is upserted so there is never more than one active model.
func SetActiveModel(ctx context.Context, db *gorm.DB, version int64) error {
	return db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		var model Model
		if err := txn.First(&model, "version = ?", version).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrModelNotFound
			}
			return fmt.Errorf("error loading model %d: %w", version, err)
		}

		if err := txn.Model(&Model{}).
			Where("status = ? AND version <> ?", ModelActive, version).
			Update("status", ModelArchived).Error; err != nil {
			return fmt.Errorf("error archiving previous model: %w", err)
		}

		if err := txn.Model(&model).Update("status", ModelActive).Error; err != nil {
			return fmt.Errorf("error updating model status: %w", err)
		}

		pointer := ActiveModel{Id: ActiveModelId, ModelVersion: version, UpdateTime: time.Now().Unix()}
		if err := txn.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"model_version", "updated_at"}),
		}).Create(&pointer).Error; err != nil {
			return fmt.Errorf("error updating active model pointer: %w", err)
		}

		return nil
	})
}

type RequestResult struct {
	RequestId     int64
	Probability   float64
	LesionType    string
	ModelVersion  int64
	FeatureImpact datatypes.JSON
	Heatmap       []byte
}

func UpdateRequestResult(ctx context.Context, txn *gorm.DB, result RequestResult) error {
	updates := map[string]any{
		"probability":      result.Probability,
		"lesion_type":      result.LesionType,
		"model_id":         result.ModelVersion,
		"feature_impact":   result.FeatureImpact,
		"heatmap":          result.Heatmap,
		"prediction_error": nil,
	}

	res := txn.WithContext(ctx).Model(&Request{}).Where("request_id = ?", result.RequestId).Updates(updates)
	if res.Error != nil {
		slog.Error("error updating request result", "request_id", result.RequestId, "error", res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		slog.Warn("request record missing for prediction result", "request_id", result.RequestId)
	}
	return nil
}

func MarkRequestFailed(ctx context.Context, txn *gorm.DB, requestId int64, reason string) error {
	if err := txn.WithContext(ctx).Model(&Request{}).
		Where("request_id = ?", requestId).
		Update("prediction_error", sql.NullString{String: reason, Valid: true}).Error; err != nil {
		slog.Error("error marking request failed", "request_id", requestId, "error", err)
		return err
	}
	return nil
}

// DeleteRequests removes the given request records. Ids without a record are
// ignored and an empty list is a no-op.
func DeleteRequests(ctx context.Context, txn *gorm.DB, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	res := txn.WithContext(ctx).Where("request_id IN ?", ids).Delete(&Request{})
	if res.Error != nil {
		return 0, fmt.Errorf("error deleting requests: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func PendingRequests(ctx context.Context, txn *gorm.DB) ([]Request, error) {
	var requests []Request
	if err := txn.WithContext(ctx).
		Where("probability IS NULL AND prediction_error IS NULL").
		Order("request_id").
		Find(&requests).Error; err != nil {
		return nil, fmt.Errorf("error listing pending requests: %w", err)
	}
	return requests, nil
}
