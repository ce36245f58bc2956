package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"skinscan-backend/internal/database"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type PredictionResult struct {
	RequestId    int64
	Probability  float64
	LesionType   string
	ModelVersion int64
	Impact       map[string]float64
	Heatmap      []byte
}

type FailedRequest struct {
	RequestId int64
	Reason    string
}

type ResultWriter struct {
	db *gorm.DB
}

func NewResultWriter(db *gorm.DB) *ResultWriter {
	return &ResultWriter{db: db}
}

// Persist writes the results and failures of one batch in a single
// transaction. If any write fails nothing from the batch is stored.
func (w *ResultWriter) Persist(ctx context.Context, results []PredictionResult, failures []FailedRequest) error {
	if len(results) == 0 && len(failures) == 0 {
		return nil
	}

	err := w.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		for _, res := range results {
			impact, err := json.Marshal(res.Impact)
			if err != nil {
				return fmt.Errorf("error serializing feature impact for request %d: %w", res.RequestId, err)
			}

			if err := database.UpdateRequestResult(ctx, txn, database.RequestResult{
				RequestId:     res.RequestId,
				Probability:   res.Probability,
				LesionType:    res.LesionType,
				ModelVersion:  res.ModelVersion,
				FeatureImpact: datatypes.JSON(impact),
				Heatmap:       res.Heatmap,
			}); err != nil {
				return fmt.Errorf("error saving result for request %d: %w", res.RequestId, err)
			}
		}

		for _, failure := range failures {
			if err := database.MarkRequestFailed(ctx, txn, failure.RequestId, failure.Reason); err != nil {
				return fmt.Errorf("error saving failure for request %d: %w", failure.RequestId, err)
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("rolled back batch results", "results", len(results), "failures", len(failures), "error", err)
		return err
	}
	return nil
}

// DeleteExpired removes the records of jobs that expired before they were
// processed. Unknown ids are ignored.
func (w *ResultWriter) DeleteExpired(ctx context.Context, ids []int64) (int64, error) {
	deleted, err := database.DeleteRequests(ctx, w.db, ids)
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		slog.Info("deleted expired requests", "expired", len(ids), "deleted", deleted)
	}
	return deleted, nil
}
