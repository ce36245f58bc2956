package api

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"skinscan-backend/internal/core"
	"skinscan-backend/internal/database"
	"skinscan-backend/pkg/api"
)

var malignantLesionTypes = []string{"akiec", "bcc", "mel"}

func IsMalignant(lesionType string) bool {
	return slices.Contains(malignantLesionTypes, lesionType)
}

func convertModel(m database.Model, activeVersion int64) api.Model {
	model := api.Model{
		Version:         m.Version,
		CreationTime:    time.Unix(m.CreationTime, 0).UTC(),
		Status:          m.Status,
		Active:          m.Version == activeVersion,
		ExternalWeights: m.WeightsKey.Valid,
	}

	var hp core.Hyperparameters
	if err := json.Unmarshal([]byte(m.Hyperparameters), &hp); err != nil {
		slog.Warn("model has unreadable hyperparameters", "model_version", m.Version, "error", err)
		return model
	}
	model.InputSize = hp.InputSize
	model.ValidationAccuracy = hp.ValidationAccuracy
	model.CustomRecall = hp.CustomRecall
	return model
}

func convertModels(ms []database.Model, activeVersion int64) []api.Model {
	models := make([]api.Model, 0, len(ms))
	for _, m := range ms {
		models = append(models, convertModel(m, activeVersion))
	}
	return models
}

func convertRequest(r database.Request, withHeatmap bool) (api.Request, error) {
	req := api.Request{
		RequestId:    r.RequestId,
		CreationTime: time.Unix(r.CreationTime, 0).UTC(),
		Age:          r.Age,
		Sex:          r.Sex,
		Localization: r.Localization,
		Status:       r.Status(),
	}

	if r.Probability.Valid {
		req.Probability = &r.Probability.Float64
	}
	if r.LesionType.Valid {
		malignant := IsMalignant(r.LesionType.String)
		req.LesionType = &r.LesionType.String
		req.Malignant = &malignant
	}
	if r.ModelVersion.Valid {
		req.ModelVersion = &r.ModelVersion.Int64
	}
	if r.PredictionError.Valid {
		req.Error = &r.PredictionError.String
	}

	impact, err := decodeImpact(r.FeatureImpact)
	if err != nil {
		slog.Error("error decoding feature impact", "request_id", r.RequestId, "error", err)
		return api.Request{}, CodedErrorf(http.StatusInternalServerError, "error reading request results")
	}
	req.FeatureImpact = impact

	if withHeatmap && len(r.Heatmap) > 0 {
		req.Heatmap = base64.StdEncoding.EncodeToString(r.Heatmap)
	}
	return req, nil
}
