package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"skinscan-backend/internal/core"
	"skinscan-backend/internal/core/types"
	"skinscan-backend/internal/database"
	"skinscan-backend/internal/messaging"
	"skinscan-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	Localizations = []string{
		"ear", "face", "neck", "scalp", "abdomen", "back", "chest", "trunk",
		"acral", "hand", "upper_extremity", "foot", "lower_extremity", "genital",
	}
	Sexes = []string{"male", "female"}
)

const (
	maxAge = 120

	defaultListLimit = 50
	maxListLimit     = 500
)

type BackendService struct {
	db        *gorm.DB
	queue     messaging.JobQueue
	publisher messaging.Publisher
	artifacts *core.ArtifactStore
}

func NewBackendService(db *gorm.DB, queue messaging.JobQueue, publisher messaging.Publisher, artifacts *core.ArtifactStore) *BackendService {
	return &BackendService{db: db, queue: queue, publisher: publisher, artifacts: artifacts}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/requests", func(r chi.Router) {
		r.Post("/", RestHandler(s.CreateRequest))
		r.Get("/", RestHandler(s.ListRequests))
		r.Get("/{request_id}", RestHandler(s.GetRequest))
	})
	r.Route("/models", func(r chi.Router) {
		r.Get("/", RestHandler(s.ListModels))
		r.Get("/active", RestHandler(s.GetActiveModel))
		r.Post("/{version}/activate", RestHandler(s.ActivateModel))
		r.Delete("/{version}", RestHandler(s.DeleteModel))
	})
}

func fixBase64Padding(s string) string {
	if missing := len(s) % 4; missing != 0 {
		s += strings.Repeat("=", 4-missing)
	}
	return s
}

func (s *BackendService) CreateRequest(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreateRequestRequest](r)
	if err != nil {
		return nil, err
	}

	if req.Localization == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "missing or empty required field: 'localization'")
	}
	if !slices.Contains(Localizations, req.Localization) {
		return nil, CodedErrorf(http.StatusBadRequest, "invalid localization value")
	}
	if !slices.Contains(Sexes, strings.ToLower(req.Sex)) {
		return nil, CodedErrorf(http.StatusBadRequest, "invalid sex value: must be one of %v", Sexes)
	}
	if req.Age == nil || *req.Age < 0 || *req.Age > maxAge {
		return nil, CodedErrorf(http.StatusBadRequest, "age must be between 0 and %d", maxAge)
	}
	if req.Image == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "no image file provided")
	}

	data, err := base64.StdEncoding.DecodeString(fixBase64Padding(req.Image))
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "invalid base64")
	}
	img, err := core.DecodeImage(data)
	if err != nil {
		if errors.Is(err, core.ErrUnsupportedImage) {
			return nil, CodedErrorf(http.StatusBadRequest, "%v", err)
		}
		return nil, CodedErrorf(http.StatusBadRequest, "invalid image")
	}

	ctx := r.Context()

	record := database.Request{
		CreationTime: time.Now().Unix(),
		Image:        data,
		Age:          *req.Age,
		Sex:          strings.ToLower(req.Sex),
		Localization: req.Localization,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		slog.Error("error creating request record", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create request")
	}

	job := types.Job{
		Id:         record.RequestId,
		EnqueuedAt: time.Unix(record.CreationTime, 0),
		Params: types.JobParams{
			Image:        img,
			Age:          record.Age,
			Sex:          record.Sex,
			Localization: record.Localization,
		},
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		slog.Error("error enqueuing prediction job", "request_id", record.RequestId, "error", err)
		if _, err := database.DeleteRequests(ctx, s.db, []int64{record.RequestId}); err != nil {
			slog.Error("error removing request after failed enqueue", "request_id", record.RequestId, "error", err)
		}
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue prediction")
	}

	slog.Info("created prediction request", "request_id", record.RequestId)

	return Created(api.CreateRequestResponse{
		RequestId: record.RequestId,
		Message:   "Request created successfully! Results pending.",
	}), nil
}

func (s *BackendService) ListRequests(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ListRequestsParams](r)
	if err != nil {
		return nil, err
	}
	if params.Limit <= 0 {
		params.Limit = defaultListLimit
	}
	params.Limit = min(params.Limit, maxListLimit)
	if params.Offset < 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "offset must not be negative")
	}

	query := s.db.WithContext(r.Context()).Omit("image", "heatmap").Order("request_id DESC").Limit(params.Limit).Offset(params.Offset)
	if params.Pending {
		query = query.Where("probability IS NULL AND prediction_error IS NULL")
	}

	var requests []database.Request
	if err := query.Find(&requests).Error; err != nil {
		slog.Error("error listing requests", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving requests")
	}

	out := make([]api.Request, 0, len(requests))
	for _, req := range requests {
		converted, err := convertRequest(req, false)
		if err != nil {
			return nil, err
		}
		out = append(out, converted)
	}
	return out, nil
}

func (s *BackendService) GetRequest(r *http.Request) (any, error) {
	requestId, err := URLParamInt(r, "request_id")
	if err != nil {
		return nil, err
	}

	var req database.Request
	if err := s.db.WithContext(r.Context()).First(&req, "request_id = ?", requestId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "request not found")
		}
		slog.Error("error getting request", "request_id", requestId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving request record")
	}

	return convertRequest(req, true)
}

func (s *BackendService) activeVersion(r *http.Request) (int64, error) {
	var pointer database.ActiveModel
	err := s.db.WithContext(r.Context()).First(&pointer, "id = ?", database.ActiveModelId).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return pointer.ModelVersion, err
}

func (s *BackendService) ListModels(r *http.Request) (any, error) {
	var models []database.Model
	if err := s.db.WithContext(r.Context()).Omit("weights").Order("version").Find(&models).Error; err != nil {
		slog.Error("error listing models", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving models")
	}

	active, err := s.activeVersion(r)
	if err != nil {
		slog.Error("error getting active model", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving active model")
	}

	return convertModels(models, active), nil
}

func (s *BackendService) GetActiveModel(r *http.Request) (any, error) {
	model, err := database.GetActiveModel(r.Context(), s.db)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "no active model")
		}
		slog.Error("error getting active model", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving active model")
	}
	return convertModel(*model, model.Version), nil
}

func (s *BackendService) ActivateModel(r *http.Request) (any, error) {
	version, err := URLParamInt(r, "version")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	if err := database.SetActiveModel(ctx, s.db, version); err != nil {
		if errors.Is(err, database.ErrModelNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "model not found")
		}
		slog.Error("error activating model", "model_version", version, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error activating model")
	}

	warning := s.notifyReload(r, version)

	return api.ActivateModelResponse{ModelVersion: version, Message: "Model activated", Warning: warning}, nil
}

// notifyReload tells the workers that the active model changed. The change is
// already committed, so a failed publish only yields a warning: workers pick
// up the new state on their next restart.
func (s *BackendService) notifyReload(r *http.Request, version int64) string {
	payload := messaging.ModelReloadPayload{
		NotificationId: uuid.New(),
		ModelVersion:   version,
		ActivatedAt:    time.Now().UTC(),
	}
	if err := s.publisher.PublishModelReload(r.Context(), payload); err != nil {
		slog.Error("error publishing model reload", "model_version", version, "error", err)
		return "workers could not be notified and will use the change after a restart"
	}
	slog.Info("published model reload", "model_version", version, "notification_id", payload.NotificationId)
	return ""
}

func (s *BackendService) DeleteModel(r *http.Request) (any, error) {
	version, err := URLParamInt(r, "version")
	if err != nil {
		return nil, err
	}

	wasActive, err := s.artifacts.Delete(r.Context(), version)
	if err != nil {
		if errors.Is(err, database.ErrModelNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "model version %d does not exist", version)
		}
		slog.Error("error deleting model", "model_version", version, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error deleting model")
	}

	res := api.DeleteModelResponse{ModelVersion: version, Message: fmt.Sprintf("Model version %d deleted successfully", version)}
	if wasActive {
		res.Warning = s.notifyReload(r, version)
	}
	return res, nil
}

func decodeImpact(raw []byte) (map[string]float64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var impact map[string]float64
	if err := json.Unmarshal(raw, &impact); err != nil {
		return nil, err
	}
	return impact, nil
}

// URLParamInt reads a positive integer id from the url.
func URLParamInt(r *http.Request, key string) (int64, error) {
	param := chi.URLParam(r, key)
	if len(param) == 0 {
		return 0, CodedErrorf(http.StatusBadRequest, "missing {%v} url parameter", key)
	}

	id, err := strconv.ParseInt(param, 10, 64)
	if err != nil || id <= 0 {
		return 0, CodedErrorf(http.StatusBadRequest, "invalid '%v' url parameter provided: %s", key, param)
	}
	return id, nil
}
