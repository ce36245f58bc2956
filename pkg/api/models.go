package api

import (
	"time"
)

type CreateRequestRequest struct {
	Age          *int   `json:"age"`
	Sex          string `json:"sex"`
	Localization string `json:"localization"`
	// Image is a base64 encoded PNG or JPEG file.
	Image string `json:"image"`
}

type CreateRequestResponse struct {
	RequestId int64  `json:"request_id"`
	Message   string `json:"msg"`
}

type ListRequestsParams struct {
	Pending bool `schema:"pending"`
	Limit   int  `schema:"limit"`
	Offset  int  `schema:"offset"`
}

type Request struct {
	RequestId    int64     `json:"request_id"`
	CreationTime time.Time `json:"created_at"`
	Age          int       `json:"age"`
	Sex          string    `json:"sex"`
	Localization string    `json:"localization"`
	Status       string    `json:"status"`

	Probability   *float64           `json:"probability,omitempty"`
	LesionType    *string            `json:"lesion_type,omitempty"`
	Malignant     *bool              `json:"malignant,omitempty"`
	ModelVersion  *int64             `json:"model_version,omitempty"`
	FeatureImpact map[string]float64 `json:"feature_impact,omitempty"`
	// Heatmap is the base64 encoded PNG overlay.
	Heatmap string  `json:"heatmap,omitempty"`
	Error   *string `json:"error,omitempty"`
}

type Model struct {
	Version      int64     `json:"version"`
	CreationTime time.Time `json:"created_at"`
	Status       string    `json:"status"`
	Active       bool      `json:"active"`

	InputSize          []int   `json:"input_size,omitempty"`
	ValidationAccuracy float64 `json:"validation_accuracy"`
	CustomRecall       float64 `json:"custom_recall"`
	ExternalWeights    bool    `json:"external_weights"`
}

type ActivateModelResponse struct {
	ModelVersion int64  `json:"model_version"`
	Message      string `json:"msg"`
	Warning      string `json:"warning,omitempty"`
}

type DeleteModelResponse struct {
	ModelVersion int64  `json:"model_version"`
	Message      string `json:"msg"`
	Warning      string `json:"warning,omitempty"`
}
