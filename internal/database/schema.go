package database

import (
	"database/sql"

	"gorm.io/datatypes"
)

const (
	ModelDraft    string = "DRAFT"
	ModelActive   string = "ACTIVE"
	ModelArchived string = "ARCHIVED"
)

type Model struct {
	Version      int64 `gorm:"primaryKey;autoIncrement"`
	CreationTime int64 `gorm:"column:created_at;not null"`

	// Weights holds the encoded tensor list inline. When WeightsKey is set the
	// blob lives in the object store instead and Weights is empty.
	Weights    []byte
	WeightsKey sql.NullString

	Hyperparameters string `gorm:"type:text;not null"`
	Status          string `gorm:"size:20;not null"`
}

// ActiveModel is the single-row pointer to the model currently served.
type ActiveModel struct {
	Id           int    `gorm:"primaryKey;autoIncrement:false;check:single_active_model,id = 1"`
	ModelVersion int64  `gorm:"uniqueIndex;not null"`
	Model        *Model `gorm:"foreignKey:ModelVersion;references:Version;constraint:OnDelete:CASCADE"`
	UpdateTime   int64  `gorm:"column:updated_at;not null"`
}

func (ActiveModel) TableName() string {
	return "model_active"
}

const ActiveModelId = 1

type Request struct {
	RequestId    int64 `gorm:"primaryKey;autoIncrement"`
	CreationTime int64 `gorm:"column:created_at;not null;index"`

	Image        []byte `gorm:"not null"`
	Age          int
	Sex          string `gorm:"size:10"`
	Localization string `gorm:"size:30;not null"`

	Probability     sql.NullFloat64
	LesionType      sql.NullString `gorm:"size:10"`
	ModelVersion    sql.NullInt64  `gorm:"column:model_id;index"`
	FeatureImpact   datatypes.JSON
	Heatmap         []byte
	PredictionError sql.NullString
}

const (
	RequestPending   string = "PENDING"
	RequestCompleted string = "COMPLETED"
	RequestFailed    string = "FAILED"
)

func (r *Request) Status() string {
	switch {
	case r.Probability.Valid:
		return RequestCompleted
	case r.PredictionError.Valid:
		return RequestFailed
	default:
		return RequestPending
	}
}
