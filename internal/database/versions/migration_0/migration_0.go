package migration_0

import (
	"database/sql"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Model struct {
	Version         int64 `gorm:"primaryKey;autoIncrement"`
	CreationTime    int64 `gorm:"column:created_at;not null"`
	Weights         []byte
	WeightsKey      sql.NullString
	Hyperparameters string `gorm:"type:text;not null"`
	Status          string `gorm:"size:20;not null"`
}

type ActiveModel struct {
	Id           int    `gorm:"primaryKey;autoIncrement:false;check:single_active_model,id = 1"`
	ModelVersion int64  `gorm:"uniqueIndex;not null"`
	Model        *Model `gorm:"foreignKey:ModelVersion;references:Version;constraint:OnDelete:CASCADE"`
	UpdateTime   int64  `gorm:"column:updated_at;not null"`
}

func (ActiveModel) TableName() string {
	return "model_active"
}

type Request struct {
	RequestId     int64  `gorm:"primaryKey;autoIncrement"`
	CreationTime  int64  `gorm:"column:created_at;not null;index"`
	Image         []byte `gorm:"not null"`
	Age           int
	Sex           string `gorm:"size:10"`
	Localization  string `gorm:"size:30;not null"`
	Probability   sql.NullFloat64
	LesionType    sql.NullString `gorm:"size:10"`
	ModelVersion  sql.NullInt64  `gorm:"column:model_id;index"`
	FeatureImpact datatypes.JSON
	Heatmap       []byte
}

func Migration(db *gorm.DB) error {
	return db.AutoMigrate(&Model{}, &ActiveModel{}, &Request{})
}
