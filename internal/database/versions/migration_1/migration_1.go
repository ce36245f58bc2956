package migration_1

import (
	"database/sql"
	"fmt"

	"gorm.io/gorm"
)

type Request struct {
	PredictionError sql.NullString
}

func Migration(db *gorm.DB) error {
	if err := db.Migrator().AddColumn(&Request{}, "PredictionError"); err != nil {
		return fmt.Errorf("error adding PredictionError column: %w", err)
	}
	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropColumn(&Request{}, "PredictionError"); err != nil {
		return fmt.Errorf("error dropping PredictionError column: %w", err)
	}
	return nil
}
