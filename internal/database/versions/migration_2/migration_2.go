package migration_2

import (
	"fmt"

	"gorm.io/gorm"
)

// Migration turns the comma separated device lists of model runs into JSON arrays.
func Migration(db *gorm.DB) error {
	if err := db.Exec(`UPDATE model_runs SET devices = '[' || COALESCE(devices, '') || ']' WHERE devices IS NULL OR devices NOT LIKE '[%'`).Error; err != nil {
		return fmt.Errorf("error converting device lists to json: %w", err)
	}

	if db.Dialector.Name() == "postgres" {
		if err := db.Exec(`ALTER TABLE model_runs ALTER COLUMN devices TYPE jsonb USING devices::jsonb`).Error; err != nil {
			return fmt.Errorf("error changing devices column to jsonb: %w", err)
		}
	}

	return nil
}

func Rollback(db *gorm.DB) error {
	trim := `TRIM(devices, '[]')`
	if db.Dialector.Name() == "postgres" {
		if err := db.Exec(`ALTER TABLE model_runs ALTER COLUMN devices TYPE text USING devices::text`).Error; err != nil {
			return fmt.Errorf("error changing devices column to text: %w", err)
		}
		trim = `BTRIM(devices, '[]')`
	}

	if err := db.Exec(`UPDATE model_runs SET devices = REPLACE(` + trim + `, ' ', '')`).Error; err != nil {
		return fmt.Errorf("error converting device lists to csv: %w", err)
	}

	return nil
}
