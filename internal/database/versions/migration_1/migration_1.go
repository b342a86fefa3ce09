package migration_1

import (
	"fmt"

	"gorm.io/gorm"
)

type Run struct {
	Shared bool `gorm:"default:false"`
}

func Migration(db *gorm.DB) error {
	if err := db.Migrator().AddColumn(&Run{}, "shared"); err != nil {
		return fmt.Errorf("error adding Shared column: %w", err)
	}

	if err := db.Model(&Run{}).
		Where("shared IS NULL").
		Update("shared", false).Error; err != nil {
		return fmt.Errorf("error setting default value for Shared: %w", err)
	}

	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropColumn(&Run{}, "shared"); err != nil {
		return fmt.Errorf("error dropping Shared column: %w", err)
	}

	return nil
}
