package migration_0

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Run struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ManifestPath string
	OutputDir    string
	Accelerators int

	Status         string `gorm:"size:20;not null"`
	CreationTime   time.Time
	CompletionTime sql.NullTime

	TileCount      int `gorm:"default:0"`
	SucceededTiles int `gorm:"default:0"`
	FailedTiles    int `gorm:"default:0"`

	ModelRuns []ModelRun    `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
	Tiles     []TileOutcome `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
}

type ModelRun struct {
	RunId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Key   string    `gorm:"primaryKey;size:32"`

	Size    string `gorm:"size:8;not null"`
	Task    string `gorm:"size:20;not null"`
	Devices string
	Stage   int

	Status         string `gorm:"size:20;not null"`
	StartTime      sql.NullTime
	CompletionTime sql.NullTime
	Error          string
}

type TileOutcome struct {
	RunId  uuid.UUID `gorm:"type:uuid;primaryKey"`
	TileId string    `gorm:"primaryKey;size:255"`

	Status         string `gorm:"size:20;not null"`
	Error          string
	LocationKey    string
	DamageKey      string
	OverlayKey     string
	BuildingPixels int
	DamagedPixels  int
	Timestamp      time.Time
}

func Migration(db *gorm.DB) error {
	if err := db.AutoMigrate(&Run{}, &ModelRun{}, &TileOutcome{}); err != nil {
		return fmt.Errorf("initial migration failed: %w", err)
	}
	return nil
}
