package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func CreateRun(ctx context.Context, txn *gorm.DB, run *Run) error {
	if run.Id == uuid.Nil {
		run.Id = uuid.New()
	}
	if run.Status == "" {
		run.Status = JobQueued
	}
	if run.CreationTime.IsZero() {
		run.CreationTime = time.Now().UTC()
	}
	for i := range run.ModelRuns {
		run.ModelRuns[i].RunId = run.Id
		if run.ModelRuns[i].Status == "" {
			run.ModelRuns[i].Status = JobQueued
		}
	}

	if err := txn.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("error creating run record: %w", err)
	}
	return nil
}

func UpdateRunStatus(ctx context.Context, txn *gorm.DB, runId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == JobCompleted || status == JobFailed {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&Run{Id: runId}).Updates(updates).Error; err != nil {
		slog.Error("error updating run status", "run_id", runId, "status", status, "error", err)
		return err
	}
	return nil
}

// UpdateModelRunStatus records a model-run transition. errMsg is only stored
// for failed runs.
func UpdateModelRunStatus(ctx context.Context, txn *gorm.DB, runId uuid.UUID, key string, status string, errMsg string) error {
	updates := map[string]any{"status": status}
	switch status {
	case JobRunning:
		updates["start_time"] = time.Now().UTC()
	case JobCompleted:
		updates["completion_time"] = time.Now().UTC()
	case JobFailed:
		updates["completion_time"] = time.Now().UTC()
		updates["error"] = errMsg
	}

	if err := txn.WithContext(ctx).Model(&ModelRun{RunId: runId, Key: key}).Updates(updates).Error; err != nil {
		slog.Error("error updating model run status", "run_id", runId, "model_run", key, "status", status, "error", err)
		return err
	}
	return nil
}

func SaveTileOutcome(ctx context.Context, txn *gorm.DB, outcome TileOutcome) error {
	if outcome.Timestamp.IsZero() {
		outcome.Timestamp = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&outcome).Error; err != nil {
		slog.Error("error saving tile outcome", "run_id", outcome.RunId, "tile_id", outcome.TileId, "error", err)
		return err
	}
	return nil
}

func CompleteRun(ctx context.Context, txn *gorm.DB, runId uuid.UUID, tiles, succeeded, failed int) error {
	status := JobCompleted
	if failed > 0 {
		status = JobFailed
	}

	updates := map[string]any{
		"status":          status,
		"tile_count":      tiles,
		"succeeded_tiles": succeeded,
		"failed_tiles":    failed,
		"completion_time": sql.NullTime{Time: time.Now().UTC(), Valid: true},
	}

	if err := txn.WithContext(ctx).Model(&Run{Id: runId}).Updates(updates).Error; err != nil {
		return fmt.Errorf("error completing run %s: %w", runId, err)
	}
	return nil
}

func GetRun(ctx context.Context, txn *gorm.DB, runId uuid.UUID) (Run, error) {
	var run Run
	if err := txn.WithContext(ctx).
		Preload("ModelRuns").
		Preload("Tiles", func(db *gorm.DB) *gorm.DB { return db.Order("tile_id") }).
		First(&run, "id = ?", runId).Error; err != nil {
		return Run{}, fmt.Errorf("error loading run %s: %w", runId, err)
	}
	return run, nil
}
