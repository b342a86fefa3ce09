package database_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fdny-imt/xView2-FDNY/internal/database"
	"github.com/fdny-imt/xView2-FDNY/internal/database/versions/migration_0"
	"github.com/fdny-imt/xView2-FDNY/internal/database/versions/migration_1"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	db, err := database.NewDatabase("sqlite:" + filepath.Join(t.TempDir(), "db", "ledger.db"))
	require.NoError(t, err)
	return db
}

func TestMigrateTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	_, err := database.NewDatabase(path)
	require.NoError(t, err)

	db, err := database.NewDatabase(path)
	require.NoError(t, err)
	assert.True(t, db.Migrator().HasColumn(&database.Run{}, "shared"))
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	run := database.Run{
		ManifestPath: "manifest.json",
		OutputDir:    "out",
		Accelerators: 2,
		ModelRuns: []database.ModelRun{
			{Key: "34location", Size: "34", Task: "location", Devices: datatypes.JSONSlice[int]{0, 0, 0}, Stage: 0},
			{Key: "34classification", Size: "34", Task: "classification", Devices: datatypes.JSONSlice[int]{1, 1, 1}, Stage: 0},
		},
	}
	require.NoError(t, database.CreateRun(ctx, db, &run))
	require.NotEqual(t, uuid.Nil, run.Id)

	require.NoError(t, database.UpdateRunStatus(ctx, db, run.Id, database.JobRunning))
	require.NoError(t, database.UpdateModelRunStatus(ctx, db, run.Id, "34location", database.JobRunning, ""))
	require.NoError(t, database.UpdateModelRunStatus(ctx, db, run.Id, "34location", database.JobCompleted, ""))
	require.NoError(t, database.UpdateModelRunStatus(ctx, db, run.Id, "34classification", database.JobFailed, "out of memory"))

	require.NoError(t, database.SaveTileOutcome(ctx, db, database.TileOutcome{
		RunId: run.Id, TileId: "b", Status: database.TileFailed, Error: "write failed",
	}))
	require.NoError(t, database.SaveTileOutcome(ctx, db, database.TileOutcome{
		RunId: run.Id, TileId: "a", Status: database.TileFused, LocationKey: "loc/a.tif", DamageKey: "dmg/a.tif", BuildingPixels: 12, DamagedPixels: 3,
	}))
	// Saving the same tile again overwrites the earlier outcome.
	require.NoError(t, database.SaveTileOutcome(ctx, db, database.TileOutcome{
		RunId: run.Id, TileId: "b", Status: database.TileFused, LocationKey: "loc/b.tif", DamageKey: "dmg/b.tif",
	}))

	require.NoError(t, database.CompleteRun(ctx, db, run.Id, 2, 2, 0))

	stored, err := database.GetRun(ctx, db, run.Id)
	require.NoError(t, err)
	assert.Equal(t, database.JobCompleted, stored.Status)
	assert.True(t, stored.CompletionTime.Valid)
	assert.Equal(t, 2, stored.TileCount)
	assert.Equal(t, 2, stored.SucceededTiles)
	assert.Equal(t, 0, stored.FailedTiles)

	require.Len(t, stored.ModelRuns, 2)
	byKey := map[string]database.ModelRun{}
	for _, mr := range stored.ModelRuns {
		byKey[mr.Key] = mr
	}
	assert.Equal(t, database.JobCompleted, byKey["34location"].Status)
	assert.True(t, byKey["34location"].StartTime.Valid)
	assert.True(t, byKey["34location"].CompletionTime.Valid)
	assert.Equal(t, database.JobFailed, byKey["34classification"].Status)
	assert.Equal(t, "out of memory", byKey["34classification"].Error)
	assert.Equal(t, datatypes.JSONSlice[int]{1, 1, 1}, byKey["34classification"].Devices)

	require.Len(t, stored.Tiles, 2)
	assert.Equal(t, "a", stored.Tiles[0].TileId)
	assert.Equal(t, 12, stored.Tiles[0].BuildingPixels)
	assert.Equal(t, "b", stored.Tiles[1].TileId)
	assert.Equal(t, database.TileFused, stored.Tiles[1].Status)
	assert.Equal(t, "loc/b.tif", stored.Tiles[1].LocationKey)
}

func TestCompleteRunWithFailures(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	run := database.Run{ManifestPath: "manifest.json"}
	require.NoError(t, database.CreateRun(ctx, db, &run))
	require.NoError(t, database.CompleteRun(ctx, db, run.Id, 3, 2, 1))

	stored, err := database.GetRun(ctx, db, run.Id)
	require.NoError(t, err)
	assert.Equal(t, database.JobFailed, stored.Status)
	assert.Equal(t, 1, stored.FailedTiles)
}

func TestGetMissingRun(t *testing.T) {
	db := openTestDB(t)
	_, err := database.GetRun(context.Background(), db, uuid.New())
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestMigrateConvertsDeviceLists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	// A ledger written before device lists were stored as json.
	old, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, migration_0.Migration(old))
	require.NoError(t, migration_1.Migration(old))
	require.NoError(t, old.Exec("CREATE TABLE migrations (id VARCHAR(255) PRIMARY KEY)").Error)
	require.NoError(t, old.Exec("INSERT INTO migrations (id) VALUES ('0'), ('1')").Error)

	runId := uuid.New()
	require.NoError(t, old.Create(&migration_0.Run{
		Id:     runId,
		Status: database.JobCompleted,
		ModelRuns: []migration_0.ModelRun{
			{Key: "50location", Size: "50", Task: "location", Devices: "1,0,1", Status: database.JobCompleted},
			{Key: "50classification", Size: "50", Task: "classification", Devices: "", Status: database.JobCompleted},
		},
	}).Error)
	sqlDB, err := old.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	db, err := database.NewDatabase(path)
	require.NoError(t, err)

	stored, err := database.GetRun(context.Background(), db, runId)
	require.NoError(t, err)
	byKey := map[string]database.ModelRun{}
	for _, mr := range stored.ModelRuns {
		byKey[mr.Key] = mr
	}
	assert.Equal(t, datatypes.JSONSlice[int]{1, 0, 1}, byKey["50location"].Devices)
	assert.Empty(t, byKey["50classification"].Devices)
}
