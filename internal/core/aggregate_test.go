package core_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/fdny-imt/xView2-FDNY/internal/catalog"
	"github.com/fdny-imt/xView2-FDNY/internal/core"
	"github.com/fdny-imt/xView2-FDNY/internal/core/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog(t *testing.T, n int) *catalog.Catalog {
	tiles := make([]*types.Tile, n)
	for i := range tiles {
		tiles[i] = &types.Tile{
			Id:      fmt.Sprintf("tile_%d", i),
			Profile: types.GeoProfile{Width: 2, Height: 2, Count: 3, Dtype: "uint8"},
		}
	}
	cat, err := catalog.New(tiles)
	require.NoError(t, err)
	return cat
}

func recordsFor(run types.ModelRun, cat *catalog.Catalog) []types.PredictionRecord {
	records := make([]types.PredictionRecord, 0, cat.Len())
	for _, tile := range cat.Tiles() {
		records = append(records, types.PredictionRecord{
			TileId:  tile.Id,
			Task:    run.Task,
			Size:    run.Size,
			Scores:  types.NewScoreMap(run.Task.Channels(), 2, 2),
			Profile: tile.Profile,
		})
	}
	return records
}

func fullStore(t *testing.T, runs []types.ModelRun, cat *catalog.Catalog) *core.ResultStore {
	store := core.NewResultStore()
	for _, run := range runs {
		require.NoError(t, store.Put(run, recordsFor(run, cat)))
	}
	return store
}

func twoDeviceRuns(t *testing.T) []types.ModelRun {
	runs, err := core.Plan(2, types.AllModelSizes, core.PlanOptions{})
	require.NoError(t, err)
	return runs
}

func TestResultStore(t *testing.T) {
	runs := twoDeviceRuns(t)
	cat := testCatalog(t, 3)
	store := core.NewResultStore()

	var wg sync.WaitGroup
	for _, run := range runs {
		wg.Add(1)
		go func(run types.ModelRun) {
			defer wg.Done()
			assert.NoError(t, store.Put(run, recordsFor(run, cat)))
		}(run)
	}
	wg.Wait()

	assert.Error(t, store.Put(runs[0], nil))
	assert.Len(t, store.Keys(), len(runs))

	store.Seal()
	assert.True(t, store.Sealed())
	err := store.Put(types.ModelRun{Size: types.Size34, Task: "other"}, nil)
	assert.True(t, errors.Is(err, core.ErrStoreSealed))

	records, ok := store.Get(runs[3].Key())
	require.True(t, ok)
	assert.Len(t, records, 3)
}

func TestAggregateJoinsByTileId(t *testing.T) {
	runs := twoDeviceRuns(t)
	cat := testCatalog(t, 4)
	store := core.NewResultStore()

	// Workers may emit in any order; the join must not depend on it.
	for i, run := range runs {
		records := recordsFor(run, cat)
		if i%2 == 1 {
			for l, r := 0, len(records)-1; l < r; l, r = l+1, r-1 {
				records[l], records[r] = records[r], records[l]
			}
		}
		require.NoError(t, store.Put(run, records))
	}
	store.Seal()

	bundles, err := core.Aggregate(cat, runs, store)
	require.NoError(t, err)
	require.Len(t, bundles, cat.Len())
	for i, bundle := range bundles {
		assert.Equal(t, cat.Tiles()[i].Id, bundle.Tile.Id)
		assert.True(t, bundle.Complete(runs))
		assert.Len(t, bundle.Location, 4)
		assert.Len(t, bundle.Classification, 4)
	}
}

func TestAggregateRejectsMisalignment(t *testing.T) {
	runs := twoDeviceRuns(t)
	cat := testCatalog(t, 3)

	t.Run("unsealed", func(t *testing.T) {
		_, err := core.Aggregate(cat, runs, fullStore(t, runs, cat))
		assert.True(t, errors.Is(err, core.ErrAlignment))
	})

	t.Run("missing run", func(t *testing.T) {
		store := fullStore(t, runs[1:], cat)
		store.Seal()
		_, err := core.Aggregate(cat, runs, store)
		assert.True(t, errors.Is(err, core.ErrAlignment))
	})

	t.Run("short run", func(t *testing.T) {
		store := fullStore(t, runs[1:], cat)
		require.NoError(t, store.Put(runs[0], recordsFor(runs[0], cat)[:2]))
		store.Seal()
		_, err := core.Aggregate(cat, runs, store)
		assert.True(t, errors.Is(err, core.ErrAlignment))
	})

	t.Run("duplicate tile", func(t *testing.T) {
		store := fullStore(t, runs[1:], cat)
		records := recordsFor(runs[0], cat)
		records[2] = records[1]
		require.NoError(t, store.Put(runs[0], records))
		store.Seal()
		_, err := core.Aggregate(cat, runs, store)
		assert.True(t, errors.Is(err, core.ErrAlignment))
	})

	t.Run("unknown tile", func(t *testing.T) {
		store := fullStore(t, runs[1:], cat)
		records := recordsFor(runs[0], cat)
		records[0].TileId = "elsewhere"
		require.NoError(t, store.Put(runs[0], records))
		store.Seal()
		_, err := core.Aggregate(cat, runs, store)
		assert.True(t, errors.Is(err, core.ErrAlignment))
	})

	t.Run("wrong task", func(t *testing.T) {
		store := fullStore(t, runs[1:], cat)
		records := recordsFor(runs[0], cat)
		records[1].Task = types.Classification
		require.NoError(t, store.Put(runs[0], records))
		store.Seal()
		_, err := core.Aggregate(cat, runs, store)
		assert.True(t, errors.Is(err, core.ErrAlignment))
	})
}
