package core

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/fdny-imt/xView2-FDNY/internal/catalog"
	"github.com/fdny-imt/xView2-FDNY/internal/core/types"
)

var ErrAlignment = errors.New("prediction alignment error")

// Aggregate joins the records of every run by tile id. Any gap, duplicate or stray record is fatal
// since fusing a partially populated tile would silently change its result.
func Aggregate(cat *catalog.Catalog, runs []types.ModelRun, store *ResultStore) ([]*types.TileBundle, error) {
	if !store.Sealed() {
		return nil, fmt.Errorf("%w: results read before every worker finished", ErrAlignment)
	}

	bundles := make(map[string]*types.TileBundle, cat.Len())
	for _, tile := range cat.Tiles() {
		bundles[tile.Id] = types.NewTileBundle(tile)
	}

	for _, run := range runs {
		records, ok := store.Get(run.Key())
		if !ok {
			return nil, fmt.Errorf("%w: no results from model run %s", ErrAlignment, run.Key())
		}
		if len(records) != cat.Len() {
			return nil, fmt.Errorf("%w: model run %s produced %d records for %d tiles", ErrAlignment, run.Key(), len(records), cat.Len())
		}

		for _, rec := range records {
			if rec.Size != run.Size || rec.Task != run.Task {
				return nil, fmt.Errorf("%w: model run %s returned a record for %s", ErrAlignment, run.Key(), rec.RunKey())
			}
			bundle, ok := bundles[rec.TileId]
			if !ok {
				return nil, fmt.Errorf("%w: model run %s returned a record for unknown tile '%s'", ErrAlignment, run.Key(), rec.TileId)
			}
			if err := bundle.Add(rec); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrAlignment, err)
			}
		}
	}

	ordered := make([]*types.TileBundle, 0, len(bundles))
	for _, tile := range cat.Tiles() {
		bundle := bundles[tile.Id]
		if !bundle.Complete(runs) {
			return nil, fmt.Errorf("%w: tile %s is missing results from %v", ErrAlignment, tile.Id, bundle.Missing(runs))
		}
		ordered = append(ordered, bundle)
	}

	if len(ordered) != cat.Len() {
		return nil, fmt.Errorf("%w: %d bundles for %d tiles", ErrAlignment, len(ordered), cat.Len())
	}

	slog.Info("aggregated predictions", "tiles", len(ordered), "model_runs", len(runs))

	return ordered, nil
}
