package types

import "fmt"

// TileBundle collects every ensemble member's scores for one tile.
type TileBundle struct {
	Tile           *Tile
	Location       map[ModelSize]ScoreMap
	Classification map[ModelSize]ScoreMap
}

func NewTileBundle(tile *Tile) *TileBundle {
	return &TileBundle{
		Tile:           tile,
		Location:       make(map[ModelSize]ScoreMap),
		Classification: make(map[ModelSize]ScoreMap),
	}
}

func (b *TileBundle) Scores(task Task) map[ModelSize]ScoreMap {
	if task == Classification {
		return b.Classification
	}
	return b.Location
}

func (b *TileBundle) Add(rec PredictionRecord) error {
	if rec.TileId != b.Tile.Id {
		return fmt.Errorf("record for tile %s added to bundle for tile %s", rec.TileId, b.Tile.Id)
	}
	scores := b.Scores(rec.Task)
	if _, exists := scores[rec.Size]; exists {
		return fmt.Errorf("tile %s already has a %s prediction from model %s", rec.TileId, rec.Task, rec.Size)
	}
	scores[rec.Size] = rec.Scores
	return nil
}

// Missing lists the keys of the runs that have not contributed to the bundle.
func (b *TileBundle) Missing(runs []ModelRun) []string {
	var missing []string
	for _, run := range runs {
		if _, ok := b.Scores(run.Task)[run.Size]; !ok {
			missing = append(missing, run.Key())
		}
	}
	return missing
}

// Complete reports whether every configured run contributed exactly one record and nothing else did.
func (b *TileBundle) Complete(runs []ModelRun) bool {
	return len(b.Missing(runs)) == 0 && len(b.Location)+len(b.Classification) == len(runs)
}
