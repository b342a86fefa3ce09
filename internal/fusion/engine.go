package fusion

import (
	"fmt"
	"log/slog"

	"github.com/fdny-imt/xView2-FDNY/internal/core/types"
	"github.com/fdny-imt/xView2-FDNY/internal/raster"

	"gonum.org/v1/gonum/floats"
)

type Engine struct {
	cfg  Config
	runs []types.ModelRun

	sizes   map[types.Task][]types.ModelSize
	coefSum map[types.Task]float64

	// Loads the image the overlay is drawn on.
	ReadImage func(path string) (*raster.Image, error)
}

func NewEngine(cfg Config, runs []types.ModelRun) (*Engine, error) {
	if err := cfg.Validate(runs); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		runs:      runs,
		sizes:     map[types.Task][]types.ModelSize{},
		coefSum:   map[types.Task]float64{},
		ReadImage: raster.ReadImage,
	}

	// Accumulate in a fixed size order so results do not depend on map iteration.
	for _, size := range types.AllModelSizes {
		for _, run := range runs {
			if run.Size == size {
				e.sizes[run.Task] = append(e.sizes[run.Task], size)
				e.coefSum[run.Task] += cfg.Coef(run.Task, size)
			}
		}
	}

	return e, nil
}

func (e *Engine) Config() Config {
	return e.cfg
}

// average returns the coefficient weighted mean of the scores normalized to [0, 1], channel-major.
func (e *Engine) average(task types.Task, scores map[types.ModelSize]types.ScoreMap, channels, height, width int) ([]float64, error) {
	n := channels * height * width
	acc := make([]float64, n)
	buf := make([]float64, n)

	for _, size := range e.sizes[task] {
		s := scores[size]
		if s.Channels != channels || s.Height != height || s.Width != width {
			return nil, fmt.Errorf("model %s %s scores have shape %dx%dx%d, expected %dx%dx%d",
				size, task, s.Channels, s.Height, s.Width, channels, height, width)
		}
		if len(s.Data) != n {
			return nil, fmt.Errorf("model %s %s scores have %d values, expected %d", size, task, len(s.Data), n)
		}
		for i, v := range s.Data {
			buf[i] = float64(v)
		}
		floats.AddScaled(acc, e.cfg.Coef(task, size), buf)
	}

	sum := e.coefSum[task]
	for i := range acc {
		acc[i] = acc[i] / sum / e.cfg.PixelRange
	}
	return acc, nil
}

// Fuse combines every ensemble member's scores for a tile into a building mask and damage raster.
// It panics if the bundle is missing a configured run: aggregation must have rejected it already.
func (e *Engine) Fuse(bundle *types.TileBundle) (types.FusedResult, error) {
	if !bundle.Complete(e.runs) {
		missing := bundle.Missing(e.runs)
		panic(fmt.Sprintf("invariant violation: incomplete bundle for tile %s reached fusion (missing %v)", bundle.Tile.Id, missing))
	}

	height, width := bundle.Tile.Profile.Height, bundle.Tile.Profile.Width
	n := height * width

	cls, err := e.average(types.Classification, bundle.Classification, types.DamageClasses, height, width)
	if err != nil {
		return types.FusedResult{}, fmt.Errorf("tile %s: %w", bundle.Tile.Id, err)
	}
	loc, err := e.average(types.Location, bundle.Location, 1, height, width)
	if err != nil {
		return types.FusedResult{}, fmt.Errorf("tile %s: %w", bundle.Tile.Id, err)
	}

	result := types.FusedResult{
		Width:    width,
		Height:   height,
		Location: make([]uint8, n),
		Damage:   make([]uint8, n),
	}

	t := e.cfg.Thresholds
	anyMinor := false
	for i := 0; i < n; i++ {
		dmg := uint8(1)
		best := cls[n+i]
		for c := 2; c < types.DamageClasses; c++ {
			if cls[c*n+i] > best {
				best = cls[c*n+i]
				dmg = uint8(c)
			}
		}

		l := loc[i]
		present := l > t[0] || (l > t[1] && dmg > 1 && dmg < 4) || (l > t[2] && dmg > 1)
		if !present {
			continue
		}
		result.Location[i] = 1
		result.Damage[i] = dmg
		if dmg == 2 {
			anyMinor = true
		}
	}

	if anyMinor {
		e.growMinorDamage(result.Damage, height, width)
	}

	return result, nil
}

// growMinorDamage promotes no-damage pixels that lie within the structuring element of a minor damage pixel.
func (e *Engine) growMinorDamage(dmg []uint8, height, width int) {
	mask := make([]bool, len(dmg))
	for i, d := range dmg {
		mask[i] = d == 2
	}
	dilated := dilate(mask, height, width, e.cfg.DilationSize)
	for i := range dmg {
		if dilated[i] && dmg[i] == 1 {
			dmg[i] = 2
		}
	}
}

// FuseAndWrite fuses the bundle and writes the location mask, the damage raster and, if requested, the overlay.
func (e *Engine) FuseAndWrite(bundle *types.TileBundle, writer raster.Writer) (types.FusedResult, error) {
	tile := bundle.Tile

	result, err := e.Fuse(bundle)
	if err != nil {
		return result, err
	}

	if err := writer.WriteBand(tile.LocPath, tile.Profile, result.Location); err != nil {
		return result, fmt.Errorf("error writing location mask for tile %s: %w", tile.Id, err)
	}
	if err := writer.WriteBand(tile.DmgPath, tile.Profile, result.Damage); err != nil {
		return result, fmt.Errorf("error writing damage raster for tile %s: %w", tile.Id, err)
	}

	if tile.Visualize {
		post, err := e.ReadImage(tile.PostPath)
		if err != nil {
			return result, fmt.Errorf("error reading post image for overlay of tile %s: %w", tile.Id, err)
		}
		if err := writer.WriteOverlay(tile.OverlayPath, post, result.Damage, tile.Profile); err != nil {
			return result, fmt.Errorf("error writing overlay for tile %s: %w", tile.Id, err)
		}
	}

	slog.Debug("fused tile", "tile_id", tile.Id, "building_pixels", countNonZero(result.Location))

	return result, nil
}

func countNonZero(data []uint8) int {
	count := 0
	for _, v := range data {
		if v != 0 {
			count++
		}
	}
	return count
}
