package fusion

import (
	"errors"
	"fmt"

	"github.com/fdny-imt/xView2-FDNY/internal/core/types"
)

var ErrInvalidConfig = errors.New("invalid fusion config")

type Config struct {
	// Weight per model size. Sizes without an entry weigh 1.
	LocationCoefs       map[types.ModelSize]float64 `yaml:"location_coefs"`
	ClassificationCoefs map[types.ModelSize]float64 `yaml:"classification_coefs"`

	// Building gating thresholds on the normalized location score:
	// loc > t0, or loc > t1 with damage in (1, 4), or loc > t2 with damage > 1.
	Thresholds [3]float64 `yaml:"thresholds"`

	// Side of the square structuring element used to grow minor damage. Must be odd.
	DilationSize int `yaml:"dilation_size"`

	// Maximum raw score value, used to normalize scores to [0, 1].
	PixelRange float64 `yaml:"pixel_range"`
}

func DefaultConfig() Config {
	return Config{
		LocationCoefs:       map[types.ModelSize]float64{},
		ClassificationCoefs: map[types.ModelSize]float64{},
		Thresholds:          [3]float64{0.38, 0.13, 0.14},
		DilationSize:        5,
		PixelRange:          255,
	}
}

func (c Config) Coef(task types.Task, size types.ModelSize) float64 {
	coefs := c.LocationCoefs
	if task == types.Classification {
		coefs = c.ClassificationCoefs
	}
	if w, ok := coefs[size]; ok {
		return w
	}
	return 1
}

// Validate checks the config against the runs it will fuse.
func (c Config) Validate(runs []types.ModelRun) error {
	if c.DilationSize <= 0 || c.DilationSize%2 == 0 {
		return fmt.Errorf("%w: dilation size must be a positive odd number, got %d", ErrInvalidConfig, c.DilationSize)
	}
	if c.PixelRange <= 0 {
		return fmt.Errorf("%w: pixel range must be positive, got %f", ErrInvalidConfig, c.PixelRange)
	}

	sums := map[types.Task]float64{}
	for _, run := range runs {
		w := c.Coef(run.Task, run.Size)
		if w < 0 {
			return fmt.Errorf("%w: negative coefficient %f for %s", ErrInvalidConfig, w, run.Key())
		}
		sums[run.Task] += w
	}
	for _, task := range types.AllTasks {
		if sums[task] <= 0 {
			return fmt.Errorf("%w: %s coefficients must have a positive sum", ErrInvalidConfig, task)
		}
	}
	return nil
}
