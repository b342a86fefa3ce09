package core

import (
	"image"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fdny-imt/xView2-FDNY/internal/core/types"
	"github.com/fdny-imt/xView2-FDNY/internal/raster"
)

type intermediate struct {
	tileId string
	scores types.ScoreMap
}

// intermediateWriter saves predictions as PNGs off the inference path. Write failures are logged only.
type intermediateWriter struct {
	dir   string
	queue chan intermediate
	wg    sync.WaitGroup
}

func IntermediateDir(root string, run types.ModelRun) string {
	return filepath.Join(root, run.Key())
}

func newIntermediateWriter(root string, run types.ModelRun, capacity int) *intermediateWriter {
	w := &intermediateWriter{
		dir:   IntermediateDir(root, run),
		queue: make(chan intermediate, max(capacity, 1)),
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for item := range w.queue {
			if err := writeIntermediate(w.dir, item); err != nil {
				slog.Error("error writing intermediate prediction", "tile_id", item.tileId, "dir", w.dir, "error", err)
			}
		}
	}()
	return w
}

func (w *intermediateWriter) Submit(tileId string, scores types.ScoreMap) {
	w.queue <- intermediate{tileId: tileId, scores: scores}
}

// Close waits for every submitted prediction to be written.
func (w *intermediateWriter) Close() {
	close(w.queue)
	w.wg.Wait()
}

func toByte(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v + 0.5)
}

// scoreImage packs up to three channels starting at first into an image, padding missing channels with zeros.
func scoreImage(s types.ScoreMap, first int) image.Image {
	rect := image.Rect(0, 0, s.Width, s.Height)
	if s.Channels == 1 {
		img := image.NewGray(rect)
		for i, v := range s.Plane(0) {
			img.Pix[i] = toByte(v)
		}
		return img
	}

	img := image.NewNRGBA(rect)
	n := s.Width * s.Height
	for i := 0; i < n; i++ {
		for c := 0; c < 3; c++ {
			if first+c < s.Channels {
				img.Pix[4*i+c] = toByte(s.Data[(first+c)*n+i])
			}
		}
		img.Pix[4*i+3] = 255
	}
	return img
}

// IntermediatePaths returns the files a tile's prediction is written to.
func IntermediatePaths(dir, tileId string, channels int) []string {
	paths := []string{filepath.Join(dir, tileId+"_part1.png")}
	if channels > 3 {
		paths = append(paths, filepath.Join(dir, tileId+"_part2.png"))
	}
	return paths
}

func writeIntermediate(dir string, item intermediate) error {
	paths := IntermediatePaths(dir, item.tileId, item.scores.Channels)
	// The second part starts at channel 2 so it holds the two highest damage classes.
	firsts := []int{0, 2}
	for i, path := range paths {
		if err := raster.WritePNG(path, scoreImage(item.scores, firsts[i])); err != nil {
			return err
		}
	}
	return nil
}
