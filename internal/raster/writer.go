package raster

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/fdny-imt/xView2-FDNY/internal/core/types"

	"golang.org/x/image/tiff"
)

// Writer persists georeferenced single band rasters and overlay composites.
type Writer interface {
	WriteBand(path string, profile types.GeoProfile, data []uint8) error

	WriteOverlay(path string, base *Image, damage []uint8, profile types.GeoProfile) error
}

// TIFFWriter writes plain TIFFs without GeoKeys. Georeferencing is carried only by the .tfw and .prj
// sidecars written next to each raster, so consumers must keep them together.
type TIFFWriter struct {
	options *tiff.Options
}

var _ Writer = (*TIFFWriter)(nil)

func NewTIFFWriter() *TIFFWriter {
	return &TIFFWriter{options: &tiff.Options{Compression: tiff.Deflate, Predictor: true}}
}

// WriteBand writes data as an 8-bit raster regardless of the source dtype of the profile.
func (w *TIFFWriter) WriteBand(path string, profile types.GeoProfile, data []uint8) error {
	if err := profile.Validate(); err != nil {
		return fmt.Errorf("invalid profile for %s: %w", path, err)
	}
	profile = profile.WithDtype(types.Uint8)
	if len(data) != profile.Pixels() {
		return fmt.Errorf("raster %s has %d pixels, profile expects %dx%d", path, len(data), profile.Width, profile.Height)
	}

	img := &image.Gray{
		Pix:    data,
		Stride: profile.Width,
		Rect:   image.Rect(0, 0, profile.Width, profile.Height),
	}
	return w.write(path, img, profile)
}

func (w *TIFFWriter) WriteOverlay(path string, base *Image, damage []uint8, profile types.GeoProfile) error {
	if err := profile.Validate(); err != nil {
		return fmt.Errorf("invalid profile for %s: %w", path, err)
	}
	img, err := RenderOverlay(base, damage)
	if err != nil {
		return fmt.Errorf("error rendering overlay %s: %w", path, err)
	}
	profile = profile.WithDtype(types.Uint8)
	profile.Count = 4
	return w.write(path, img, profile)
}

func (w *TIFFWriter) write(path string, img image.Image, profile types.GeoProfile) error {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create raster %s: %w", path, err)
	}

	if err := tiff.Encode(f, img, w.options); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode raster %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close raster %s: %w", path, err)
	}

	if err := writeWorldFile(path, profile.Transform); err != nil {
		return err
	}
	return writeProjectionFile(path, profile.CRS)
}

// DamageColors tints the overlay per damage class. Class 0 leaves the base pixel untouched.
var DamageColors = map[uint8]color.RGBA{
	1: {R: 0, G: 200, B: 0, A: 255},
	2: {R: 250, G: 220, B: 0, A: 255},
	3: {R: 230, G: 0, B: 0, A: 255},
}

const overlayAlpha = 0.5

func RenderOverlay(base *Image, damage []uint8) (*image.RGBA, error) {
	n := base.Width * base.Height
	if len(damage) != n {
		return nil, fmt.Errorf("damage raster has %d pixels, base image has %d", len(damage), n)
	}

	r, g, b := base.Band(0), base.Band(0), base.Band(0)
	if base.Bands >= 3 {
		g, b = base.Band(1), base.Band(2)
	}

	out := image.NewRGBA(image.Rect(0, 0, base.Width, base.Height))
	for i := 0; i < n; i++ {
		px := [3]float64{clamp(r[i]), clamp(g[i]), clamp(b[i])}
		if tint, ok := DamageColors[damage[i]]; ok {
			px[0] = (1-overlayAlpha)*px[0] + overlayAlpha*float64(tint.R)
			px[1] = (1-overlayAlpha)*px[1] + overlayAlpha*float64(tint.G)
			px[2] = (1-overlayAlpha)*px[2] + overlayAlpha*float64(tint.B)
		}
		out.Pix[4*i] = uint8(px[0] + 0.5)
		out.Pix[4*i+1] = uint8(px[1] + 0.5)
		out.Pix[4*i+2] = uint8(px[2] + 0.5)
		out.Pix[4*i+3] = 255
	}
	return out, nil
}

func clamp(v float32) float64 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return float64(v)
}
