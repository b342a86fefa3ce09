package raster

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
)

var losslessEncoder = png.Encoder{CompressionLevel: png.BestCompression}

// WritePNG writes a lossless diagnostic image, overwriting any existing file.
func WritePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if err := losslessEncoder.Encode(f, img); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return nil
}
