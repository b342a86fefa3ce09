package raster

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"
)

// Image is a band-major pixel buffer with values in the source integer range.
type Image struct {
	Width  int
	Height int
	Bands  int
	Pix    []float32
}

func NewImage(bands, height, width int) *Image {
	return &Image{Width: width, Height: height, Bands: bands, Pix: make([]float32, bands*height*width)}
}

func (m *Image) Band(b int) []float32 {
	n := m.Width * m.Height
	return m.Pix[b*n : (b+1)*n]
}

// BandEmpty reports whether every pixel of band b is zero.
func (m *Image) BandEmpty(b int) bool {
	for _, v := range m.Band(b) {
		if v != 0 {
			return false
		}
	}
	return true
}

// FromImage converts a decoded image into a 1 band (gray) or 3 band (RGB) buffer. 16-bit images
// keep their full sample values.
func FromImage(img image.Image) *Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	switch src := img.(type) {
	case *image.Gray:
		return grayImage(w, h, func(x, y int) float32 {
			return float32(src.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y)
		})
	case *image.Gray16:
		return grayImage(w, h, func(x, y int) float32 {
			return float32(src.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y)
		})
	case *image.RGBA64:
		return rgbImage(w, h, func(x, y int) (uint16, uint16, uint16) {
			c := src.RGBA64At(bounds.Min.X+x, bounds.Min.Y+y)
			return c.R, c.G, c.B
		})
	case *image.NRGBA64:
		return rgbImage(w, h, func(x, y int) (uint16, uint16, uint16) {
			i := src.PixOffset(bounds.Min.X+x, bounds.Min.Y+y)
			p := src.Pix[i : i+6 : i+6]
			return uint16(p[0])<<8 | uint16(p[1]), uint16(p[2])<<8 | uint16(p[3]), uint16(p[4])<<8 | uint16(p[5])
		})
	case *image.NRGBA:
		return rgbImage(w, h, func(x, y int) (uint16, uint16, uint16) {
			c := src.NRGBAAt(bounds.Min.X+x, bounds.Min.Y+y)
			return uint16(c.R), uint16(c.G), uint16(c.B)
		})
	}

	return rgbImage(w, h, func(x, y int) (uint16, uint16, uint16) {
		r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
		return uint16(r >> 8), uint16(g >> 8), uint16(b >> 8)
	})
}

func grayImage(w, h int, at func(x, y int) float32) *Image {
	out := NewImage(1, h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.Pix[y*w+x] = at(x, y)
		}
	}
	return out
}

func rgbImage(w, h int, at func(x, y int) (uint16, uint16, uint16)) *Image {
	out := NewImage(3, h, w)
	n := w * h
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b := at(x, y)
			i := y*w + x
			out.Pix[i] = float32(r)
			out.Pix[n+i] = float32(g)
			out.Pix[2*n+i] = float32(b)
		}
	}
	return out
}

func decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening raster %s: %w", path, err)
	}
	defer f.Close()

	var img image.Image
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		img, err = png.Decode(f)
	default:
		img, err = tiff.Decode(f)
	}
	if err != nil {
		return nil, fmt.Errorf("error decoding raster %s: %w", path, err)
	}
	return img, nil
}

func ReadImage(path string) (*Image, error) {
	img, err := decode(path)
	if err != nil {
		return nil, err
	}
	return FromImage(img), nil
}

// ReadBand reads a single band 8-bit raster such as a location mask or damage raster.
func ReadBand(path string) ([]uint8, int, int, error) {
	img, err := decode(path)
	if err != nil {
		return nil, 0, 0, err
	}
	gray, ok := img.(*image.Gray)
	if !ok {
		return nil, 0, 0, fmt.Errorf("raster %s is not single band 8-bit (got %T)", path, img)
	}
	bounds := gray.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	data := make([]uint8, 0, w*h)
	for y := 0; y < h; y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+w]
		data = append(data, row...)
	}
	return data, w, h, nil
}
