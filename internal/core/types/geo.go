package types

import (
	"errors"
	"fmt"
)

var ErrUnsupportedDtype = errors.New("unsupported raster dtype")

const Uint8 = "uint8"

// Chips are decoded with x/image/tiff, which only reads 8 and 16 bit unsigned samples.
var supportedDtypes = map[string]struct{}{
	"uint8":  {},
	"uint16": {},
}

// GeoProfile carries the georeferencing of a tile. Transform uses GDAL ordering:
// x origin, pixel width, row rotation, y origin, column rotation, pixel height.
type GeoProfile struct {
	CRS       string     `json:"crs"`
	Transform [6]float64 `json:"transform"`
	Width     int        `json:"width"`
	Height    int        `json:"height"`
	Count     int        `json:"count"`
	Dtype     string     `json:"dtype"`
}

func (p GeoProfile) Validate() error {
	if _, ok := supportedDtypes[p.Dtype]; !ok {
		return fmt.Errorf("%w: '%s'", ErrUnsupportedDtype, p.Dtype)
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("invalid raster shape %dx%d", p.Width, p.Height)
	}
	return nil
}

func (p GeoProfile) WithDtype(dtype string) GeoProfile {
	p.Dtype = dtype
	return p
}

func (p GeoProfile) Pixels() int {
	return p.Width * p.Height
}
