package types

import (
	"fmt"
	"slices"
)

type Tile struct {
	Id          string
	PrePath     string
	PostPath    string
	LocPath     string
	DmgPath     string
	OverlayPath string
	Profile     GeoProfile
	Visualize   bool
}

// ScoreMap is a channel-major score array with values in [0, pixel range].
type ScoreMap struct {
	Channels int
	Height   int
	Width    int
	Data     []float32
}

func NewScoreMap(channels, height, width int) ScoreMap {
	return ScoreMap{
		Channels: channels,
		Height:   height,
		Width:    width,
		Data:     make([]float32, channels*height*width),
	}
}

func (s ScoreMap) Plane(c int) []float32 {
	n := s.Height * s.Width
	return s.Data[c*n : (c+1)*n]
}

func (s ScoreMap) At(c, y, x int) float32 {
	return s.Data[(c*s.Height+y)*s.Width+x]
}

func (s ScoreMap) Clone() ScoreMap {
	s.Data = slices.Clone(s.Data)
	return s
}

func (s ScoreMap) Validate() error {
	if s.Channels <= 0 || s.Height <= 0 || s.Width <= 0 {
		return fmt.Errorf("invalid score map shape %dx%dx%d", s.Channels, s.Height, s.Width)
	}
	if len(s.Data) != s.Channels*s.Height*s.Width {
		return fmt.Errorf("score map has %d values, expected %d", len(s.Data), s.Channels*s.Height*s.Width)
	}
	return nil
}

type PredictionRecord struct {
	TileId  string
	Task    Task
	Size    ModelSize
	Scores  ScoreMap
	Profile GeoProfile
}

func (r PredictionRecord) RunKey() string {
	return string(r.Size) + string(r.Task)
}

type FusedResult struct {
	Width  int
	Height int
	// Building presence, 0 or 1 per pixel.
	Location []uint8
	// Damage class per pixel, 0 where no building.
	Damage []uint8
}
