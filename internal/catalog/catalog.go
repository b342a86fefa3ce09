package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fdny-imt/xView2-FDNY/internal/core/types"
	"github.com/fdny-imt/xView2-FDNY/internal/raster"
)

var ErrChipCountMismatch = errors.New("pre and post chip counts differ")

// Catalog is the ordered set of tiles every inference worker iterates.
type Catalog struct {
	tiles []*types.Tile
	index map[string]int
}

func New(tiles []*types.Tile) (*Catalog, error) {
	c := &Catalog{tiles: tiles, index: make(map[string]int, len(tiles))}
	for i, tile := range tiles {
		if _, exists := c.index[tile.Id]; exists {
			return nil, fmt.Errorf("duplicate tile id '%s' in catalog", tile.Id)
		}
		c.index[tile.Id] = i
	}
	return c, nil
}

func (c *Catalog) Tiles() []*types.Tile {
	return c.tiles
}

func (c *Catalog) Len() int {
	return len(c.tiles)
}

func (c *Catalog) Lookup(id string) (*types.Tile, bool) {
	i, ok := c.index[id]
	if !ok {
		return nil, false
	}
	return c.tiles[i], true
}

// Values returns copies of the tiles, for handing the catalog to another process.
func (c *Catalog) Values() []types.Tile {
	out := make([]types.Tile, 0, len(c.tiles))
	for _, tile := range c.tiles {
		out = append(out, *tile)
	}
	return out
}

func FromValues(tiles []types.Tile) (*Catalog, error) {
	ptrs := make([]*types.Tile, 0, len(tiles))
	for i := range tiles {
		ptrs = append(ptrs, &tiles[i])
	}
	return New(ptrs)
}

type Chip struct {
	Path    string            `json:"path"`
	Profile *types.GeoProfile `json:"profile,omitempty"`
}

// Manifest is written by the chipping stage. Pre and post chips are paired by position.
type Manifest struct {
	Pre  []Chip `json:"pre"`
	Post []Chip `json:"post"`
}

func ReadManifest(path string) (Manifest, error) {
	var manifest Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return manifest, fmt.Errorf("error reading manifest %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return manifest, fmt.Errorf("error parsing manifest %s: %w", path, err)
	}
	return manifest, nil
}

// DataCheck reports whether the first band of a raster holds any data.
type DataCheck func(path string) (bool, error)

func HasData(path string) (bool, error) {
	img, err := raster.ReadImage(path)
	if err != nil {
		return false, err
	}
	return !img.BandEmpty(0), nil
}

type Options struct {
	OutputDir string
	Visualize bool
	Check     DataCheck
}

func OutputPaths(outputDir, id string) (loc, dmg, over string) {
	return filepath.Join(outputDir, "loc", id+".tif"),
		filepath.Join(outputDir, "dmg", id+".tif"),
		filepath.Join(outputDir, "over", id+".tif")
}

// Build pairs the manifest chips into tiles, dropping pairs without data in either image.
func Build(manifest Manifest, opts Options) (*Catalog, error) {
	if len(manifest.Pre) != len(manifest.Post) {
		return nil, fmt.Errorf("%w: %d pre, %d post", ErrChipCountMismatch, len(manifest.Pre), len(manifest.Post))
	}

	check := opts.Check
	if check == nil {
		check = HasData
	}

	tiles := make([]*types.Tile, 0, len(manifest.Pre))
	for i, pre := range manifest.Pre {
		post := manifest.Post[i]

		if pre.Profile == nil {
			return nil, fmt.Errorf("pre chip %s has no geospatial profile", pre.Path)
		}
		if err := pre.Profile.Validate(); err != nil {
			return nil, fmt.Errorf("pre chip %s: %w", pre.Path, err)
		}

		usable := true
		for _, path := range []string{pre.Path, post.Path} {
			ok, err := check(path)
			if err != nil {
				return nil, fmt.Errorf("error checking chip %s: %w", path, err)
			}
			if !ok {
				usable = false
				break
			}
		}

		id := strings.TrimSuffix(filepath.Base(pre.Path), filepath.Ext(pre.Path))
		if !usable {
			slog.Debug("skipping chip pair without data", "tile_id", id, "pre", pre.Path, "post", post.Path)
			continue
		}

		loc, dmg, over := OutputPaths(opts.OutputDir, id)
		tiles = append(tiles, &types.Tile{
			Id:          id,
			PrePath:     pre.Path,
			PostPath:    post.Path,
			LocPath:     loc,
			DmgPath:     dmg,
			OverlayPath: over,
			Profile:     *pre.Profile,
			Visualize:   opts.Visualize,
		})
	}

	slog.Info("built tile catalog", "chip_pairs", len(manifest.Pre), "tiles", len(tiles))

	return New(tiles)
}

func Load(manifestPath string, opts Options) (*Catalog, error) {
	manifest, err := ReadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	return Build(manifest, opts)
}
