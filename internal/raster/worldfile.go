package raster

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// WorldFilePath follows the ESRI convention: first and last letter of the extension plus 'w'.
func WorldFilePath(path string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	if len(ext) < 3 {
		return base + ".wld"
	}
	return base + "." + ext[1:2] + ext[len(ext)-1:] + "w"
}

func ProjectionFilePath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".prj"
}

// World files reference the center of the upper left pixel.
func writeWorldFile(path string, transform [6]float64) error {
	x0, pw, rx, y0, ry, ph := transform[0], transform[1], transform[2], transform[3], transform[4], transform[5]
	lines := []float64{pw, ry, rx, ph, x0 + pw/2 + rx/2, y0 + ry/2 + ph/2}

	var sb strings.Builder
	for _, v := range lines {
		sb.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
		sb.WriteByte('\n')
	}

	if err := os.WriteFile(WorldFilePath(path), []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("error writing world file for %s: %w", path, err)
	}
	return nil
}

func ReadWorldFile(path string) ([6]float64, error) {
	var transform [6]float64

	f, err := os.Open(WorldFilePath(path))
	if err != nil {
		return transform, fmt.Errorf("error opening world file for %s: %w", path, err)
	}
	defer f.Close()

	var values []float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return transform, fmt.Errorf("invalid world file line '%s': %w", line, err)
		}
		values = append(values, v)
	}
	if err := scanner.Err(); err != nil {
		return transform, fmt.Errorf("error reading world file for %s: %w", path, err)
	}
	if len(values) != 6 {
		return transform, fmt.Errorf("world file for %s has %d values, expected 6", path, len(values))
	}

	pw, ry, rx, ph, cx, cy := values[0], values[1], values[2], values[3], values[4], values[5]
	transform = [6]float64{cx - pw/2 - rx/2, pw, rx, cy - ry/2 - ph/2, ry, ph}
	return transform, nil
}

func writeProjectionFile(path, crs string) error {
	if crs == "" {
		return nil
	}
	if err := os.WriteFile(ProjectionFilePath(path), []byte(crs+"\n"), 0644); err != nil {
		return fmt.Errorf("error writing projection file for %s: %w", path, err)
	}
	return nil
}
