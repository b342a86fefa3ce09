package fusion

// dilate grows mask by a size x size square centered on each pixel. The square is
// separable, so it is applied as a horizontal pass followed by a vertical pass.
func dilate(mask []bool, height, width, size int) []bool {
	r := size / 2

	horizontal := make([]bool, len(mask))
	for y := 0; y < height; y++ {
		row := mask[y*width : (y+1)*width]
		for x := 0; x < width; x++ {
			for dx := max(0, x-r); dx <= min(width-1, x+r); dx++ {
				if row[dx] {
					horizontal[y*width+x] = true
					break
				}
			}
		}
	}

	out := make([]bool, len(mask))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			for dy := max(0, y-r); dy <= min(height-1, y+r); dy++ {
				if horizontal[dy*width+x] {
					out[y*width+x] = true
					break
				}
			}
		}
	}
	return out
}
