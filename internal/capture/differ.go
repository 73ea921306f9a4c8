package capture

import "image"

// ChangedTiles reports which grid tiles differ between the current and
// previous frame. A tile counts as changed when its summed absolute
// RGB difference exceeds threshold × tile area. Both frames must share
// dimensions; callers force a keyframe instead when they do not.
func ChangedTiles(cur, prev *image.RGBA, grid []image.Rectangle, threshold int) []image.Rectangle {
	changed := make([]image.Rectangle, 0, len(grid)/4+1)
	for _, rect := range grid {
		if tileChanged(cur, prev, rect, threshold) {
			changed = append(changed, rect)
		}
	}
	return changed
}

func tileChanged(cur, prev *image.RGBA, rect image.Rectangle, threshold int) bool {
	limit := threshold * rect.Dx() * rect.Dy()
	sum := 0
	width := rect.Dx() * 4
	curPos := cur.PixOffset(rect.Min.X, rect.Min.Y)
	prevPos := prev.PixOffset(rect.Min.X, rect.Min.Y)
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		curRow := cur.Pix[curPos : curPos+width]
		prevRow := prev.Pix[prevPos : prevPos+width]
		for x := 0; x < width; x += 4 {
			sum += absDiff(curRow[x], prevRow[x])
			sum += absDiff(curRow[x+1], prevRow[x+1])
			sum += absDiff(curRow[x+2], prevRow[x+2])
			if sum > limit {
				return true
			}
		}
		curPos += cur.Stride
		prevPos += prev.Stride
	}
	return false
}

func absDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}
