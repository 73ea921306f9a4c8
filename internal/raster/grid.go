package raster

import (
	"image"

	xdraw "golang.org/x/image/draw"
)

// Grid partitions bounds into tiles of at most tile×tile pixels in
// row-major order. Tiles in the last column or row shrink to fit when
// the dimensions are not tile multiples.
func Grid(bounds image.Rectangle, tile int) []image.Rectangle {
	cols := (bounds.Dx() + tile - 1) / tile
	rows := (bounds.Dy() + tile - 1) / tile
	rects := make([]image.Rectangle, 0, cols*rows)
	for y := bounds.Min.Y; y < bounds.Max.Y; y += tile {
		for x := bounds.Min.X; x < bounds.Max.X; x += tile {
			maxX := x + tile
			maxY := y + tile
			if maxX > bounds.Max.X {
				maxX = bounds.Max.X
			}
			if maxY > bounds.Max.Y {
				maxY = bounds.Max.Y
			}
			rects = append(rects, image.Rect(x, y, maxX, maxY))
		}
	}
	return rects
}

// FitWithin shrinks (width, height) proportionally so both sides fit the
// given maxima. Frames already inside the limits keep their size.
func FitWithin(width, height, maxWidth, maxHeight int) (int, int) {
	if width <= maxWidth && height <= maxHeight {
		return width, height
	}
	scaled := func(n int, num, den int) int {
		v := n * num / den
		if v < 1 {
			v = 1
		}
		return v
	}
	if width*maxHeight > height*maxWidth {
		return maxWidth, scaled(height, maxWidth, width)
	}
	return scaled(width, maxHeight, height), maxHeight
}

// Scale resizes src to fit within the given maxima, preserving aspect
// ratio. Frames already within the limits are returned untouched.
func Scale(src *image.RGBA, maxWidth, maxHeight int) *image.RGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	fw, fh := FitWithin(w, h, maxWidth, maxHeight)
	if fw == w && fh == h {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, fw, fh))
	xdraw.ApproxBiLinear.Scale(dst, dst.Rect, src, src.Rect, xdraw.Src, nil)
	return dst
}
