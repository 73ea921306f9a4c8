// Package raster holds the pixel-buffer primitives shared by the
// capture and playback pipelines: the durable decode surface, the tile
// grid partition and frame scaling.
package raster

import (
	"image"
	"image/draw"
)

// Surface is the durable decode target kept per remote streamer.
// Keyframes overwrite it wholesale, deltas patch individual tiles, and
// pixels outside changed tiles survive untouched between frames.
type Surface struct {
	img *image.RGBA
}

// NewSurface allocates a zeroed surface of the given dimensions.
func NewSurface(width, height int) *Surface {
	return &Surface{img: image.NewRGBA(image.Rect(0, 0, width, height))}
}

func (s *Surface) Width() int  { return s.img.Rect.Dx() }
func (s *Surface) Height() int { return s.img.Rect.Dy() }

// Matches reports whether the surface already has the given dimensions.
// A mismatch means the surface must be discarded and recreated.
func (s *Surface) Matches(width, height int) bool {
	return s != nil && s.Width() == width && s.Height() == height
}

// Replace overwrites the whole surface with src anchored at the origin.
func (s *Surface) Replace(src image.Image) {
	draw.Draw(s.img, s.img.Rect, src, src.Bounds().Min, draw.Src)
}

// Blit copies src onto the surface with its top-left corner at (x, y),
// fully replacing the covered region. Parts falling outside the surface
// are clipped.
func (s *Surface) Blit(src image.Image, x, y int) {
	b := src.Bounds()
	dst := image.Rect(x, y, x+b.Dx(), y+b.Dy()).Intersect(s.img.Rect)
	if dst.Empty() {
		return
	}
	draw.Draw(s.img, dst, src, b.Min, draw.Src)
}

// RGBA exposes the backing buffer. Callers that hand it to concurrent
// consumers must clone first.
func (s *Surface) RGBA() *image.RGBA { return s.img }

// Snapshot returns an independent copy of the current pixels.
func (s *Surface) Snapshot() *image.RGBA { return CloneRGBA(s.img) }

// CloneRGBA deep-copies an RGBA image so the original can keep mutating.
func CloneRGBA(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Rect)
	copy(dst.Pix, src.Pix)
	dst.Stride = src.Stride
	return dst
}
