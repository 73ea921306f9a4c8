package capture

import (
	"image"
	"testing"

	"github.com/Acbn-Nick/webmumble/internal/raster"
)

func flatFrame(w, h int, r, g, b uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = r
		img.Pix[i+1] = g
		img.Pix[i+2] = b
		img.Pix[i+3] = 255
	}
	return img
}

func paintRect(img *image.RGBA, rect image.Rectangle, r, g, b uint8) {
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		pos := img.PixOffset(rect.Min.X, y)
		for x := 0; x < rect.Dx(); x++ {
			img.Pix[pos] = r
			img.Pix[pos+1] = g
			img.Pix[pos+2] = b
			img.Pix[pos+3] = 255
			pos += 4
		}
	}
}

func TestChangedTilesIdenticalFrames(t *testing.T) {
	cur := flatFrame(96, 64, 40, 40, 40)
	prev := flatFrame(96, 64, 40, 40, 40)
	grid := raster.Grid(cur.Rect, 32)
	if changed := ChangedTiles(cur, prev, grid, DefaultDiffThreshold); len(changed) != 0 {
		t.Fatalf("identical frames reported %d changed tiles", len(changed))
	}
}

func TestChangedTilesSingleTile(t *testing.T) {
	prev := flatFrame(96, 64, 40, 40, 40)
	cur := flatFrame(96, 64, 40, 40, 40)
	paintRect(cur, image.Rect(32, 32, 64, 64), 240, 40, 40)
	grid := raster.Grid(cur.Rect, 32)
	changed := ChangedTiles(cur, prev, grid, DefaultDiffThreshold)
	if len(changed) != 1 {
		t.Fatalf("got %d changed tiles, want 1", len(changed))
	}
	if changed[0] != image.Rect(32, 32, 64, 64) {
		t.Fatalf("changed tile = %v", changed[0])
	}
}

func TestChangedTilesThresholdBoundary(t *testing.T) {
	// A uniform shift of exactly the threshold sums to threshold ×
	// area, which must not classify as changed; one unit more must.
	prev := flatFrame(32, 32, 100, 100, 100)
	atLimit := flatFrame(32, 32, 110, 100, 100)
	grid := raster.Grid(prev.Rect, 32)
	if changed := ChangedTiles(atLimit, prev, grid, DefaultDiffThreshold); len(changed) != 0 {
		t.Fatal("sum equal to threshold×area classified as changed")
	}
	overLimit := flatFrame(32, 32, 111, 100, 100)
	if changed := ChangedTiles(overLimit, prev, grid, DefaultDiffThreshold); len(changed) != 1 {
		t.Fatal("sum above threshold×area not classified as changed")
	}
}

func TestChangedTilesEdgeTile(t *testing.T) {
	// 70x40 leaves a 6x8 corner tile; a change there must still be
	// caught and reported with the shrunken rect.
	prev := flatFrame(70, 40, 10, 10, 10)
	cur := flatFrame(70, 40, 10, 10, 10)
	paintRect(cur, image.Rect(64, 32, 70, 40), 250, 250, 250)
	grid := raster.Grid(cur.Rect, 32)
	changed := ChangedTiles(cur, prev, grid, DefaultDiffThreshold)
	if len(changed) != 1 || changed[0] != image.Rect(64, 32, 70, 40) {
		t.Fatalf("edge tile change missed: %v", changed)
	}
}

func TestChangedTilesSumsOverPartialCoverage(t *testing.T) {
	// The classifier sums over the whole tile, so a strong change in
	// half the tile outweighs the untouched other half.
	prev := flatFrame(32, 32, 100, 100, 100)
	cur := flatFrame(32, 32, 100, 100, 100)
	paintRect(cur, image.Rect(0, 0, 32, 16), 125, 100, 100)
	grid := raster.Grid(prev.Rect, 32)
	if changed := ChangedTiles(cur, prev, grid, DefaultDiffThreshold); len(changed) != 1 {
		t.Fatal("half-tile change summing above the limit not detected")
	}
	// The same change confined to a quarter of the tile stays below
	// threshold × area and must not classify.
	quiet := flatFrame(32, 32, 100, 100, 100)
	paintRect(quiet, image.Rect(0, 0, 16, 16), 125, 100, 100)
	if changed := ChangedTiles(quiet, prev, grid, DefaultDiffThreshold); len(changed) != 0 {
		t.Fatal("quarter-tile change below the limit classified as changed")
	}
}
