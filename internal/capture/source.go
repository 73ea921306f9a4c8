package capture

import (
	"fmt"
	"image"

	"github.com/kbinani/screenshot"
)

// Source produces the pixels the encoder works on. Capture is called
// once per tick from the capture loop only.
type Source interface {
	Capture() (*image.RGBA, error)
}

// DisplayInfo describes one attached display for the status API.
type DisplayInfo struct {
	Index     int  `json:"index"`
	Width     int  `json:"width"`
	Height    int  `json:"height"`
	IsPrimary bool `json:"isPrimary"`
}

// Displays enumerates the attached displays.
func Displays() []DisplayInfo {
	total := screenshot.NumActiveDisplays()
	if total <= 0 {
		return nil
	}
	out := make([]DisplayInfo, 0, total)
	for i := 0; i < total; i++ {
		bounds := screenshot.GetDisplayBounds(i)
		out = append(out, DisplayInfo{
			Index:     i,
			Width:     bounds.Dx(),
			Height:    bounds.Dy(),
			IsPrimary: i == 0,
		})
	}
	return out
}

// ScreenSource captures one physical display. Bounds are re-read every
// capture so display-resolution changes flow through as a dimension
// change, which the encoder answers with a keyframe.
type ScreenSource struct {
	display int
}

// NewScreenSource validates the display index and returns a source
// for it.
func NewScreenSource(display int) (*ScreenSource, error) {
	total := screenshot.NumActiveDisplays()
	if total == 0 {
		return nil, fmt.Errorf("capture: no active displays detected")
	}
	if display < 0 || display >= total {
		return nil, fmt.Errorf("capture: invalid display index %d (max %d)", display, total-1)
	}
	return &ScreenSource{display: display}, nil
}

func (s *ScreenSource) Capture() (*image.RGBA, error) {
	bounds := screenshot.GetDisplayBounds(s.display)
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, fmt.Errorf("capture: display %d has zero bounds", s.display)
	}
	img, err := screenshot.CaptureRect(bounds)
	if err != nil {
		return nil, fmt.Errorf("capture: display %d: %w", s.display, err)
	}
	return img, nil
}
