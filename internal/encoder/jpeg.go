package encoder

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
)

const defaultJPEGQuality = 55

type softwareJPEG struct{}

func newSoftwareJPEG() *softwareJPEG {
	return &softwareJPEG{}
}

func (softwareJPEG) Name() string {
	return "jpeg-software"
}

func (softwareJPEG) Capability() Capability {
	return Capability{
		Name:           "jpeg-software",
		Codec:          "jpeg",
		Hardware:       false,
		DefaultQuality: defaultJPEGQuality,
		Description:    "CPU JPEG codec",
	}
}

func (e *softwareJPEG) Encode(req Request) ([]byte, error) {
	if req.Frame == nil {
		return nil, fmt.Errorf("encoder(%s): nil frame", e.Name())
	}
	if req.Rect.Empty() {
		return nil, fmt.Errorf("encoder(%s): empty rect", e.Name())
	}
	if !req.Rect.In(req.Frame.Rect) {
		return nil, fmt.Errorf("encoder(%s): rect %v outside frame %v", e.Name(), req.Rect, req.Frame.Rect)
	}
	quality := req.Quality
	if quality <= 0 {
		quality = defaultJPEGQuality
	}
	var out bytes.Buffer
	if err := jpeg.Encode(&out, extractRect(req.Frame, req.Rect), &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encoder(%s): jpeg encode failed: %w", e.Name(), err)
	}
	return out.Bytes(), nil
}

func (e *softwareJPEG) Decode(data []byte) (image.Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("encoder(%s): jpeg decode failed: %w", e.Name(), err)
	}
	return img, nil
}

// extractRect copies the rect region out of frame into a tight buffer
// so the codec never touches pixels outside the block.
func extractRect(frame *image.RGBA, rect image.Rectangle) *image.RGBA {
	width := rect.Dx()
	height := rect.Dy()
	buf := make([]byte, width*height*4)
	bufPos := 0
	imgPos := frame.PixOffset(rect.Min.X, rect.Min.Y)
	for y := 0; y < height; y++ {
		copy(buf[bufPos:bufPos+width*4], frame.Pix[imgPos:imgPos+width*4])
		bufPos += width * 4
		imgPos += frame.Stride
	}
	return &image.RGBA{
		Pix:    buf,
		Stride: width * 4,
		Rect:   image.Rect(0, 0, width, height),
	}
}
