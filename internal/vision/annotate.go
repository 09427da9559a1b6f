package vision

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

// Annotator draws detection overlays on an encoded image and re-encodes it.
type Annotator interface {
	Annotate(img []byte, detections []Detection) ([]byte, error)
}

// JPEGAnnotator draws a rectangle and "label (confidence)" caption per
// detection and re-encodes the result as JPEG. It holds no mutable state.
type JPEGAnnotator struct {
	boxColor color.RGBA
}

// NewJPEGAnnotator returns an annotator drawing green boxes.
func NewJPEGAnnotator() *JPEGAnnotator {
	return &JPEGAnnotator{boxColor: color.RGBA{R: 0, G: 255, B: 0, A: 0}}
}

// Annotate draws the detections onto img. An empty detection list returns
// the input bytes unchanged, so annotating with no detections is a no-op at
// the pixel level (no decode/re-encode round trip).
func (a *JPEGAnnotator) Annotate(img []byte, detections []Detection) ([]byte, error) {
	if len(detections) == 0 {
		return img, nil
	}

	mat, err := gocv.IMDecode(img, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedImage, err)
	}
	defer mat.Close()

	for _, d := range detections {
		rect := image.Rect(d.XMin, d.YMin, d.XMax, d.YMax)
		if err := gocv.Rectangle(&mat, rect, a.boxColor, 2); err != nil {
			return nil, fmt.Errorf("draw rectangle: %w", err)
		}
		caption := fmt.Sprintf("%s (%.2f)", d.Label, d.Confidence)
		pt := image.Pt(d.XMin, d.YMin-5)
		if err := gocv.PutText(&mat, caption, pt, gocv.FontHersheySimplex, 0.5, a.boxColor, 1); err != nil {
			return nil, fmt.Errorf("draw label: %w", err)
		}
	}

	buf, err := gocv.IMEncode(".jpg", mat)
	if err != nil {
		return nil, fmt.Errorf("encode annotated frame: %w", err)
	}
	defer buf.Close()

	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out, nil
}
