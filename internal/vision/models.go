package vision

import (
	"errors"
	"time"
)

// Frame is one captured frame from the video source, already encoded as JPEG.
// A Frame is owned by the capture loop until it is published; published data
// is never mutated, only replaced wholesale.
type Frame struct {
	Seq        uint64
	CapturedAt time.Time
	Data       []byte
}

// Detection is a single detected object in pixel coordinates.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	XMin       int     `json:"x_min"`
	YMin       int     `json:"y_min"`
	XMax       int     `json:"x_max"`
	YMax       int     `json:"y_max"`
}

// DetectionSummary is the unit persisted to the log store: aggregate
// per-label counts for one processed image or frame. Immutable after creation.
type DetectionSummary struct {
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Counts    map[string]int `json:"counts"`
	Total     int            `json:"total"`
}

// NewDetectionSummary aggregates detections into per-label counts.
func NewDetectionSummary(source string, detections []Detection, at time.Time) DetectionSummary {
	counts := make(map[string]int, len(detections))
	for _, d := range detections {
		counts[d.Label]++
	}
	return DetectionSummary{
		Timestamp: at.UTC(),
		Source:    source,
		Counts:    counts,
		Total:     len(detections),
	}
}

var (
	// ErrEndOfStream is returned by a finite source that has been exhausted
	// and is not configured to loop.
	ErrEndOfStream = errors.New("end of stream")

	// ErrSourceUnavailable is returned when the video source cannot be opened
	// or reconnected within the bounded retry limit. Fatal to the capture
	// loop; surfaced as degraded health, never as a process crash.
	ErrSourceUnavailable = errors.New("video source unavailable")

	// ErrMalformedImage is returned when image bytes cannot be decoded into
	// a usable raster (corrupt upload, zero dimensions).
	ErrMalformedImage = errors.New("malformed image")
)
