package vision

import (
	"fmt"
	"time"
)

// Service is the facade the request layer calls into. One-shot detections
// run synchronously and bypass the throttle (bounded, user-initiated work);
// stream reads only ever touch the broadcast cell and never trigger
// inference or extra source reads.
type Service struct {
	detector  Detector
	annotator Annotator
	cell      *Broadcast
	logs      *LogStore
	throttle  *Throttle
}

// NewService wires the facade over the shared core state.
func NewService(detector Detector, annotator Annotator, cell *Broadcast, logs *LogStore, throttle *Throttle) *Service {
	return &Service{
		detector:  detector,
		annotator: annotator,
		cell:      cell,
		logs:      logs,
		throttle:  throttle,
	}
}

// DetectOnImage runs detection on an uploaded image, draws the detections,
// and returns the annotated JPEG plus the logged summary. Upload failures
// are request-scoped: they never touch the broadcast cell or the throttle.
func (s *Service) DetectOnImage(img []byte, name string, conf float64) ([]byte, DetectionSummary, error) {
	detections, err := s.detector.Detect(img, conf)
	if err != nil {
		return nil, DetectionSummary{}, fmt.Errorf("detect on %s: %w", name, err)
	}

	annotated, err := s.annotator.Annotate(img, detections)
	if err != nil {
		return nil, DetectionSummary{}, fmt.Errorf("annotate %s: %w", name, err)
	}

	summary := NewDetectionSummary(name, detections, time.Now())
	s.logs.Append(summary)
	return annotated, summary, nil
}

// DetectJSON runs detection on an uploaded image and returns only the
// summary. Counts per label are identical to DetectOnImage for the same
// input and threshold; only the encoding of the response differs.
func (s *Service) DetectJSON(img []byte, name string, conf float64) (DetectionSummary, error) {
	detections, err := s.detector.Detect(img, conf)
	if err != nil {
		return DetectionSummary{}, fmt.Errorf("detect on %s: %w", name, err)
	}

	summary := NewDetectionSummary(name, detections, time.Now())
	s.logs.Append(summary)
	return summary, nil
}

// RecentLogs returns up to n detection summaries, newest first.
func (s *Service) RecentLogs(n int) []DetectionSummary {
	return s.logs.Recent(n)
}

// LatestFrame returns the most recently published frame and its sequence
// number. Sequence zero means the pipeline has not published yet.
func (s *Service) LatestFrame() ([]byte, uint64) {
	return s.cell.Latest()
}

// NextFrame blocks until a frame newer than after is published. ok is false
// once the broadcast has shut down.
func (s *Service) NextFrame(after uint64) (data []byte, seq uint64, ok bool) {
	return s.cell.Next(after)
}

// ThrottleStats exposes the rate controller's counters as queryable state.
func (s *Service) ThrottleStats() ThrottleStats {
	return s.throttle.Stats()
}
