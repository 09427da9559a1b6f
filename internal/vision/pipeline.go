package vision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"detection-service/internal/platform/metrics"
)

// PipelineConfig wires the capture loop's collaborators together.
type PipelineConfig struct {
	Source     Source
	Detector   Detector
	Annotator  Annotator
	Throttle   *Throttle
	Broadcast  *Broadcast
	Logs       *LogStore
	Confidence float64
	SourceName string
}

// Pipeline is the long-running capture->throttle->inference->annotate->publish
// loop. Exactly one goroutine runs it for the lifetime of the process;
// request handlers only ever read the broadcast cell and the log store.
type Pipeline struct {
	cfg     PipelineConfig
	log     *slog.Logger
	metrics *metrics.Metrics
	healthy atomic.Bool
}

// NewPipeline returns a pipeline over the given collaborators.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewPipeline(cfg PipelineConfig, log *slog.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{cfg: cfg, log: log, metrics: m}
}

// Healthy reports whether the capture loop is still producing frames.
// It turns false once the source is exhausted or unavailable.
func (p *Pipeline) Healthy() bool {
	return p.healthy.Load()
}

// Run drives the capture loop until ctx is cancelled or the source gives out.
// A failure inside a single iteration is logged and the loop moves to the
// next frame; only source exhaustion or cancellation stops the broadcast.
func (p *Pipeline) Run(ctx context.Context) error {
	p.healthy.Store(true)
	defer p.cfg.Broadcast.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := p.step(); err != nil {
			switch {
			case errors.Is(err, ErrEndOfStream):
				p.healthy.Store(false)
				p.log.Info("video source exhausted, capture loop stopping")
				return err
			case errors.Is(err, ErrSourceUnavailable):
				p.healthy.Store(false)
				p.log.Error("video source unavailable, capture loop stopping", "error", err)
				return err
			default:
				p.log.Error("frame iteration failed", "error", err)
			}
		}
	}
}

// step processes one captured frame. A panic inside one frame must never
// terminate the broadcast, so it is converted into an iteration error.
func (p *Pipeline) step() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("frame iteration panic: %v", r)
		}
	}()

	frame, err := p.cfg.Source.Next()
	if err != nil {
		return err
	}

	if !p.cfg.Throttle.Admit(frame.CapturedAt) {
		// Skipped frame: rebroadcast without inference so viewers keep moving.
		p.cfg.Broadcast.Publish(frame.Data)
		if p.metrics != nil {
			p.metrics.IncFrameSkipped()
		}
		return nil
	}
	if p.metrics != nil {
		p.metrics.IncFrameAdmitted()
	}

	start := time.Now()
	detections, derr := p.cfg.Detector.Detect(frame.Data, p.cfg.Confidence)
	if derr != nil {
		// Zero detections, and the cost window stays untouched: a failed
		// call carries no cost signal.
		p.log.Warn("inference failed, treating frame as zero detections",
			slog.Uint64("seq", frame.Seq),
			slog.String("error", derr.Error()))
		if p.metrics != nil {
			p.metrics.IncInferenceErrors()
		}
		p.cfg.Broadcast.Publish(frame.Data)
		return nil
	}
	cost := time.Since(start)
	p.cfg.Throttle.Observe(cost)
	if p.metrics != nil {
		p.metrics.ObserveInferenceDuration(cost.Seconds())
	}

	annotated, aerr := p.cfg.Annotator.Annotate(frame.Data, detections)
	if aerr != nil {
		p.log.Warn("annotation failed, publishing raw frame",
			slog.Uint64("seq", frame.Seq),
			slog.String("error", aerr.Error()))
		annotated = frame.Data
	}
	p.cfg.Broadcast.Publish(annotated)

	if len(detections) > 0 {
		summary := NewDetectionSummary(p.cfg.SourceName, detections, frame.CapturedAt)
		p.cfg.Logs.Append(summary)
		if p.metrics != nil {
			for label, n := range summary.Counts {
				p.metrics.IncDetections(label, n)
			}
		}
	}

	return nil
}
