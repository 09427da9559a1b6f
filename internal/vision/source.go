package vision

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"gocv.io/x/gocv"
)

// Source is a pull-based sequence of frames. Next blocks until a frame is
// available and returns ErrEndOfStream when a finite, non-looping source is
// exhausted, or ErrSourceUnavailable after bounded reconnection fails.
type Source interface {
	Next() (Frame, error)
	Close() error
}

// SourceConfig describes where frames come from and how failures are handled.
type SourceConfig struct {
	// Descriptor is a local file path, a direct stream URL (rtsp/http), or a
	// video-platform page URL that needs resolution to a direct media URL.
	Descriptor string

	// Loop rewinds a finite source to the start on exhaustion instead of
	// returning ErrEndOfStream. Continuous demo mode.
	Loop bool

	// Bounded reconnection for transient read failures on network sources.
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// DefaultSourceConfig returns a looping config with 5 reconnect attempts and
// exponential backoff from 1s capped at 30s.
func DefaultSourceConfig(descriptor string) SourceConfig {
	return SourceConfig{
		Descriptor:    descriptor,
		Loop:          true,
		MaxRetries:    5,
		RetryDelay:    time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// VideoSource reads frames from a file or network stream through OpenCV and
// hands them out as JPEG-encoded Frames.
type VideoSource struct {
	cfg      SourceConfig
	resolved string
	isFile   bool
	capture  *gocv.VideoCapture
	seq      uint64
	log      *slog.Logger
}

// NewVideoSource resolves the configured descriptor once, opens the capture,
// and returns a ready source. Resolution of platform URLs happens here only;
// the capture loop never branches on source kind.
func NewVideoSource(cfg SourceConfig, log *slog.Logger) (*VideoSource, error) {
	s := &VideoSource{cfg: cfg, log: log}

	if _, err := os.Stat(cfg.Descriptor); err == nil {
		s.resolved = cfg.Descriptor
		s.isFile = true
	} else {
		s.resolved = resolveStreamURL(cfg.Descriptor, log)
	}

	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

// open attempts to open the capture with bounded exponential backoff.
func (s *VideoSource) open() error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		capture, err := gocv.OpenVideoCapture(s.resolved)
		if err == nil && capture.IsOpened() {
			s.capture = capture
			if attempt > 0 {
				s.log.Info("video source reconnected", "attempts", attempt)
			}
			return nil
		}
		if capture != nil {
			capture.Close()
		}
		if err == nil {
			err = fmt.Errorf("capture not opened")
		}
		lastErr = err

		if attempt >= s.cfg.MaxRetries {
			return fmt.Errorf("%w: %s after %d attempts: %v",
				ErrSourceUnavailable, s.cfg.Descriptor, attempt+1, lastErr)
		}

		delay := backoffDelay(attempt+1, s.cfg.RetryDelay, s.cfg.MaxRetryDelay)
		s.log.Warn("video source open failed, retrying",
			"attempt", attempt+1,
			"max_retries", s.cfg.MaxRetries,
			"delay", delay,
			"error", err,
		)
		time.Sleep(delay)
	}
}

// Next returns the next frame as JPEG bytes. File sources rewind on
// exhaustion when Loop is set; network sources reconnect with bounded
// backoff on read failure.
func (s *VideoSource) Next() (Frame, error) {
	mat := gocv.NewMat()
	defer mat.Close()

	for !s.capture.Read(&mat) || mat.Empty() {
		if s.isFile {
			if !s.cfg.Loop {
				return Frame{}, ErrEndOfStream
			}
			// Finite file exhausted: rewind and keep going.
			s.capture.Set(gocv.VideoCapturePosFrames, 0)
			continue
		}

		// Dropped network frame: reopen the connection.
		s.capture.Close()
		if err := s.open(); err != nil {
			return Frame{}, err
		}
	}

	buf, err := gocv.IMEncode(".jpg", mat)
	if err != nil {
		return Frame{}, fmt.Errorf("encode captured frame: %w", err)
	}
	defer buf.Close()

	data := make([]byte, len(buf.GetBytes()))
	copy(data, buf.GetBytes())

	s.seq++
	return Frame{Seq: s.seq, CapturedAt: time.Now(), Data: data}, nil
}

// Close releases the underlying capture.
func (s *VideoSource) Close() error {
	if s.capture == nil {
		return nil
	}
	return s.capture.Close()
}

// resolveStreamURL turns a video-platform page URL into a direct media URL
// with a one-shot yt-dlp invocation. Anything that is not a known platform
// URL, or any resolution failure, falls back to the descriptor unchanged.
func resolveStreamURL(descriptor string, log *slog.Logger) string {
	u, err := url.Parse(descriptor)
	if err != nil {
		return descriptor
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	if host != "youtube.com" && host != "youtu.be" {
		return descriptor
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "yt-dlp", "-g", "-f", "best", descriptor).Output()
	if err != nil {
		log.Warn("platform URL resolution failed, using raw URL", "url", descriptor, "error", err)
		return descriptor
	}

	resolved := strings.TrimSpace(string(out))
	if resolved == "" {
		return descriptor
	}
	log.Info("resolved platform URL", "url", descriptor)
	return resolved
}

// backoffDelay returns retryDelay * 2^(attempt-1), capped at maxDelay.
func backoffDelay(attempt int, retryDelay, maxDelay time.Duration) time.Duration {
	delay := retryDelay * time.Duration(1<<uint(attempt-1))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return delay
}
