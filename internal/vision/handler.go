package vision

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"detection-service/internal/platform/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultConfidence is the detection threshold used when the request does
// not supply a conf parameter.
const DefaultConfidence = 0.25

// maxUploadBytes caps one-shot image uploads at 16 MiB.
const maxUploadBytes = 16 << 20

const mjpegBoundary = "frame"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler exposes the detection service HTTP endpoints using go-chi.
type Handler struct {
	svc     *Service
	healthy func() bool
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler over the given Service. healthy reports
// pipeline liveness for /healthz; Metrics may be nil (e.g. in tests).
func NewHandler(svc *Service, healthy func() bool, log *slog.Logger, m *metrics.Metrics) *Handler {
	if healthy == nil {
		healthy = func() bool { return true }
	}
	return &Handler{svc: svc, healthy: healthy, log: log, metrics: m}
}

// Root handles GET / with a service banner listing the endpoints.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "Object Detection Service is Running!",
		"monitoring": "/metrics",
		"endpoints": map[string]string{
			"/detect_image": "Returns image with bounding boxes",
			"/detect_json":  "Returns JSON with object counts",
			"/stream":       "MJPEG live stream with detections",
			"/ws":           "WebSocket live stream (binary JPEG frames)",
			"/logs":         "Recent detection summaries",
		},
	})
}

// DetectImage handles POST /detect_image: multipart "file" upload, optional
// conf query. Responds with the annotated JPEG.
func (h *Handler) DetectImage(w http.ResponseWriter, r *http.Request) {
	conf, err := confidenceParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	img, name, err := readUpload(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	annotated, summary, err := h.svc.DetectOnImage(img, name, conf)
	if err != nil {
		h.writeDetectError(w, name, err)
		return
	}

	h.log.Debug("image detection served",
		slog.String("filename", name),
		slog.Int("objects", summary.Total))
	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	w.Write(annotated)
}

// DetectJSON handles POST /detect_json: same input as DetectImage, but the
// response is the per-label breakdown instead of pixels.
func (h *Handler) DetectJSON(w http.ResponseWriter, r *http.Request) {
	conf, err := confidenceParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	img, name, err := readUpload(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	summary, err := h.svc.DetectJSON(img, name, conf)
	if err != nil {
		h.writeDetectError(w, name, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"filename":      name,
		"total_objects": summary.Total,
		"breakdown":     summary.Counts,
	})
}

// Stream handles GET /stream: an MJPEG multiplex of the broadcast cell.
// Each subscriber paces itself over the same published sequence; connecting
// never triggers inference or additional source reads.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	if _, seq := h.svc.LatestFrame(); seq == 0 {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	subscriber := uuid.NewString()
	h.log.Info("stream subscriber connected", slog.String("subscriber", subscriber))
	if h.metrics != nil {
		h.metrics.SubscriberConnected()
		defer h.metrics.SubscriberDisconnected()
	}
	defer h.log.Info("stream subscriber disconnected", slog.String("subscriber", subscriber))

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.WriteHeader(http.StatusOK)

	var last uint64
	for {
		select {
		case <-r.Context().Done():
			return
		default:
		}

		frame, seq, ok := h.svc.NextFrame(last)
		if !ok {
			return
		}
		last = seq

		if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(frame)); err != nil {
			return
		}
		if _, err := w.Write(frame); err != nil {
			return
		}
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return
		}
		flusher.Flush()
	}
}

// StreamWS handles GET /ws: each newly published frame is pushed to the
// client as one binary WebSocket message.
func (h *Handler) StreamWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	subscriber := uuid.NewString()
	h.log.Info("websocket subscriber connected", slog.String("subscriber", subscriber))
	if h.metrics != nil {
		h.metrics.SubscriberConnected()
		defer h.metrics.SubscriberDisconnected()
	}
	defer h.log.Info("websocket subscriber disconnected", slog.String("subscriber", subscriber))

	var last uint64
	for {
		frame, seq, ok := h.svc.NextFrame(last)
		if !ok {
			return
		}
		last = seq

		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return
		}
	}
}

// Logs handles GET /logs?n=: newest-first detection summaries.
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	n := 20
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			http.Error(w, "n must be a non-negative integer", http.StatusBadRequest)
			return
		}
		n = v
	}
	writeJSON(w, http.StatusOK, h.svc.RecentLogs(n))
}

// Health handles GET /healthz: 200 while the capture loop is live,
// 503 once the source is exhausted or unavailable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if !h.healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeDetectError maps detection failures onto request-scoped statuses.
func (h *Handler) writeDetectError(w http.ResponseWriter, name string, err error) {
	if errors.Is(err, ErrMalformedImage) {
		h.log.Debug("rejected malformed upload",
			slog.String("filename", name),
			slog.String("error", err.Error()))
		http.Error(w, "malformed image", http.StatusBadRequest)
		return
	}
	h.log.Error("upload detection failed",
		slog.String("filename", name),
		slog.String("error", err.Error()))
	http.Error(w, "detection failed", http.StatusInternalServerError)
}

// confidenceParam parses the conf query value, defaulting to
// DefaultConfidence. Values outside [0, 1] are rejected.
func confidenceParam(r *http.Request) (float64, error) {
	raw := r.URL.Query().Get("conf")
	if raw == "" {
		return DefaultConfidence, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v > 1 {
		return 0, fmt.Errorf("conf must be a number in [0.0, 1.0]")
	}
	return v, nil
}

// readUpload extracts the multipart "file" field and its filename.
func readUpload(r *http.Request) ([]byte, string, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", fmt.Errorf("missing file upload: %w", err)
	}
	defer file.Close()

	img, err := io.ReadAll(file)
	if err != nil {
		return nil, "", fmt.Errorf("read upload: %w", err)
	}
	return img, header.Filename, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
