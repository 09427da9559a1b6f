package vision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

type handlerFixture struct {
	handler *Handler
	router  *chi.Mux
	cell    *Broadcast
	logs    *LogStore
	healthy bool
}

func newHandlerFixture(t *testing.T, det Detector) *handlerFixture {
	t.Helper()
	f := &handlerFixture{cell: NewBroadcast(), logs: NewLogStore(10), healthy: true}
	svc := NewService(det, fakeAnnotator{}, f.cell, f.logs, NewThrottle(30, 10))
	f.handler = NewHandler(svc, func() bool { return f.healthy }, testLogger(), nil)

	r := chi.NewRouter()
	r.Get("/", f.handler.Root)
	r.Post("/detect_image", f.handler.DetectImage)
	r.Post("/detect_json", f.handler.DetectJSON)
	r.Get("/stream", f.handler.Stream)
	r.Get("/ws", f.handler.StreamWS)
	r.Get("/logs", f.handler.Logs)
	r.Get("/healthz", f.handler.Health)
	f.router = r
	return f
}

func multipartImage(t *testing.T, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func TestHandler_DetectJSON(t *testing.T) {
	det := &fakeDetector{detections: []Detection{
		{Label: "person", Confidence: 0.9},
		{Label: "person", Confidence: 0.8},
		{Label: "dog", Confidence: 0.3},
	}}
	f := newHandlerFixture(t, det)

	body, contentType := multipartImage(t, "street.jpg", []byte("jpeg"))
	req := httptest.NewRequest(http.MethodPost, "/detect_json?conf=0.5", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	var resp struct {
		Filename     string         `json:"filename"`
		TotalObjects int            `json:"total_objects"`
		Breakdown    map[string]int `json:"breakdown"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Filename != "street.jpg" || resp.TotalObjects != 2 || resp.Breakdown["person"] != 2 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestHandler_DetectImage(t *testing.T) {
	det := &fakeDetector{detections: []Detection{{Label: "car", Confidence: 0.9}}}
	f := newHandlerFixture(t, det)

	body, contentType := multipartImage(t, "road.jpg", []byte("jpeg"))
	req := httptest.NewRequest(http.MethodPost, "/detect_image", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "image/jpeg" {
		t.Errorf("expected image/jpeg, got %s", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), []byte("annotated:jpeg")) {
		t.Errorf("unexpected body: %q", rec.Body.Bytes())
	}
}

func TestHandler_detectBadRequests(t *testing.T) {
	f := newHandlerFixture(t, &fakeDetector{})

	t.Run("conf_out_of_range", func(t *testing.T) {
		body, contentType := multipartImage(t, "a.jpg", []byte("jpeg"))
		req := httptest.NewRequest(http.MethodPost, "/detect_json?conf=1.5", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("conf_not_a_number", func(t *testing.T) {
		body, contentType := multipartImage(t, "a.jpg", []byte("jpeg"))
		req := httptest.NewRequest(http.MethodPost, "/detect_json?conf=high", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("missing_file_field", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/detect_json", strings.NewReader("not multipart"))
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

func TestHandler_detectMalformedImage(t *testing.T) {
	det := &fakeDetector{err: fmt.Errorf("decode: %w", ErrMalformedImage)}
	f := newHandlerFixture(t, det)

	body, contentType := multipartImage(t, "junk.bin", []byte{0x00, 0x01})
	req := httptest.NewRequest(http.MethodPost, "/detect_image", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed image, got %d", rec.Code)
	}
}

func TestHandler_Logs(t *testing.T) {
	det := &fakeDetector{detections: []Detection{{Label: "cat", Confidence: 0.9}}}
	f := newHandlerFixture(t, det)
	f.logs.Append(NewDetectionSummary("old.jpg", []Detection{{Label: "dog"}}, time.Unix(1, 0)))
	f.logs.Append(NewDetectionSummary("new.jpg", []Detection{{Label: "cat"}}, time.Unix(2, 0)))

	req := httptest.NewRequest(http.MethodGet, "/logs?n=1", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var entries []DetectionSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(entries) != 1 || entries[0].Source != "new.jpg" {
		t.Errorf("expected newest entry only, got %+v", entries)
	}

	t.Run("invalid_n", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/logs?n=-3", nil)
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

func TestHandler_StreamNotReady(t *testing.T) {
	f := newHandlerFixture(t, &fakeDetector{})

	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before first frame, got %d", rec.Code)
	}
}

// flushRecorder signals the first Flush so the test knows a complete MJPEG
// part has been written.
type flushRecorder struct {
	*httptest.ResponseRecorder
	once    sync.Once
	flushed chan struct{}
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{ResponseRecorder: httptest.NewRecorder(), flushed: make(chan struct{})}
}

func (f *flushRecorder) Flush() {
	f.ResponseRecorder.Flush()
	f.once.Do(func() { close(f.flushed) })
}

func TestHandler_StreamDeliversFrames(t *testing.T) {
	f := newHandlerFixture(t, &fakeDetector{})
	f.cell.Publish([]byte("jpeg-frame-1"))

	rec := newFlushRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stream", nil)

	done := make(chan struct{})
	go func() {
		f.handler.Stream(rec, req)
		close(done)
	}()

	select {
	case <-rec.flushed:
	case <-time.After(time.Second):
		t.Fatal("no frame flushed to subscriber")
	}
	f.cell.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not stop after broadcast close")
	}

	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "multipart/x-mixed-replace") {
		t.Errorf("unexpected content type: %s", got)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "--frame") || !strings.Contains(body, "jpeg-frame-1") {
		t.Errorf("expected one MJPEG part in body, got %q", body)
	}
}

func TestHandler_WebSocketDeliversFrames(t *testing.T) {
	f := newHandlerFixture(t, &fakeDetector{})
	f.cell.Publish([]byte("jpeg-frame-1"))

	server := httptest.NewServer(f.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	kind, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.BinaryMessage || !bytes.Equal(msg, []byte("jpeg-frame-1")) {
		t.Errorf("got kind=%d msg=%q", kind, msg)
	}

	// Release the handler goroutine blocked on the next frame.
	f.cell.Close()
}

func TestHandler_Health(t *testing.T) {
	f := newHandlerFixture(t, &fakeDetector{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 while healthy, got %d", rec.Code)
	}

	f.healthy = false
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when degraded, got %d", rec.Code)
	}
}

func TestHandler_Root(t *testing.T) {
	f := newHandlerFixture(t, &fakeDetector{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "/detect_image") {
		t.Errorf("banner should list endpoints: %s", rec.Body)
	}
}
