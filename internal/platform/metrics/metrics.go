package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters, gauges, and histograms for the
// detection service. The core records values; exposition happens at the
// /metrics route owned by main.
type Metrics struct {
	registry             *prometheus.Registry
	requestsTotal        prometheus.Counter
	errorsTotal          prometheus.Counter
	framesAdmittedTotal  prometheus.Counter
	framesSkippedTotal   prometheus.Counter
	inferenceErrorsTotal prometheus.Counter
	inferenceDuration    prometheus.Histogram
	detectionsTotal      *prometheus.CounterVec
	streamSubscribers    prometheus.Gauge
}

// New creates and registers Prometheus metrics for the detection service.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "detection_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "detection_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	framesAdmittedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "detection_frames_admitted_total",
		Help: "Captured frames admitted to inference by the throttle",
	})
	framesSkippedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "detection_frames_skipped_total",
		Help: "Captured frames skipped by the throttle and rebroadcast as-is",
	})
	inferenceErrorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "detection_inference_errors_total",
		Help: "Inference calls that failed and were treated as zero detections",
	})
	inferenceDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "detection_inference_duration_seconds",
		Help:    "Wall-clock duration of successful inference calls",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	})
	detectionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detection_objects_total",
		Help: "Detected objects by class label",
	}, []string{"label"})
	streamSubscribers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "detection_stream_subscribers",
		Help: "Currently connected live-stream subscribers",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		framesAdmittedTotal,
		framesSkippedTotal,
		inferenceErrorsTotal,
		inferenceDuration,
		detectionsTotal,
		streamSubscribers,
	)

	return &Metrics{
		registry:             registry,
		requestsTotal:        requestsTotal,
		errorsTotal:          errorsTotal,
		framesAdmittedTotal:  framesAdmittedTotal,
		framesSkippedTotal:   framesSkippedTotal,
		inferenceErrorsTotal: inferenceErrorsTotal,
		inferenceDuration:    inferenceDuration,
		detectionsTotal:      detectionsTotal,
		streamSubscribers:    streamSubscribers,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the HTTP error counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncFrameAdmitted increments the admitted-frame counter.
func (m *Metrics) IncFrameAdmitted() {
	m.framesAdmittedTotal.Inc()
}

// IncFrameSkipped increments the skipped-frame counter.
func (m *Metrics) IncFrameSkipped() {
	m.framesSkippedTotal.Inc()
}

// IncInferenceErrors increments the failed-inference counter.
func (m *Metrics) IncInferenceErrors() {
	m.inferenceErrorsTotal.Inc()
}

// ObserveInferenceDuration records one successful inference duration in seconds.
func (m *Metrics) ObserveInferenceDuration(seconds float64) {
	m.inferenceDuration.Observe(seconds)
}

// IncDetections adds detected-object counts for a class label.
func (m *Metrics) IncDetections(label string, n int) {
	m.detectionsTotal.WithLabelValues(label).Add(float64(n))
}

// SubscriberConnected increments the live subscriber gauge.
func (m *Metrics) SubscriberConnected() {
	m.streamSubscribers.Inc()
}

// SubscriberDisconnected decrements the live subscriber gauge.
func (m *Metrics) SubscriberDisconnected() {
	m.streamSubscribers.Dec()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
