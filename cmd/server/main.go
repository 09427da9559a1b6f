package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"detection-service/internal/platform/config"
	"detection-service/internal/platform/logger"
	"detection-service/internal/platform/metrics"
	"detection-service/internal/vision"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	targetFPS := config.GetEnvFloat("TARGET_FPS", 30)
	confidence := config.GetEnvFloat("CONFIDENCE_THRESHOLD", vision.DefaultConfidence)
	maxLogEntries := config.GetEnvInt("MAX_LOG_ENTRIES", vision.DefaultLogCapacity)
	costWindow := config.GetEnvInt("COST_WINDOW", vision.DefaultCostWindow)
	modelPath := config.GetEnv("MODEL_PATH", "models/frozen_inference_graph.pb")
	modelConfigPath := config.GetEnv("MODEL_CONFIG_PATH", "models/ssd_mobilenet_v1_coco_2017_11_17.pbtxt")
	videoSource := config.GetEnv("VIDEO_SOURCE", "0")
	sourceLoop := config.GetEnvBool("SOURCE_LOOP", true)
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(logLevel, logFormat)

	detector, err := vision.NewNetDetector(modelPath, modelConfigPath)
	if err != nil {
		log.Error("failed to load detection model", "error", err)
		os.Exit(1)
	}
	defer detector.Close()

	srcCfg := vision.DefaultSourceConfig(videoSource)
	srcCfg.Loop = sourceLoop
	source, err := vision.NewVideoSource(srcCfg, log)
	if err != nil {
		log.Error("failed to open video source", "source", videoSource, "error", err)
		os.Exit(1)
	}
	defer source.Close()

	throttle := vision.NewThrottle(targetFPS, costWindow)
	cell := vision.NewBroadcast()
	logs := vision.NewLogStore(maxLogEntries)
	annotator := vision.NewJPEGAnnotator()
	met := metrics.New()

	pipe := vision.NewPipeline(vision.PipelineConfig{
		Source:     source,
		Detector:   detector,
		Annotator:  annotator,
		Throttle:   throttle,
		Broadcast:  cell,
		Logs:       logs,
		Confidence: confidence,
		SourceName: videoSource,
	}, log, met)

	svc := vision.NewService(detector, annotator, cell, logs, throttle)
	h := vision.NewHandler(svc, pipe.Healthy, log, met)

	pipeCtx, stopPipe := context.WithCancel(context.Background())
	defer stopPipe()
	go func() {
		if err := pipe.Run(pipeCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("capture pipeline stopped", "error", err)
		}
	}()

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", met.Handler(nil).ServeHTTP)
	r.Get("/", h.Root)
	r.Post("/detect_image", h.DetectImage)
	r.Post("/detect_json", h.DetectJSON)
	r.Get("/stream", h.Stream)
	r.Get("/ws", h.StreamWS)
	r.Get("/logs", h.Logs)
	r.Get("/healthz", h.Health)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"video_source", videoSource,
		"target_fps", targetFPS,
		"confidence_threshold", confidence,
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")
	stopPipe()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
