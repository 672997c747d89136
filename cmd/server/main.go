package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"camstream/internal/admission"
	"camstream/internal/device"
	"camstream/internal/janitor"
	"camstream/internal/orchestrator"
	"camstream/internal/pipeline"
	"camstream/internal/platform/config"
	"camstream/internal/platform/logger"
	"camstream/internal/platform/metrics"
	"camstream/internal/process"
	"camstream/internal/resources"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	shutdownTimeout = 15 * time.Second
	encoderNice     = 10
)

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "5000")
	dataRoot := config.GetEnv("DATA_ROOT", "static")
	devDir := config.GetEnv("DEVICE_DIR", "/dev")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	supCfg := orchestrator.Config{
		StartGrace:       config.GetEnvDuration("START_GRACE", orchestrator.DefaultStartGrace),
		StopTimeout:      config.GetEnvDuration("STOP_TIMEOUT", orchestrator.DefaultStopTimeout),
		HealthInterval:   config.GetEnvDuration("HEALTH_INTERVAL", orchestrator.DefaultHealthInterval),
		StaleThreshold:   config.GetEnvInt("STALE_CHECKS", orchestrator.DefaultStaleThreshold),
		SegmentKeep:      config.GetEnvInt("SEGMENT_KEEP", janitor.DefaultKeep),
		MinSegmentBytes:  config.GetEnvInt64("MIN_SEGMENT_BYTES", janitor.DefaultMinSegmentBytes),
		FatalPatterns:    config.GetEnvList("FATAL_PATTERNS", ",", orchestrator.DefaultFatalPatterns),
		StartConcurrency: config.GetEnvInt("START_CONCURRENCY", orchestrator.DefaultStartConcurrency),
	}
	capture := pipeline.Capture{
		Format:          config.GetEnv("CAPTURE_FORMAT", pipeline.DefaultCapture.Format),
		Width:           config.GetEnvInt("CAPTURE_WIDTH", pipeline.DefaultCapture.Width),
		Height:          config.GetEnvInt("CAPTURE_HEIGHT", pipeline.DefaultCapture.Height),
		FrameRate:       config.GetEnvInt("CAPTURE_FRAMERATE", pipeline.DefaultCapture.FrameRate),
		ThreadQueueSize: pipeline.DefaultCapture.ThreadQueueSize,
	}

	log := logger.New(logLevel, logFormat)

	jan := janitor.New(janitor.Layout{Root: dataRoot}, log)
	if err := jan.EnsureRoots(); err != nil {
		log.Error("cannot create data directories", "data_root", dataRoot, "error", err)
		os.Exit(1)
	}

	met := metrics.New()
	probe := resources.NewSystemProvider(dataRoot)
	gate := admission.NewController(probe, log,
		config.GetEnvFloat("MAX_CPU_PERCENT", admission.DefaultMaxCPUPercent),
		config.GetEnvFloat("MAX_MEMORY_PERCENT", admission.DefaultMaxMemoryPercent))

	registry := orchestrator.NewRegistry()
	spawner := orchestrator.NewExecSpawner(process.NewSpawner(log, encoderNice),
		config.GetEnvBool("PIN_ENCODER_CPUS", true))
	sup := orchestrator.NewSupervisor(supCfg, orchestrator.Deps{
		Registry:   registry,
		Builder:    pipeline.NewBuilder(config.GetEnv("FFMPEG_BIN", pipeline.DefaultBinary), devDir, capture, jan),
		Filesystem: jan,
		Devices:    device.NewReclaimer(devDir, config.GetEnv("V4L2_CTL_BIN", device.DefaultControlBinary), log),
		Spawner:    spawner,
		Logger:     log,
		Metrics:    met,
	})
	h := orchestrator.NewHandler(sup, gate, probe, log, met)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActivePipelines(registry.Len()) }).ServeHTTP(w, r)
	})
	h.Routes(r)
	r.With(middleware.NoCache).Handle("/hls/*",
		http.StripPrefix("/hls/", http.FileServer(http.Dir(jan.Layout().HLSRoot()))))
	r.Handle("/recordings/*",
		http.StripPrefix("/recordings/", http.FileServer(http.Dir(jan.Layout().RecordingsDir()))))

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"data_root", dataRoot,
		"device_dir", devDir,
		"start_grace", supCfg.StartGrace.String(),
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, stopping pipelines")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	if err := sup.Shutdown(ctx); err != nil {
		log.Error("pipeline shutdown incomplete", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
