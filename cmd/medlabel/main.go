package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"medlabel/internal/api"
	"medlabel/internal/auth"
	"medlabel/internal/config"
	"medlabel/internal/database"
	"medlabel/internal/detection"
	applog "medlabel/internal/logger"
	"medlabel/internal/pipeline"
	"medlabel/internal/pipeline/detectors"
	"medlabel/internal/services"
	"medlabel/internal/stream"
	"medlabel/internal/webhook"
	"medlabel/internal/ws"
)

func main() {
	// Flags override the listen addresses from the environment.
	var (
		httpAddrF = flag.String("http-addr", "", "HTTP listen address (overrides HTTP_ADDR)")
		grpcAddrF = flag.String("grpc-addr", "", "gRPC listen address (overrides GRPC_ADDR)")
		dbF       = flag.String("db", "", "SQLite database path (overrides DB_PATH)")
	)
	flag.Parse()

	var (
		logger *log.Logger
	)
	{
		logger = log.New(os.Stderr, "[medlabel] ", log.Ltime)
	}

	cfg := config.Load()
	if *httpAddrF != "" {
		cfg.HTTPAddr = *httpAddrF
	}
	if *grpcAddrF != "" {
		cfg.GRPCAddr = *grpcAddrF
	}
	if *dbF != "" {
		cfg.DBPath = *dbF
	}

	db, err := database.New(cfg.DBPath)
	if err != nil {
		logger.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		logger.Fatalf("failed to migrate database: %v", err)
	}

	lg := applog.New(os.Stderr, db)
	lg.Info(applog.SystemStartup, "medlabel starting (detector=%s, recognizer=%s)", cfg.DetectorMode, cfg.RecognizerMode)

	authenticator, err := auth.NewAuthenticator(cfg.Auth)
	if err != nil {
		lg.Critical(applog.ConfigInvalid, "invalid auth configuration: %v", err)
		os.Exit(1)
	}

	// Model backends, shared by all channels per (model, processor)
	artifacts := detection.NewArtifactStore(cfg.ArtifactDir)
	newDetector, err := detectorFactory(cfg)
	if err != nil {
		lg.Critical(applog.ConfigInvalid, "%v", err)
		os.Exit(1)
	}
	registry := detectors.NewRegistry(newDetector, recognizerFactory(cfg, artifacts))
	registry.Allow(cfg.Models...)

	// Result fan-out
	bus := pipeline.NewEventBus()
	preview := stream.NewMJPEGStreamManager()
	hub := ws.NewEventHub()
	dispatcher := webhook.NewDispatcher(webhook.Config{
		Timeout:  cfg.WebhookTimeout,
		Recorder: db,
		Log:      lg,
	})

	store := services.NewChannelStore(db)
	factory := &pipeline.WorkerFactory{
		Backends:   registry,
		Dispatcher: dispatcher,
		Bus:        bus,
		Preview:    preview,
		Log:        lg,
		Open: pipeline.FFmpegSourceOpener(pipeline.FFmpegOptions{
			Path:        cfg.Source.FFmpegPath,
			ReadTimeout: cfg.Source.ReadTimeout,
		}, pipeline.SourceOptions{
			WarmupReads:    cfg.Source.WarmupReads,
			MaxDrain:       cfg.Source.MaxDrain,
			ReadSleep:      cfg.Source.ReadSleep,
			ReconnectDelay: cfg.Source.ReconnectDelay,
		}),
		FallbackAsset: cfg.Worker.FallbackAsset,
		Options:       workerOptions(cfg),
	}
	manager := pipeline.NewChannelManager(factory, store, lg)
	manager.SetStaleAfter(cfg.Source.StaleAfter)

	// Initialize the services.
	var (
		commandSvc = services.NewCommandService(manager, registry, cfg.DefaultModel, lg)
		channelSvc = services.NewChannelService(manager)
		eventSvc   = services.NewEventService(db)
		healthSvc  = services.NewHealthService(db, registry)
		authSvc    = services.NewAuthService(authenticator)
	)

	if cfg.RestoreChannels {
		services.Restore(store, manager)
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	// Websocket clients get events from a buffered listener so a slow
	// client never holds up a channel worker.
	events, unsubscribe := bus.Listen("", 64)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range events {
			hub.OnRecognitionEvent(e)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		pruneEvents(ctx, eventSvc, cfg.EventRetention, logger)
	}()

	handler := api.NewHandler(api.Services{
		Commands: commandSvc,
		Channels: channelSvc,
		Events:   eventSvc,
		Health:   healthSvc,
		Auth:     authSvc,
		Tokens:   authenticator,
		Preview:  preview,
		Socket:   ws.NewHandler(hub),
	}, logger)
	var serverWG sync.WaitGroup
	handleHTTPServer(ctx, cfg.HTTPAddr, handler, &serverWG, errc, logger)
	handleGRPCServer(ctx, cfg.GRPCAddr, api.NewGRPCServer(commandSvc, logger), &serverWG, errc, logger)

	// Wait for signal.
	logger.Printf("exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines and let the servers drain
	// so no command reaches the manager while it closes.
	cancel()
	serverWG.Wait()

	// Stop workers before closing what they write to.
	manager.Close()
	unsubscribe()

	wg.Wait()
	hub.Close()
	bus.Close()
	if err := registry.Close(); err != nil {
		logger.Printf("failed to close model backends: %v", err)
	}
	lg.Info(applog.SystemShutdown, "medlabel stopped")
	db.Close()
	logger.Println("exited")
}

// detectorFactory picks the detector transport
func detectorFactory(cfg *config.Config) (detectors.DetectorFactory, error) {
	switch cfg.DetectorMode {
	case "grpc":
		return func(model string, processor pipeline.Processor) (pipeline.Detector, error) {
			return detection.NewGRPCDetector(detection.GRPCDetectorConfig{
				Endpoint:  cfg.DetectorEndpoint,
				Model:     model,
				Processor: processor,
			})
		}, nil
	case "http":
		return func(model string, processor pipeline.Processor) (pipeline.Detector, error) {
			return detection.NewYOLODetector(detection.YOLOConfig{
				Endpoint:  cfg.DetectorEndpoint,
				Model:     model,
				Processor: processor,
			}), nil
		}, nil
	}
	return nil, fmt.Errorf("invalid DETECTOR_MODE %q (valid modes: grpc|http)", cfg.DetectorMode)
}

// recognizerFactory picks the recognizer. The local recognizer needs the
// tesseract build tag.
func recognizerFactory(cfg *config.Config, artifacts *detection.ArtifactStore) detectors.RecognizerFactory {
	if cfg.RecognizerMode == "local" {
		return func(model string, processor pipeline.Processor) (pipeline.Recognizer, error) {
			return detection.NewLocalRecognizer(artifacts)
		}
	}
	return func(model string, processor pipeline.Processor) (pipeline.Recognizer, error) {
		return detection.NewHTTPRecognizer(detection.RecognizerConfig{
			Endpoint:  cfg.RecognizerURL,
			Model:     model,
			Processor: processor,
			Artifacts: artifacts,
		}), nil
	}
}

func workerOptions(cfg *config.Config) pipeline.WorkerOptions {
	opts := pipeline.DefaultWorkerOptions()
	opts.Stability = pipeline.StabilityOptions{
		MinStableFrames: cfg.Tracker.MinStableFrames,
		IoUThreshold:    cfg.Tracker.IoUThreshold,
		MinAreaRatio:    cfg.Tracker.MinAreaRatio,
		LabelClassID:    cfg.Detection.LabelClassID,
		FocusThreshold:  cfg.Tracker.FocusThreshold,
		HashDistance:    cfg.Tracker.HashDistance,
		Cooldown:        cfg.Tracker.Cooldown,
		PartialCooldown: cfg.Tracker.PartialCooldown,
	}
	opts.MinConfidence = cfg.Detection.MinConfidence
	opts.NMSIoU = cfg.Detection.IoU
	opts.CropMargin = cfg.Tracker.CropMargin
	opts.MinLineConfidence = cfg.Tracker.MinLineConfidence
	opts.CycleSleep = cfg.Worker.CycleSleep
	opts.StaleAfter = cfg.Source.StaleAfter
	opts.FallbackAfter = cfg.Worker.FallbackAfter
	opts.ModelCallTimeout = cfg.ModelCallTimeout
	return opts
}

// pruneEvents deletes old webhook events hourly until ctx is done
func pruneEvents(ctx context.Context, events *services.EventService, retention time.Duration, logger *log.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := events.Prune(ctx, retention)
		if err != nil {
			logger.Printf("failed to prune webhook events: %v", err)
		} else if n > 0 {
			logger.Printf("pruned %d webhook events older than %s", n, retention)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
