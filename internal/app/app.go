package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"saltdetect/internal/apperr"
	"saltdetect/internal/config"
	"saltdetect/internal/logger"
	"saltdetect/internal/metrics"
	"saltdetect/internal/repository/sqlite"
	"saltdetect/internal/route"
	"saltdetect/internal/service/ai"
	"saltdetect/internal/service/ai/onnx"
	"saltdetect/internal/service/storage"
	"saltdetect/internal/service/stream"
	"saltdetect/internal/service/websocket"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	config        *config.Config
	logger        *logger.Logger
	metrics       *metrics.Metrics
	db            *sqlite.DB
	engine        *ai.Engine
	bufferService *storage.BufferService
	hubService    *websocket.HubService
	handler       http.Handler
}

// NewApp loads the configuration, opens the database and loads the model.
// A model that fails to load is fatal: the server never starts without one.
func NewApp(ctx context.Context) (*App, error) {
	cfg := config.Load()
	log := logger.NewLogger(cfg)
	m := metrics.New()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, apperr.Wrap(err, "failed to create database directory")
	}
	db, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	engine := ai.NewEngine(cfg, log, m)
	if err := engine.Load(ctx, onnx.Loader(cfg, log)); err != nil {
		db.Close()
		return nil, apperr.Wrapf(err, "failed to load model %s", cfg.ModelPath)
	}

	hub := websocket.NewHubService(log, m)
	sessions := sqlite.NewSessionRepository(db)
	batches := sqlite.NewBatchRepository(db)
	detections := sqlite.NewDetectionRepository(db)

	deps := stream.Deps{
		Detector:   ai.NewDetectorService(cfg, engine, log, m),
		Sessions:   sessions,
		Batches:    batches,
		Detections: detections,
		Logger:     log,
		Metrics:    m,
	}

	var buffer *storage.BufferService
	if cfg.ImageDirectory != "" {
		buffer = storage.NewBufferService(cfg, log)
		deps.Evidence = buffer
	}

	return &App{
		config:        cfg,
		logger:        log,
		metrics:       m,
		db:            db,
		engine:        engine,
		bufferService: buffer,
		hubService:    hub,
		handler: route.SetupRoutes(cfg, log, route.Dependencies{
			Stream:     deps,
			Model:      engine,
			Hub:        hub,
			Sessions:   sessions,
			Batches:    batches,
			Detections: detections,
			Statistics: sqlite.NewStatisticsRepository(db),
			Metrics:    m,
		}),
	}, nil
}

// Run serves HTTP until ctx is cancelled, then shuts everything down in order.
func (a *App) Run(ctx context.Context) error {
	bgCtx, stopBackground := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.hubService.Run(bgCtx)
	}()
	if a.bufferService != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.bufferService.Run(bgCtx)
		}()
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.config.Port),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.logger.Info("Salt detection server listening on http://localhost:%d", a.config.Port)
	a.logger.Info("Model: %s (input %d)", a.engine.ModelPath(), a.engine.InputSize())
	if a.bufferService != nil {
		a.logger.Info("Evidence frames: %s", a.config.ImageDirectory)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if err != http.ErrServerClosed {
			serveErr = err
		}
	case <-ctx.Done():
		a.logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warning("HTTP shutdown: %v", err)
	}

	// Hijacked stream connections are closed by the hub, then their sessions close.
	stopBackground()
	wg.Wait()
	if err := a.hubService.Wait(shutdownCtx); err != nil {
		a.logger.Warning("Stream connections still closing at shutdown: %v", err)
	}

	a.close()
	return serveErr
}

func (a *App) close() {
	if err := a.engine.Close(); err != nil {
		a.logger.Error("Error closing model: %v", err)
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("Error closing database: %v", err)
	}
	a.logger.Close()
}
