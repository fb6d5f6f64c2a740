package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"precept-serve/internal/adapter"
	"precept-serve/internal/cfg"
	"precept-serve/internal/drift"
	"precept-serve/internal/logging"
	"precept-serve/internal/metrics"
	"precept-serve/internal/pipeline"
	"precept-serve/internal/server"
	"precept-serve/internal/storage"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to read .env file")
	}

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	logFile, err := logging.Setup(logging.Options{Level: c.LogLevel, Format: c.LogFormat, File: c.LogFile}, os.Stderr)
	if err != nil {
		log.Fatal().Err(err).Msg("logging setup failed")
	}
	defer logFile.Close()

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	mw := metrics.NewWrapper(m)
	store := initializeStorage(c)
	if store != nil {
		defer store.Close()
	}

	holder := initializeModel(c, mw, store)
	defer func() {
		if err := holder.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close model")
		}
		if err := adapter.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("model runtime shutdown failed")
		}
	}()

	srvCfg := server.Config{
		Port:           c.ListenPort,
		RequestTimeout: c.RequestTimeout,
		Metrics:        mw,
	}
	if c.DriftWindow > 0 {
		srvCfg.Drift = &drift.Config{Window: c.DriftWindow, Threshold: c.DriftThreshold}
		srvCfg.DriftMetrics = mw
	}
	if store != nil {
		srvCfg.Audit = store
		srvCfg.Registry = store
	}
	srv := server.NewModelServer(holder, srvCfg)

	var wg sync.WaitGroup
	startServer(&wg, srv, cancel)
	if c.Watch {
		startReloader(ctx, &wg, holder)
	}

	waitForShutdown(ctx, cancel, &wg, srv)
}

// initializeStorage opens the audit store and model registry if DATA_PATH is set
func initializeStorage(c cfg.Settings) *storage.Store {
	if c.DataPath == "" {
		return nil
	}
	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("storage initialization failed, continuing without persistence")
		return nil
	}
	return store
}

// initializeModel loads the initial model; the service cannot start without one
func initializeModel(c cfg.Settings, mw *metrics.Wrapper, store *storage.Store) *server.Holder {
	opts := []pipeline.Option{
		pipeline.WithMetrics(mw),
		pipeline.WithAdapterOptions(adapter.Options{
			Backend:       adapter.Backend(c.Backend),
			PythonPath:    c.PythonPath,
			ScriptTimeout: c.ScriptTimeout,
		}),
	}
	if c.Transformed {
		opts = append(opts, pipeline.WithTransformed())
	}

	loader := &server.PipelineLoader{
		ModelPath:      c.ModelPath,
		DescriptorPath: c.DescriptorPath,
		Options:        opts,
		CacheSize:      c.CacheSize,
		CacheMetrics:   mw,
	}
	if store != nil {
		loader.Registry = store
	}

	holder, err := server.NewHolder(loader, mw)
	if err != nil {
		log.Fatal().Err(err).Str("model", c.ModelPath).Str("descriptor", c.DescriptorPath).Msg("model load failed")
	}
	return holder
}

func startServer(wg *sync.WaitGroup, srv *server.ModelServer, cancel context.CancelFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("model server failed")
			cancel()
		}
	}()
}

func startReloader(ctx context.Context, wg *sync.WaitGroup, holder *server.Holder) {
	r, err := server.NewReloader(holder, 0)
	if err != nil {
		log.Warn().Err(err).Msg("file watcher unavailable, hot reload disabled")
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.Run(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("file watcher stopped")
		}
	}()
	log.Info().Msg("watching model files for changes")
}

// waitForShutdown waits for shutdown signals and handles graceful shutdown
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup, srv *server.ModelServer) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}

	log.Info().Msg("shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all goroutines stopped")
	case <-shutdownCtx.Done():
		log.Warn().Msg("shutdown timeout, forcing exit")
	}
}
