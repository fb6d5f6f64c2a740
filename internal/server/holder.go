package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"precept-serve/internal/common"
	"precept-serve/internal/pipeline"
	"precept-serve/internal/storage"

	"github.com/rs/zerolog/log"
)

// Loaded is one live model: a predictor plus where it came from.
type Loaded struct {
	Predictor      pipeline.Predictor
	Version        string
	ModelPath      string
	DescriptorPath string
	LoadedAt       time.Time
}

// Loader builds a fresh predictor each time it is called.
type Loader interface {
	Load() (*Loaded, error)
}

// ReloadMetrics receives reload outcomes ("success" or "failure").
type ReloadMetrics interface {
	ReloadsInc(result string)
}

// ActiveRegistry resolves the currently active model version.
type ActiveRegistry interface {
	ActiveVersion() (storage.ModelVersion, error)
}

// PipelineLoader opens a pipeline from the registry's active version, or from
// the fixed paths when no registry is set or nothing is active.
type PipelineLoader struct {
	ModelPath      string
	DescriptorPath string
	Registry       ActiveRegistry
	Options        []pipeline.Option
	CacheSize      int
	CacheMetrics   pipeline.CacheMetrics
}

func (pl *PipelineLoader) Load() (*Loaded, error) {
	modelPath, descPath := pl.ModelPath, pl.DescriptorPath
	version := fileVersion(modelPath)

	if pl.Registry != nil {
		mv, err := pl.Registry.ActiveVersion()
		switch {
		case err == nil:
			modelPath, descPath, version = mv.ModelPath, mv.DescriptorPath, mv.Version
		case errors.Is(err, storage.ErrNoActiveVersion):
			log.Debug().Msg("no active registry version, using configured paths")
		default:
			return nil, fmt.Errorf("resolve active model version: %w", err)
		}
	}

	p, err := pipeline.New(modelPath, descPath, pl.Options...)
	if err != nil {
		return nil, err
	}

	var pred pipeline.Predictor = p
	if pl.CacheSize > 0 {
		cached, err := pipeline.NewCached(p, pl.CacheSize, pl.CacheMetrics)
		if err != nil {
			p.Close()
			return nil, err
		}
		pred = cached
	}

	return &Loaded{
		Predictor:      pred,
		Version:        version,
		ModelPath:      modelPath,
		DescriptorPath: descPath,
		LoadedAt:       time.Now(),
	}, nil
}

// fileVersion names an unregistered artifact by file name and mtime.
func fileVersion(path string) string {
	name := filepath.Base(path)
	if info, err := os.Stat(path); err == nil {
		return fmt.Sprintf("%s@%d", name, info.ModTime().Unix())
	}
	return name
}

// Holder owns the live model and swaps it on reload. Requests in flight
// finish on the model they started with; the old model is closed only after
// they drain.
type Holder struct {
	loader  Loader
	metrics ReloadMetrics

	reloadMu sync.Mutex
	mu       sync.RWMutex
	cur      *Loaded
	closed   bool
}

// NewHolder performs the initial load. Failure here is fatal to the caller.
func NewHolder(loader Loader, m ReloadMetrics) (*Holder, error) {
	cur, err := loader.Load()
	if err != nil {
		return nil, err
	}
	log.Info().Str("version", cur.Version).Str("model_path", cur.ModelPath).Msg("model loaded")
	return &Holder{loader: loader, metrics: m, cur: cur}, nil
}

// Use runs fn against the live model. The model cannot be swapped out or
// closed while fn runs.
func (h *Holder) Use(fn func(*Loaded) error) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return common.ClosedError("server.use")
	}
	return fn(h.cur)
}

// Snapshot returns the live model's metadata without its predictor.
func (h *Holder) Snapshot() (Loaded, error) {
	var snap Loaded
	err := h.Use(func(l *Loaded) error {
		snap = *l
		snap.Predictor = nil
		return nil
	})
	return snap, err
}

// Reload builds a new model and swaps it in. On failure the current model
// keeps serving.
func (h *Holder) Reload() error {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	next, err := h.loader.Load()
	if err != nil {
		h.reloadResult("failure")
		log.Warn().Err(err).Msg("model reload failed, keeping current model")
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		next.Predictor.Close()
		return common.ClosedError("server.reload")
	}
	old := h.cur
	h.cur = next
	h.mu.Unlock()

	if err := old.Predictor.Close(); err != nil {
		log.Warn().Err(err).Str("version", old.Version).Msg("failed to close replaced model")
	}
	h.reloadResult("success")
	log.Info().Str("old_version", old.Version).Str("new_version", next.Version).Msg("model reloaded")
	return nil
}

// Close closes the live model. Later calls fail with a closed error.
func (h *Holder) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.cur.Predictor.Close()
}

func (h *Holder) reloadResult(result string) {
	if h.metrics != nil {
		h.metrics.ReloadsInc(result)
	}
}
