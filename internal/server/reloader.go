package server

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const defaultDebounce = 500 * time.Millisecond

// Reloader watches the live model's artifact and descriptor and reloads the
// Holder when either changes. Directories are watched rather than files so
// that editors and deploy tools that replace files by rename are seen.
type Reloader struct {
	holder   *Holder
	watcher  *fsnotify.Watcher
	debounce time.Duration

	watched map[string]bool // directories
	targets map[string]bool // cleaned file paths
}

// NewReloader creates a watcher for h. Call Run to start it.
func NewReloader(h *Holder, debounce time.Duration) (*Reloader, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	r := &Reloader{
		holder:   h,
		watcher:  w,
		debounce: debounce,
		watched:  make(map[string]bool),
	}
	if err := r.sync(); err != nil {
		w.Close()
		return nil, err
	}
	return r, nil
}

// Run processes file events until ctx is done.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()

		case ev, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if !r.relevant(ev) {
				continue
			}
			log.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("model file changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(r.debounce)
			pending = timer.C

		case <-pending:
			pending = nil
			if err := r.holder.Reload(); err == nil {
				if err := r.sync(); err != nil {
					log.Warn().Err(err).Msg("failed to update watched model paths")
				}
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("file watcher error")
		}
	}
}

// sync points the watcher at the live model's current paths.
func (r *Reloader) sync() error {
	snap, err := r.holder.Snapshot()
	if err != nil {
		return err
	}

	r.targets = map[string]bool{
		filepath.Clean(snap.ModelPath):      true,
		filepath.Clean(snap.DescriptorPath): true,
	}
	for target := range r.targets {
		dir := filepath.Dir(target)
		if r.watched[dir] {
			continue
		}
		if err := r.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		r.watched[dir] = true
	}
	return nil
}

func (r *Reloader) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	return r.targets[filepath.Clean(ev.Name)]
}
