package adapter

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"precept-serve/internal/common"

	"github.com/rs/zerolog/log"
)

// ErrHandlesOpen is returned by Shutdown while models are still open.
var ErrHandlesOpen = errors.New("adapter: environment has open handles")

// Environment is the process-wide state shared by every opened model: the
// discovered Python interpreter and the embedded inference script.
type Environment struct {
	opts Options

	mu        sync.Mutex
	handles   int
	down      bool
	scriptDir string

	pythonOnce sync.Once
	pythonPath string
	pythonErr  error
}

var (
	envMu   sync.Mutex
	current *Environment
)

// Init returns the process-wide environment, creating it on first call.
// Later calls return the same environment and ignore opts.
func Init(opts Options) (*Environment, error) {
	envMu.Lock()
	defer envMu.Unlock()

	if current != nil {
		return current, nil
	}
	current = &Environment{opts: opts}
	log.Debug().Str("backend", string(opts.Backend)).Msg("adapter environment initialized")
	return current, nil
}

// Shutdown tears the environment down. It fails with ErrHandlesOpen while any
// handle is still open. A later Init starts a fresh environment.
func Shutdown() error {
	envMu.Lock()
	defer envMu.Unlock()

	if current == nil {
		return nil
	}
	current.mu.Lock()
	defer current.mu.Unlock()

	if current.handles > 0 {
		return fmt.Errorf("%w: %d", ErrHandlesOpen, current.handles)
	}
	current.down = true
	if current.scriptDir != "" {
		if err := os.RemoveAll(current.scriptDir); err != nil {
			log.Warn().Err(err).Str("dir", current.scriptDir).Msg("failed to remove inference script directory")
		}
	}
	current = nil
	log.Debug().Msg("adapter environment shut down")
	return nil
}

// Handles reports how many models are currently open.
func (e *Environment) Handles() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handles
}

// Open loads an artifact. opts.Backend and opts.ScriptTimeout apply to this
// handle; interpreter settings come from the environment.
func (e *Environment) Open(path string, opts Options) (RawPredictor, error) {
	const op = "adapter.open"

	if err := e.acquire(); err != nil {
		return nil, common.ModelLoadError(op, err)
	}

	var (
		p   RawPredictor
		err error
	)
	switch backendFor(path, opts.Backend) {
	case BackendNative:
		p, err = openNative(e, path)
	case BackendScript:
		p, err = openScript(e, path, opts.scriptTimeout())
	default:
		err = common.ModelLoadError(op, fmt.Errorf("unknown backend %q", opts.Backend))
	}
	if err != nil {
		e.release()
		return nil, err
	}

	log.Debug().Str("model_path", path).Int("handles", e.Handles()).Msg("model opened")
	return p, nil
}

func (e *Environment) acquire() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.down {
		return errors.New("environment is shut down")
	}
	e.handles++
	return nil
}

func (e *Environment) release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handles > 0 {
		e.handles--
	}
}

// python returns the interpreter used by the script backend, discovering it
// once per environment.
func (e *Environment) python() (string, error) {
	e.pythonOnce.Do(func() {
		if e.opts.PythonPath != "" {
			e.pythonPath = e.opts.PythonPath
			return
		}
		e.pythonPath, e.pythonErr = findPython()
	})
	return e.pythonPath, e.pythonErr
}

// inferenceScript writes the embedded script once per environment.
func (e *Environment) inferenceScript() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.scriptDir == "" {
		dir, err := os.MkdirTemp("", "precept-adapter-")
		if err != nil {
			return "", err
		}
		e.scriptDir = dir
	}
	path := scriptPath(e.scriptDir)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := createInferenceScript(path); err != nil {
		return "", err
	}
	return path, nil
}
