// Package adapter wraps a pre-trained computation graph behind a single
// forward-evaluation call.
//
// Two capability levels exist. RawPredictor is the low-level "minimal" loader:
// it takes an already normalized single-precision vector and returns the raw
// network output. Scaling to and from real-world units lives one level up, in
// the pipeline package, which is built on top of a RawPredictor.
//
// Artifacts are opened through a process-wide Environment (see Init) that
// owns interpreter discovery and counts open handles so teardown can be
// refused while models are still in use.
package adapter

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"precept-serve/internal/common"
)

// RawPredictor evaluates a loaded model on one normalized sample.
type RawPredictor interface {
	// Forward runs the graph on a [1, len(input)] tensor and returns the
	// flattened [1, numY] output.
	Forward(ctx context.Context, input []float32) ([]float32, error)

	// Close releases the handle. Closing twice is a no-op.
	Close() error
}

// Shaped is implemented by predictors whose artifact records its own input
// and output widths.
type Shaped interface {
	Dims() (in, out int)
}

// Backend selects how an artifact is executed.
type Backend string

const (
	BackendAuto   Backend = ""
	BackendNative Backend = "native" // gob-encoded dense graph evaluated in-process
	BackendScript Backend = "script" // TorchScript / ONNX through a Python interpreter
)

// Options configures the environment and the handles opened through it.
type Options struct {
	Backend       Backend
	PythonPath    string        // explicit interpreter; discovered when empty
	ScriptTimeout time.Duration // per-call limit for the script backend
}

const defaultScriptTimeout = 10 * time.Second

func (o Options) scriptTimeout() time.Duration {
	if o.ScriptTimeout > 0 {
		return o.ScriptTimeout
	}
	return defaultScriptTimeout
}

// Open loads the artifact at path using the process-wide environment,
// initializing it with opts if this is the first use.
func Open(path string, opts Options) (RawPredictor, error) {
	env, err := Init(opts)
	if err != nil {
		return nil, err
	}
	return env.Open(path, opts)
}

// ForwardShape runs p on data interpreted with the given tensor shape. Only
// single-sample shapes [1, n] with n == len(data) are accepted.
func ForwardShape(ctx context.Context, p RawPredictor, data []float32, shape []int64) ([]float32, error) {
	const op = "adapter.forward"
	if len(shape) != 2 || shape[0] != 1 || shape[1] != int64(len(data)) {
		return nil, common.InferenceError(op, fmt.Errorf("unsupported shape %v for %d values", shape, len(data)))
	}
	return p.Forward(ctx, data)
}

func backendFor(path string, b Backend) Backend {
	if b != BackendAuto {
		return b
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pt", ".onnx":
		return BackendScript
	default:
		return BackendNative
	}
}
