package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"precept-serve/internal/common"

	"github.com/rs/zerolog/log"
)

// scriptPredictor runs TorchScript or ONNX artifacts through a Python
// interpreter, one process per call, exchanging JSON on stdin/stdout.
type scriptPredictor struct {
	env        *Environment
	pythonPath string
	scriptPath string
	modelPath  string
	timeout    time.Duration
	in, out    int

	mu     sync.RWMutex
	closed bool
}

type scriptRequest struct {
	Input []float32 `json:"input"`
	Shape []int64   `json:"shape"`
}

type scriptResponse struct {
	Output []float32 `json:"output"`
	In     int       `json:"in,omitempty"`
	Out    int       `json:"out,omitempty"`
	Error  string    `json:"error,omitempty"`
}

func openScript(env *Environment, path string, timeout time.Duration) (*scriptPredictor, error) {
	const op = "adapter.open"

	if _, err := os.Stat(path); err != nil {
		return nil, common.ModelLoadError(op, err)
	}
	pythonPath, err := env.python()
	if err != nil {
		return nil, common.ModelLoadError(op, err)
	}
	scriptPath, err := env.inferenceScript()
	if err != nil {
		return nil, common.ModelLoadError(op, fmt.Errorf("create inference script: %w", err))
	}

	p := &scriptPredictor{
		env:        env,
		pythonPath: pythonPath,
		scriptPath: scriptPath,
		modelPath:  path,
		timeout:    timeout,
	}

	// Load the artifact once up front so a corrupt model fails here and not on
	// the first prediction.
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	resp, err := p.run(ctx, nil, "--check")
	if err != nil {
		return nil, common.ModelLoadError(op, err)
	}
	p.in, p.out = resp.In, resp.Out

	log.Info().Str("model_path", path).Str("python_path", pythonPath).Msg("script model loaded")
	return p, nil
}

func (p *scriptPredictor) Forward(ctx context.Context, input []float32) ([]float32, error) {
	const op = "adapter.forward"

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, common.ClosedError(op)
	}
	if p.in > 0 && len(input) != p.in {
		return nil, common.InferenceError(op, fmt.Errorf("shape mismatch: model expects [1, %d], got [1, %d]", p.in, len(input)))
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.run(ctx, &scriptRequest{Input: input, Shape: []int64{1, int64(len(input))}})
	if err != nil {
		return nil, common.InferenceError(op, err)
	}
	return resp.Output, nil
}

// Dims reports the widths probed at load time; zero when the model did not
// expose them.
func (p *scriptPredictor) Dims() (in, out int) {
	return p.in, p.out
}

func (p *scriptPredictor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.env.release()
	return nil
}

func (p *scriptPredictor) run(ctx context.Context, req *scriptRequest, args ...string) (*scriptResponse, error) {
	var stdin []byte
	if req != nil {
		var err error
		if stdin, err = json.Marshal(req); err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}

	cmdArgs := append([]string{p.scriptPath, p.modelPath}, args...)
	cmd := exec.CommandContext(ctx, p.pythonPath, cmdArgs...)
	cmd.Stdin = bytes.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("inference timeout after %v: %w", p.timeout, ctx.Err())
		}
		// The script reports its own failures as JSON before exiting non-zero.
		var resp scriptResponse
		if json.Unmarshal(stdout.Bytes(), &resp) == nil && resp.Error != "" {
			return nil, fmt.Errorf("python inference error: %s", resp.Error)
		}
		log.Debug().
			Err(err).
			Str("python_path", p.pythonPath).
			Str("model_path", p.modelPath).
			Str("stderr", stderr.String()).
			Msg("python inference execution failed")
		return nil, fmt.Errorf("python inference failed: %w, stderr: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp scriptResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w, stdout: %s", err, stdout.String())
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("python inference error: %s", resp.Error)
	}
	return &resp, nil
}

func scriptPath(dir string) string {
	return filepath.Join(dir, "precept_inference.py")
}

func findPython() (string, error) {
	if venv := os.Getenv("VIRTUAL_ENV"); venv != "" {
		for _, c := range []string{
			filepath.Join(venv, "bin", "python3"),
			filepath.Join(venv, "bin", "python"),
			filepath.Join(venv, "Scripts", "python.exe"),
		} {
			if isPython3(c) {
				log.Info().Str("python_path", c).Msg("using virtual environment Python")
				return c, nil
			}
		}
	}

	for _, name := range []string{"python3", "python"} {
		path, err := exec.LookPath(name)
		if err == nil && isPython3(path) {
			log.Info().Str("python_path", path).Msg("using system Python")
			return path, nil
		}
	}
	return "", errors.New("no Python 3 interpreter found; set PYTHON_PATH")
}

func isPython3(path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	cmd := exec.Command(path, "-c", "import sys; sys.exit(0 if sys.version_info[0] == 3 else 1)")
	return cmd.Run() == nil
}

func createInferenceScript(path string) error {
	script := `#!/usr/bin/env python3
"""
Single-sample inference for precept model artifacts.
usage: precept_inference.py <model> [--check]
"""
import json
import sys


def load(path):
    if path.endswith(".onnx"):
        import numpy as np
        import onnxruntime as ort

        session = ort.InferenceSession(path)
        inp = session.get_inputs()[0]
        out = session.get_outputs()[0]

        def forward(values, shape):
            x = np.asarray(values, dtype=np.float32).reshape(shape)
            return session.run(None, {inp.name: x})[0].reshape(-1).tolist()

        dims = (inp.shape[-1], out.shape[-1])
        return forward, dims

    import torch

    module = torch.jit.load(path)
    module.eval()

    def forward(values, shape):
        with torch.no_grad():
            x = torch.tensor(values, dtype=torch.float32).reshape(shape)
            return module(x).reshape(-1).tolist()

    return forward, (None, None)


def main():
    if len(sys.argv) < 2:
        print(json.dumps({"error": "usage: precept_inference.py <model> [--check]"}))
        sys.exit(1)
    try:
        forward, dims = load(sys.argv[1])
        if "--check" in sys.argv[2:]:
            resp = {"output": []}
            if isinstance(dims[0], int):
                resp["in"] = dims[0]
            if isinstance(dims[1], int):
                resp["out"] = dims[1]
            print(json.dumps(resp))
            return
        request = json.load(sys.stdin)
        print(json.dumps({"output": forward(request["input"], request["shape"])}))
    except Exception as e:
        print(json.dumps({"error": str(e)}))
        sys.exit(1)


if __name__ == "__main__":
    main()
`
	return os.WriteFile(path, []byte(script), 0o755)
}
