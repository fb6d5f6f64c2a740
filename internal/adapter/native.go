package adapter

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"

	"precept-serve/internal/common"
	"precept-serve/internal/transform"
)

// nativePredictor evaluates a Graph in-process.
type nativePredictor struct {
	env   *Environment
	graph *Graph
	path  string

	mu     sync.RWMutex
	closed bool
}

func openNative(env *Environment, path string) (*nativePredictor, error) {
	const op = "adapter.open"

	f, err := os.Open(path)
	if err != nil {
		return nil, common.ModelLoadError(op, err)
	}
	defer f.Close()

	g, err := ReadGraph(bufio.NewReader(f))
	if err != nil {
		return nil, common.ModelLoadError(op, fmt.Errorf("%s: %w", path, err))
	}
	return &nativePredictor{env: env, graph: g, path: path}, nil
}

// NewGraphPredictor wraps an in-memory graph as a RawPredictor without
// touching the process-wide environment.
func NewGraphPredictor(g *Graph) RawPredictor {
	return &nativePredictor{graph: g}
}

func (p *nativePredictor) Forward(ctx context.Context, input []float32) ([]float32, error) {
	const op = "adapter.forward"

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, common.ClosedError(op)
	}
	if err := ctx.Err(); err != nil {
		return nil, common.InferenceError(op, err)
	}
	if len(input) != p.graph.in {
		return nil, common.InferenceError(op, fmt.Errorf("shape mismatch: graph expects [1, %d], got [1, %d]", p.graph.in, len(input)))
	}
	return transform.Narrow(p.graph.Eval(transform.Widen(input))), nil
}

func (p *nativePredictor) Dims() (in, out int) {
	return p.graph.Dims()
}

func (p *nativePredictor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.env != nil {
		p.env.release()
	}
	return nil
}
