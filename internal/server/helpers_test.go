package server

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"precept-serve/internal/adapter"
	"precept-serve/internal/descriptor"
	"precept-serve/internal/pipeline"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

const testDescriptor = `
num_x: 2
num_y: 1
params_x: [pressure, temperature]
params_y: [flow]
min_x: [0, 0]
max_x: [10, 10]
min_y: [0]
max_y: [1]
`

// writeModel stores a linear graph computing scale*mean(x) and its descriptor.
func writeModel(t *testing.T, dir, name string, scale float64) (modelPath, descPath string) {
	t.Helper()
	g, err := adapter.NewGraph([]adapter.Layer{{
		Weights:    mat.NewDense(1, 2, []float64{scale / 2, scale / 2}),
		Bias:       []float64{0},
		Activation: adapter.Linear,
	}})
	require.NoError(t, err)

	modelPath = filepath.Join(dir, name+".ffn")
	descPath = filepath.Join(dir, name+".yml")
	require.NoError(t, g.SaveFile(modelPath))
	require.NoError(t, os.WriteFile(descPath, []byte(testDescriptor), 0o600))
	return modelPath, descPath
}

func newTestHolder(t *testing.T, opts ...pipeline.Option) (*Holder, string, string) {
	t.Helper()
	dir := t.TempDir()
	modelPath, descPath := writeModel(t, dir, "model", 1)
	h, err := NewHolder(&PipelineLoader{ModelPath: modelPath, DescriptorPath: descPath, Options: opts}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h, modelPath, descPath
}

func newTestServer(t *testing.T, h *Holder, cfg Config) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(NewModelServer(h, cfg).Handler())
	t.Cleanup(ts.Close)
	return ts
}

// fakePredictor is a Predictor that records Close calls.
type fakePredictor struct {
	mu     sync.Mutex
	closed bool
	desc   *descriptor.Descriptor
}

func (f *fakePredictor) PredictContext(_ context.Context, input []float64) ([]float64, error) {
	return []float64{input[0]}, nil
}

func (f *fakePredictor) Descriptor() *descriptor.Descriptor { return f.desc }

func (f *fakePredictor) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePredictor) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// scriptedLoader returns its queued results in order.
type scriptedLoader struct {
	results []*Loaded
	errs    []error
	calls   int
}

func (s *scriptedLoader) Load() (*Loaded, error) {
	i := s.calls
	s.calls++
	if i >= len(s.results) {
		return nil, errors.New("no more models")
	}
	return s.results[i], s.errs[i]
}

type countingReloads struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingReloads) ReloadsInc(result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[result]++
}

func (c *countingReloads) get(result string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[result]
}

func dirOf(path string) string { return filepath.Dir(path) }
