package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"precept-serve/internal/adapter"
	"precept-serve/internal/descriptor"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// MockMetrics implements MetricsInterface and CacheMetrics for tests.
type MockMetrics struct {
	mu             sync.Mutex
	predictions    int
	failures       map[string]int
	latencies      int
	forwardSamples int
	modelTimestamp float64
	cacheHits      int
	cacheMisses    int
}

func (m *MockMetrics) PredictionsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions++
}

func (m *MockMetrics) FailuresInc(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures == nil {
		m.failures = make(map[string]int)
	}
	m.failures[kind]++
}

func (m *MockMetrics) LatencyObserve(float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies++
}

func (m *MockMetrics) ForwardLatencyObserve(float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forwardSamples++
}

func (m *MockMetrics) ModelTimestampSet(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelTimestamp = v
}

func (m *MockMetrics) CacheHitsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheHits++
}

func (m *MockMetrics) CacheMissesInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheMisses++
}

// stubRaw is a RawPredictor driven by a function.
type stubRaw struct {
	mu       sync.Mutex
	fn       func([]float32) ([]float32, error)
	calls    int
	closes   int
	lastIn   []float32
	in, out  int
	inFlight int
	overlap  bool
}

func (s *stubRaw) Forward(_ context.Context, input []float32) ([]float32, error) {
	s.mu.Lock()
	s.calls++
	s.inFlight++
	if s.inFlight > 1 {
		s.overlap = true
	}
	s.lastIn = append([]float32(nil), input...)
	s.mu.Unlock()

	out, err := s.fn(input)

	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
	return out, err
}

func (s *stubRaw) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

// shapedStub additionally reports artifact dimensions.
type shapedStub struct {
	*stubRaw
}

func (s shapedStub) Dims() (int, int) { return s.in, s.out }

// meanStub returns the mean of its inputs as a single output.
func meanStub() *stubRaw {
	return &stubRaw{fn: func(x []float32) ([]float32, error) {
		var sum float32
		for _, v := range x {
			sum += v
		}
		return []float32{sum / float32(len(x))}, nil
	}}
}

const scenarioYAML = `
num_x: 2
num_y: 1
params_x: [a, b]
params_y: [y]
min_x: [0, 0]
max_x: [10, 10]
min_y: [0]
max_y: [1]
trafo_type: none
`

const boxYAML = `
num_x: 2
num_y: 1
params_x: [a, b]
params_y: [y]
min_x: [0, 0]
max_x: [4, 4]
min_y: [0]
max_y: [2]
trafo_type: box
lambda_x: [0.5, 0]
lambda_y: [1]
`

func mustDescriptor(t *testing.T, doc string) *descriptor.Descriptor {
	t.Helper()
	d, err := descriptor.Parse([]byte(doc))
	require.NoError(t, err)
	return d
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// writeMeanModel stores a native graph computing the mean of numX inputs.
func writeMeanModel(t *testing.T, dir string, numX int) string {
	t.Helper()
	w := make([]float64, numX)
	for i := range w {
		w[i] = 1 / float64(numX)
	}
	g, err := adapter.NewGraph([]adapter.Layer{{
		Weights:    mat.NewDense(1, numX, w),
		Bias:       []float64{0},
		Activation: adapter.Linear,
	}})
	require.NoError(t, err)
	path := filepath.Join(dir, fmt.Sprintf("mean%d.ffn", numX))
	require.NoError(t, g.SaveFile(path))
	return path
}

func resetAdapter(t *testing.T) {
	t.Helper()
	require.NoError(t, adapter.Shutdown())
	t.Cleanup(func() { _ = adapter.Shutdown() })
}

func replaceLine(doc, old, repl string) string {
	return strings.Replace(doc, old, repl, 1)
}
