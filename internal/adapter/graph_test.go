package adapter

import (
	"bytes"
	"encoding/gob"
	"math"
	"os"
	"path/filepath"
	"testing"

	"precept-serve/internal/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// sumGraph returns a single linear layer computing y = 0.5*x0 + 0.5*x1.
func sumGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := NewGraph([]Layer{{
		Weights:    mat.NewDense(1, 2, []float64{0.5, 0.5}),
		Bias:       []float64{0},
		Activation: Linear,
	}})
	require.NoError(t, err)
	return g
}

func twoLayerGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := NewGraph([]Layer{
		{
			Weights:    mat.NewDense(3, 2, []float64{1, 0, 0, 1, 1, -1}),
			Bias:       []float64{0, 0, 0.5},
			Activation: ReLU,
		},
		{
			Weights:    mat.NewDense(1, 3, []float64{1, 2, 3}),
			Bias:       []float64{-1},
			Activation: Linear,
		},
	})
	require.NoError(t, err)
	return g
}

func TestGraph_Eval(t *testing.T) {
	g := sumGraph(t)
	in, out := g.Dims()
	assert.Equal(t, 2, in)
	assert.Equal(t, 1, out)
	assert.InDeltaSlice(t, []float64{0.5}, g.Eval([]float64{0.5, 0.5}), 1e-12)

	// hidden = relu([1, 2, 1-2+0.5]) = [1, 2, 0]; y = 1 + 4 + 0 - 1
	g2 := twoLayerGraph(t)
	assert.InDeltaSlice(t, []float64{4}, g2.Eval([]float64{1, 2}), 1e-12)
}

func TestActivations(t *testing.T) {
	assert.Equal(t, 0.0, ReLU.apply(-3))
	assert.Equal(t, 2.0, ReLU.apply(2))
	assert.InDelta(t, 0.5, Sigmoid.apply(0), 1e-12)
	assert.InDelta(t, math.Tanh(0.3), Tanh.apply(0.3), 1e-12)
	assert.InDelta(t, math.Log(2), Softplus.apply(0), 1e-12)
	assert.Equal(t, -7.0, Linear.apply(-7))
}

func TestNewGraph_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		layers []Layer
	}{
		{"no layers", nil},
		{"missing weights", []Layer{{Bias: []float64{0}, Activation: Linear}}},
		{"bias length", []Layer{{Weights: mat.NewDense(2, 2, nil), Bias: []float64{0}, Activation: Linear}}},
		{"unknown activation", []Layer{{Weights: mat.NewDense(1, 1, nil), Bias: []float64{0}, Activation: "gelu"}}},
		{"chain mismatch", []Layer{
			{Weights: mat.NewDense(3, 2, nil), Bias: make([]float64, 3), Activation: Tanh},
			{Weights: mat.NewDense(1, 4, nil), Bias: make([]float64, 1), Activation: Linear},
		}},
		{"nan weight", []Layer{{Weights: mat.NewDense(1, 1, []float64{math.NaN()}), Bias: []float64{0}, Activation: Linear}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGraph(tt.layers)
			assert.Error(t, err)
		})
	}
}

func TestGraph_SaveReadRoundTrip(t *testing.T) {
	g := twoLayerGraph(t)

	var buf bytes.Buffer
	require.NoError(t, g.Save(&buf))

	back, err := ReadGraph(&buf)
	require.NoError(t, err)

	in, out := back.Dims()
	assert.Equal(t, 2, in)
	assert.Equal(t, 1, out)
	assert.Equal(t, g.Eval([]float64{1, 2}), back.Eval([]float64{1, 2}))
	assert.Equal(t, g.Eval([]float64{-3, 0.25}), back.Eval([]float64{-3, 0.25}))
}

func TestReadGraph_Corrupt(t *testing.T) {
	_, err := ReadGraph(bytes.NewReader([]byte("definitely not gob")))
	assert.Error(t, err)

	var buf bytes.Buffer
	require.NoError(t, sumGraph(t).Save(&buf))
	truncated := buf.Bytes()[:buf.Len()-5]
	_, err = ReadGraph(bytes.NewReader(truncated))
	assert.Error(t, err)
}

func TestReadGraph_LayerCountOutOfRange(t *testing.T) {
	for _, n := range []int{0, -1, maxLayers + 1, 1 << 60} {
		var buf bytes.Buffer
		require.NoError(t, gob.NewEncoder(&buf).Encode(graphHeader{
			Magic: graphMagic, Version: graphVersion, InputDim: 2, OutputDim: 1, Layers: n,
		}))
		_, err := ReadGraph(&buf)
		assert.ErrorContains(t, err, "invalid layer count", "layers=%d", n)
	}
}

func TestOpen_HugeLayerCountIsModelLoadError(t *testing.T) {
	require.NoError(t, Shutdown())
	t.Cleanup(func() { _ = Shutdown() })

	path := filepath.Join(t.TempDir(), "corrupt.ffn")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, gob.NewEncoder(f).Encode(graphHeader{
		Magic: graphMagic, Version: graphVersion, InputDim: 2, OutputDim: 1, Layers: 1 << 60,
	}))
	require.NoError(t, f.Close())

	_, err = Open(path, Options{})
	assert.ErrorIs(t, err, common.ErrModelLoad)
}

func TestOpen_NonFiniteWeightsIsModelLoadError(t *testing.T) {
	require.NoError(t, Shutdown())
	t.Cleanup(func() { _ = Shutdown() })

	raw, err := mat.NewDense(1, 2, []float64{0.5, math.Inf(1)}).MarshalBinary()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "inf.ffn")
	f, err := os.Create(path)
	require.NoError(t, err)
	enc := gob.NewEncoder(f)
	require.NoError(t, enc.Encode(graphHeader{
		Magic: graphMagic, Version: graphVersion, InputDim: 2, OutputDim: 1, Layers: 1,
	}))
	require.NoError(t, enc.Encode(layerRecord{Activation: string(Linear), Weights: raw, Bias: []float64{0}}))
	require.NoError(t, f.Close())

	_, err = Open(path, Options{})
	assert.ErrorIs(t, err, common.ErrModelLoad)
	assert.ErrorContains(t, err, "non-finite parameters")
}
