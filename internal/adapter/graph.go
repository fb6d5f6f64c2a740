package adapter

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"
)

const (
	graphMagic   = "precept-ffn"
	graphVersion = 1
	maxLayers    = 1024
)

// Activation is the elementwise nonlinearity applied after a dense layer.
type Activation string

const (
	Linear   Activation = "linear"
	ReLU     Activation = "relu"
	Tanh     Activation = "tanh"
	Sigmoid  Activation = "sigmoid"
	Softplus Activation = "softplus"
)

func (a Activation) apply(v float64) float64 {
	switch a {
	case ReLU:
		return math.Max(0, v)
	case Tanh:
		return math.Tanh(v)
	case Sigmoid:
		return 1 / (1 + math.Exp(-v))
	case Softplus:
		return math.Log1p(math.Exp(v))
	default:
		return v
	}
}

func (a Activation) valid() bool {
	switch a {
	case Linear, ReLU, Tanh, Sigmoid, Softplus:
		return true
	}
	return false
}

// Layer is one dense layer: out = act(W·in + b), W has shape [out, in].
type Layer struct {
	Weights    *mat.Dense
	Bias       []float64
	Activation Activation
}

// Graph is a feed-forward stack of dense layers evaluated in-process.
// A Graph is read-only after construction and safe for concurrent Eval.
type Graph struct {
	layers  []Layer
	in, out int
}

type graphHeader struct {
	Magic     string
	Version   int
	InputDim  int
	OutputDim int
	Layers    int
}

type layerRecord struct {
	Activation string
	Weights    []byte // mat.Dense binary encoding
	Bias       []float64
}

// NewGraph validates that consecutive layer shapes chain together.
func NewGraph(layers []Layer) (*Graph, error) {
	if len(layers) == 0 {
		return nil, errors.New("graph has no layers")
	}
	for i, l := range layers {
		if l.Weights == nil {
			return nil, fmt.Errorf("layer %d: missing weights", i)
		}
		if !l.Activation.valid() {
			return nil, fmt.Errorf("layer %d: unknown activation %q", i, l.Activation)
		}
		r, c := l.Weights.Dims()
		if len(l.Bias) != r {
			return nil, fmt.Errorf("layer %d: bias length %d does not match %d outputs", i, len(l.Bias), r)
		}
		if i > 0 {
			pr, _ := layers[i-1].Weights.Dims()
			if c != pr {
				return nil, fmt.Errorf("layer %d: expects %d inputs, previous layer produces %d", i, c, pr)
			}
		}
		if !finiteMatrix(l.Weights) || !finiteSlice(l.Bias) {
			return nil, fmt.Errorf("layer %d: non-finite parameters", i)
		}
	}
	_, in := layers[0].Weights.Dims()
	out, _ := layers[len(layers)-1].Weights.Dims()
	return &Graph{layers: layers, in: in, out: out}, nil
}

// Dims returns the input and output widths.
func (g *Graph) Dims() (in, out int) {
	return g.in, g.out
}

// Eval runs the forward pass. len(x) must equal the input width.
func (g *Graph) Eval(x []float64) []float64 {
	h := mat.NewVecDense(len(x), append([]float64(nil), x...))
	for _, l := range g.layers {
		r, _ := l.Weights.Dims()
		next := mat.NewVecDense(r, nil)
		next.MulVec(l.Weights, h)
		next.AddVec(next, mat.NewVecDense(r, l.Bias))
		for i := 0; i < r; i++ {
			next.SetVec(i, l.Activation.apply(next.AtVec(i)))
		}
		h = next
	}
	return h.RawVector().Data
}

// Save writes the graph in the native artifact format.
func (g *Graph) Save(w io.Writer) error {
	enc := gob.NewEncoder(w)
	hdr := graphHeader{
		Magic:     graphMagic,
		Version:   graphVersion,
		InputDim:  g.in,
		OutputDim: g.out,
		Layers:    len(g.layers),
	}
	if err := enc.Encode(hdr); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	for i, l := range g.layers {
		raw, err := l.Weights.MarshalBinary()
		if err != nil {
			return fmt.Errorf("marshal layer %d weights: %w", i, err)
		}
		rec := layerRecord{Activation: string(l.Activation), Weights: raw, Bias: l.Bias}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode layer %d: %w", i, err)
		}
	}
	return nil
}

// SaveFile writes the graph to path.
func (g *Graph) SaveFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := g.Save(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadGraph decodes a graph written by Save.
func ReadGraph(r io.Reader) (*Graph, error) {
	dec := gob.NewDecoder(r)

	var hdr graphHeader
	if err := dec.Decode(&hdr); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	if hdr.Magic != graphMagic {
		return nil, fmt.Errorf("not a native graph artifact (magic %q)", hdr.Magic)
	}
	if hdr.Version != graphVersion {
		return nil, fmt.Errorf("unsupported artifact version %d", hdr.Version)
	}
	if hdr.Layers <= 0 || hdr.Layers > maxLayers {
		return nil, fmt.Errorf("invalid layer count %d", hdr.Layers)
	}

	// the header is untrusted; grow per decoded layer
	var layers []Layer
	for i := 0; i < hdr.Layers; i++ {
		var rec layerRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode layer %d: %w", i, err)
		}
		var w mat.Dense
		if err := w.UnmarshalBinary(rec.Weights); err != nil {
			return nil, fmt.Errorf("layer %d weights: %w", i, err)
		}
		layers = append(layers, Layer{Weights: &w, Bias: rec.Bias, Activation: Activation(rec.Activation)})
	}

	g, err := NewGraph(layers)
	if err != nil {
		return nil, err
	}
	if g.in != hdr.InputDim || g.out != hdr.OutputDim {
		return nil, fmt.Errorf("header declares [%d -> %d], layers give [%d -> %d]", hdr.InputDim, hdr.OutputDim, g.in, g.out)
	}
	return g, nil
}

func finiteMatrix(m *mat.Dense) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

func finiteSlice(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
