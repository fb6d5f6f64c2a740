package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"precept-serve/internal/adapter"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

// descriptorFile mirrors the descriptor YAML layout in field order.
type descriptorFile struct {
	NumX      int       `yaml:"num_x"`
	NumY      int       `yaml:"num_y"`
	ParamsX   []string  `yaml:"params_x"`
	ParamsY   []string  `yaml:"params_y"`
	MinX      []float64 `yaml:"min_x,flow"`
	MaxX      []float64 `yaml:"max_x,flow"`
	MinY      []float64 `yaml:"min_y,flow"`
	MaxY      []float64 `yaml:"max_y,flow"`
	TrafoType string    `yaml:"trafo_type"`
	LambdaX   []float64 `yaml:"lambda_x,flow,omitempty"`
	LambdaY   []float64 `yaml:"lambda_y,flow,omitempty"`
}

func main() {
	var (
		outDir  = flag.String("out", "models", "Output directory")
		name    = flag.String("name", "model", "Base file name for <name>.ffn and <name>.yml")
		inputs  = flag.Int("inputs", 3, "Number of inputs")
		outputs = flag.Int("outputs", 2, "Number of outputs")
		hidden  = flag.Int("hidden", 16, "Hidden layer width")
		seed    = flag.Int64("seed", 1, "Random seed")
		box     = flag.Bool("box", false, "Declare a Box-Cox transform in the descriptor")
	)
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if *inputs < 1 || *outputs < 1 || *hidden < 1 {
		log.Fatal().Msg("inputs, outputs and hidden must be positive")
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("Failed to create output directory")
	}

	rng := rand.New(rand.NewSource(*seed))

	g, err := adapter.NewGraph([]adapter.Layer{
		randomLayer(rng, *inputs, *hidden, adapter.Tanh),
		randomLayer(rng, *hidden, *outputs, adapter.Sigmoid),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build graph")
	}

	modelPath := filepath.Join(*outDir, *name+".ffn")
	if err := g.SaveFile(modelPath); err != nil {
		log.Fatal().Err(err).Msg("Failed to write model")
	}

	desc := sampleDescriptor(rng, *inputs, *outputs, *box)
	data, err := yaml.Marshal(desc)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to encode descriptor")
	}
	descPath := filepath.Join(*outDir, *name+".yml")
	if err := os.WriteFile(descPath, data, 0o644); err != nil {
		log.Fatal().Err(err).Msg("Failed to write descriptor")
	}

	log.Info().
		Str("model", modelPath).
		Str("descriptor", descPath).
		Int("inputs", *inputs).
		Int("outputs", *outputs).
		Bool("box_cox", *box).
		Msg("Generated sample model")
}

func randomLayer(rng *rand.Rand, in, out int, act adapter.Activation) adapter.Layer {
	w := make([]float64, in*out)
	for i := range w {
		w[i] = rng.NormFloat64() / float64(in)
	}
	b := make([]float64, out)
	for i := range b {
		b[i] = rng.NormFloat64() * 0.1
	}
	return adapter.Layer{Weights: mat.NewDense(out, in, w), Bias: b, Activation: act}
}

func sampleDescriptor(rng *rand.Rand, numX, numY int, box bool) descriptorFile {
	d := descriptorFile{
		NumX:      numX,
		NumY:      numY,
		TrafoType: "none",
	}
	for i := 0; i < numX; i++ {
		lo := float64(rng.Intn(10))
		d.ParamsX = append(d.ParamsX, fmt.Sprintf("x%d", i))
		d.MinX = append(d.MinX, lo)
		d.MaxX = append(d.MaxX, lo+1+float64(rng.Intn(100)))
	}
	for i := 0; i < numY; i++ {
		d.ParamsY = append(d.ParamsY, fmt.Sprintf("y%d", i))
		d.MinY = append(d.MinY, 0)
		d.MaxY = append(d.MaxY, 1+float64(rng.Intn(10)))
	}
	if box {
		d.TrafoType = "box"
		d.LambdaX = make([]float64, numX)
		d.LambdaY = make([]float64, numY)
		for i := range d.LambdaY {
			d.LambdaY[i] = 1
		}
	}
	return d
}
