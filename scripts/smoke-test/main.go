package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"precept-serve/internal/adapter"
	"precept-serve/internal/common"
	"precept-serve/internal/pipeline"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		modelPath   = flag.String("model", "models/model.ffn", "Path to model artifact")
		configPath  = flag.String("config", "models/model.yml", "Path to model descriptor")
		transformed = flag.Bool("transformed", false, "Run the pipeline with Box-Cox transforms")
	)
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	fmt.Println("🧪 Pipeline smoke test")
	fmt.Println("======================")

	absModel, _ := filepath.Abs(*modelPath)
	fmt.Printf("📁 Model:      %s\n", absModel)
	fmt.Printf("📁 Descriptor: %s\n", *configPath)

	var opts []pipeline.Option
	if *transformed {
		opts = append(opts, pipeline.WithTransformed())
	}

	fmt.Println("\n🔧 Loading pipeline...")
	p, err := pipeline.New(*modelPath, *configPath, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to load pipeline")
	}
	defer adapter.Shutdown()
	fmt.Println("✅ Pipeline loaded")

	desc := p.Descriptor()
	in := desc.InputBounds()

	mid := make([]float64, desc.NumX())
	for i := range mid {
		mid[i] = (in.Min[i] + in.Max[i]) / 2
	}
	cases := []struct {
		name  string
		input []float64
	}{
		{"lower bounds", in.Min},
		{"midpoint", mid},
		{"upper bounds", in.Max},
	}

	failed := 0
	fmt.Println("\n🔧 Predicting across the input range...")
	for _, tc := range cases {
		y, err := p.Predict(tc.input)
		if err != nil {
			fmt.Printf("❌ %s: %v\n", tc.name, err)
			failed++
			continue
		}
		fmt.Printf("✅ %-13s %v -> %v\n", tc.name, tc.input, y)
	}

	fmt.Println("\n🔧 Checking error paths...")
	if _, err := p.Predict(append(mid, 0)); errors.Is(err, common.ErrDimension) {
		fmt.Println("✅ wrong input length rejected")
	} else {
		fmt.Printf("❌ wrong input length: got %v\n", err)
		failed++
	}

	if err := p.Close(); err != nil {
		fmt.Printf("❌ close: %v\n", err)
		failed++
	}
	if _, err := p.Predict(mid); errors.Is(err, common.ErrClosed) {
		fmt.Println("✅ closed pipeline rejects predictions")
	} else {
		fmt.Printf("❌ closed pipeline: got %v\n", err)
		failed++
	}

	if failed > 0 {
		fmt.Printf("\n%d check(s) failed\n", failed)
		os.Exit(1)
	}
	fmt.Println("\n🎉 All checks passed")
}
