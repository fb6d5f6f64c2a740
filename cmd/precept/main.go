package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"precept-serve/internal/adapter"
	"precept-serve/internal/client"
	"precept-serve/internal/common"
	"precept-serve/internal/descriptor"
	"precept-serve/internal/pipeline"
	"precept-serve/internal/storage"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const usage = `usage:
  precept predict [-model m -config c -transformed | -remote url] [-file rows.csv] [x1,x2,...]...
  precept info -config c
  precept drift -remote url
  precept models add -data dir -model m -config c [-version v] [-activate]
  precept models activate -data dir version
  precept models rollback -data dir
  precept models list -data dir
`

func main() {
	_ = godotenv.Load()

	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "predict":
		err = runPredict(os.Args[2:], os.Stdout)
	case "info":
		err = runInfo(os.Args[2:], os.Stdout)
	case "drift":
		err = runDrift(os.Args[2:], os.Stdout)
	case "models":
		err = runModels(os.Args[2:], os.Stdout)
	case "-h", "-help", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "precept: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode distinguishes bad input (2) from runtime failures (1).
func exitCode(err error) int {
	if errors.Is(err, common.ErrDimension) || errors.Is(err, common.ErrSchema) {
		return 2
	}
	return 1
}

func runPredict(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("predict", flag.ContinueOnError)
	var (
		modelPath   = fs.String("model", os.Getenv(common.EnvModelPath), "Path to model artifact")
		configPath  = fs.String("config", os.Getenv(common.EnvDescriptorPath), "Path to model descriptor (YAML)")
		transformed = fs.Bool("transformed", false, "Apply Box-Cox transforms around scaling")
		backend     = fs.String("backend", "", "Model backend: native, script (default: by file extension)")
		pythonPath  = fs.String("python", os.Getenv(common.EnvPythonPath), "Python interpreter for script models")
		remote      = fs.String("remote", "", "Base URL of a running precept-serve instead of a local model")
		file        = fs.String("file", "", "CSV file with one input vector per row")
		timeout     = fs.Duration("timeout", 10*time.Second, "Per-prediction timeout")
		logLevel    = fs.String("log-level", "warn", "Log level: debug, info, warn, error")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if level, err := zerolog.ParseLevel(*logLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	rows, err := collectRows(fs.Args(), *file)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("no input vectors given")
	}

	predict, paramsY, closeFn, err := openPredictor(*remote, *modelPath, *configPath, *transformed, adapter.Options{
		Backend:       adapter.Backend(*backend),
		PythonPath:    *pythonPath,
		ScriptTimeout: *timeout,
	}, *timeout)
	if err != nil {
		return err
	}
	defer closeFn()

	w := csv.NewWriter(out)
	if len(paramsY) > 0 {
		w.Write(paramsY)
	}
	for i, row := range rows {
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		y, err := predict(ctx, row)
		cancel()
		if err != nil {
			w.Flush()
			return fmt.Errorf("row %d: %w", i+1, err)
		}
		w.Write(formatFloats(y))
	}
	w.Flush()
	return w.Error()
}

type predictFunc func(ctx context.Context, input []float64) ([]float64, error)

// openPredictor returns a local pipeline or a remote client behind one call.
func openPredictor(remote, modelPath, configPath string, transformed bool, aopts adapter.Options, timeout time.Duration) (predictFunc, []string, func(), error) {
	if remote != "" {
		c := client.New(remote, timeout)
		info, err := c.ModelInfo(context.Background())
		if err != nil {
			return nil, nil, nil, err
		}
		predict := func(ctx context.Context, input []float64) ([]float64, error) {
			resp, err := c.Predict(ctx, input)
			if err != nil {
				return nil, err
			}
			return resp.Output, nil
		}
		return predict, info.Descriptor.ParamsY, func() {}, nil
	}

	if modelPath == "" || configPath == "" {
		return nil, nil, nil, fmt.Errorf("-model and -config are required without -remote")
	}
	opts := []pipeline.Option{pipeline.WithAdapterOptions(aopts)}
	if transformed {
		opts = append(opts, pipeline.WithTransformed())
	}
	p, err := pipeline.New(modelPath, configPath, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	closeFn := func() {
		p.Close()
		adapter.Shutdown()
	}
	return p.PredictContext, p.Descriptor().ParamsY(), closeFn, nil
}

func runInfo(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv(common.EnvDescriptorPath), "Path to model descriptor (YAML)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	desc, err := descriptor.Load(*configPath)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(desc.Summary())
}

func runDrift(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("drift", flag.ContinueOnError)
	remote := fs.String("remote", "http://localhost:8090", "Base URL of a running precept-serve")
	if err := fs.Parse(args); err != nil {
		return err
	}

	report, err := client.New(*remote, 10*time.Second).Drift(context.Background())
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "model %s: %d samples since %s", report.ModelVersion, report.Samples, report.Since.Format(time.RFC3339))
	if !report.BaselineReady {
		fmt.Fprint(out, " (baseline still filling)")
	}
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PARAM\tBELOW\tABOVE\tEXTRAP_PCT\tKS\tPSI\tDRIFTED")
	for _, p := range report.Params {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.2f\t%.3f\t%.3f\t%t\n",
			p.Name, p.BelowMin, p.AboveMax, 100*p.ExtrapolationRate, p.KS, p.PSI, p.Drifted)
	}
	return tw.Flush()
}

func runModels(args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("models: missing subcommand (add, activate, rollback, list)")
	}
	sub := args[0]

	fs := flag.NewFlagSet("models "+sub, flag.ContinueOnError)
	var (
		dataPath   = fs.String("data", envOr(common.EnvDataPath, "data"), "Path to data directory")
		modelPath  = fs.String("model", "", "Path to model artifact (add)")
		configPath = fs.String("config", "", "Path to model descriptor (add)")
		version    = fs.String("version", "", "Version name (add; generated when empty)")
		activate   = fs.Bool("activate", false, "Activate the version after adding it")
	)
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	store, err := storage.New(*dataPath)
	if err != nil {
		return err
	}
	defer store.Close()

	switch sub {
	case "add":
		if *modelPath == "" || *configPath == "" {
			return fmt.Errorf("models add: -model and -config are required")
		}
		// refuse artifacts that would not load
		p, err := pipeline.New(*modelPath, *configPath)
		if err != nil {
			return err
		}
		p.Close()
		adapter.Shutdown()

		mv, err := store.AddVersion(*version, *modelPath, *configPath)
		if err != nil {
			return err
		}
		if *activate {
			if err := store.ActivateVersion(mv.Version); err != nil {
				return err
			}
		}
		fmt.Fprintln(out, mv.Version)
		return nil

	case "activate":
		if fs.NArg() != 1 {
			return fmt.Errorf("models activate: expected exactly one version")
		}
		return store.ActivateVersion(fs.Arg(0))

	case "rollback":
		mv, err := store.Rollback()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, mv.Version)
		return nil

	case "list":
		versions, err := store.ListVersions()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ACTIVE\tVERSION\tCREATED\tMODEL\tDESCRIPTOR")
		for _, v := range versions {
			mark := ""
			if v.IsActive {
				mark = "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", mark, v.Version, v.CreatedAt.Format(time.RFC3339), v.ModelPath, v.DescriptorPath)
		}
		return tw.Flush()

	default:
		return fmt.Errorf("models: unknown subcommand %q", sub)
	}
}

// collectRows gathers input vectors from positional args and an optional CSV file.
func collectRows(args []string, file string) ([][]float64, error) {
	var rows [][]float64
	for _, arg := range args {
		row, err := parseVector(strings.Split(arg, ","))
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	if file == "" {
		return rows, nil
	}

	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.Comment = '#'
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}
	for i, rec := range records {
		row, err := parseVector(rec)
		if err != nil {
			// a non-numeric first line is a header
			if i == 0 {
				continue
			}
			return nil, fmt.Errorf("%s line %d: %w", file, i+1, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseVector(fields []string) ([]float64, error) {
	v := make([]float64, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", f)
		}
		v = append(v, x)
	}
	return v, nil
}

func formatFloats(v []float64) []string {
	out := make([]string, len(v))
	for i, x := range v {
		out[i] = strconv.FormatFloat(x, 'g', -1, 64)
	}
	return out
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
