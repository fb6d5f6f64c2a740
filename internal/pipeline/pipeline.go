// Package pipeline turns a raw model into a predictor that speaks real-world
// units. A Pipeline owns one descriptor and one adapter handle and runs
//
//	validate -> [Box-Cox] -> scale -> forward -> unscale -> [inverse Box-Cox]
//
// The Box-Cox steps run only when the pipeline is built WithTransformed.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"precept-serve/internal/adapter"
	"precept-serve/internal/common"
	"precept-serve/internal/descriptor"
	"precept-serve/internal/transform"

	"github.com/rs/zerolog/log"
)

// MetricsInterface defines the metrics hooks a pipeline reports to.
type MetricsInterface interface {
	PredictionsInc()
	FailuresInc(kind string)
	LatencyObserve(seconds float64)
	ForwardLatencyObserve(seconds float64)
	ModelTimestampSet(unix float64)
}

// Predictor is the scaled prediction capability shared by Pipeline and its
// wrappers.
type Predictor interface {
	PredictContext(ctx context.Context, input []float64) ([]float64, error)
	Descriptor() *descriptor.Descriptor
	Close() error
}

// State of a Pipeline. No Uninitialized pipeline is ever returned to a caller.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "uninitialized"
	}
}

type options struct {
	metrics     MetricsInterface
	transformed bool
	adapter     adapter.Options
}

// Option customizes a Pipeline.
type Option func(*options)

// WithMetrics reports predictions, failures and latencies to m.
func WithMetrics(m MetricsInterface) Option {
	return func(o *options) { o.metrics = m }
}

// WithTransformed enables the Box-Cox steps around scaling. The descriptor
// must declare trafo_type box with both lambda vectors.
func WithTransformed() Option {
	return func(o *options) { o.transformed = true }
}

// WithAdapterOptions configures how the model artifact is opened.
func WithAdapterOptions(a adapter.Options) Option {
	return func(o *options) { o.adapter = a }
}

// Pipeline is a scaled predictor around one model artifact.
type Pipeline struct {
	desc        *descriptor.Descriptor
	raw         adapter.RawPredictor
	in, out     descriptor.Bounds
	lambdaX     []float64
	lambdaY     []float64
	transformed bool
	metrics     MetricsInterface

	mu    sync.Mutex
	state State
}

// New loads the descriptor at configPath, then the model at modelPath.
// Either failure aborts construction and nothing stays open.
func New(modelPath, configPath string, opts ...Option) (*Pipeline, error) {
	o := applyOptions(opts)

	desc, err := descriptor.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := checkTransformed(desc, o.transformed); err != nil {
		return nil, err
	}

	raw, err := adapter.Open(modelPath, o.adapter)
	if err != nil {
		return nil, err
	}

	p, err := build(desc, raw, o)
	if err != nil {
		raw.Close()
		return nil, err
	}

	if p.metrics != nil {
		if info, err := os.Stat(modelPath); err == nil {
			p.metrics.ModelTimestampSet(float64(info.ModTime().UnixNano()) / 1e9)
		}
	}

	log.Info().
		Str("model_path", modelPath).
		Str("config_path", configPath).
		Int("num_x", desc.NumX()).
		Int("num_y", desc.NumY()).
		Bool("transformed", p.transformed).
		Msg("prediction pipeline ready")
	return p, nil
}

// NewFromParts builds a pipeline from an already loaded descriptor and model.
// On success the pipeline owns raw; on failure raw is left to the caller.
func NewFromParts(desc *descriptor.Descriptor, raw adapter.RawPredictor, opts ...Option) (*Pipeline, error) {
	o := applyOptions(opts)
	if err := checkTransformed(desc, o.transformed); err != nil {
		return nil, err
	}
	return build(desc, raw, o)
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func checkTransformed(desc *descriptor.Descriptor, transformed bool) error {
	if transformed && !desc.HasBoxCox() {
		return common.SchemaError("pipeline.new", "trafo_type",
			"transformed mode requires trafo_type %q with lambda_x and lambda_y, got %q", descriptor.TrafoBox, desc.TrafoType())
	}
	return nil
}

func build(desc *descriptor.Descriptor, raw adapter.RawPredictor, o options) (*Pipeline, error) {
	if shaped, ok := raw.(adapter.Shaped); ok {
		in, out := shaped.Dims()
		if (in > 0 && in != desc.NumX()) || (out > 0 && out != desc.NumY()) {
			return nil, common.ModelLoadError("pipeline.new",
				fmt.Errorf("model shape [%d -> %d] does not match descriptor [%d -> %d]", in, out, desc.NumX(), desc.NumY()))
		}
	}

	p := &Pipeline{
		desc:        desc,
		raw:         raw,
		in:          desc.InputBounds(),
		out:         desc.OutputBounds(),
		transformed: o.transformed,
		metrics:     o.metrics,
		state:       StateReady,
	}
	if o.transformed {
		p.lambdaX, p.lambdaY = desc.Lambdas()
	}
	return p, nil
}

// Predict maps one real-world input vector of length NumX to an output vector
// of length NumY.
func (p *Pipeline) Predict(input []float64) ([]float64, error) {
	return p.PredictContext(context.Background(), input)
}

// PredictContext is Predict with a context passed to the adapter. Calls on one
// pipeline are serialized.
func (p *Pipeline) PredictContext(ctx context.Context, input []float64) ([]float64, error) {
	start := time.Now()

	out, err := p.predict(ctx, input)

	if p.metrics != nil {
		p.metrics.LatencyObserve(time.Since(start).Seconds())
		if err != nil {
			p.metrics.FailuresInc(common.KindOf(err).String())
		} else {
			p.metrics.PredictionsInc()
		}
	}
	if err != nil {
		log.Debug().Err(err).Int("input_len", len(input)).Msg("prediction failed")
		return nil, err
	}
	log.Debug().Floats64("input", input).Floats64("output", out).Msg("prediction successful")
	return out, nil
}

func (p *Pipeline) predict(ctx context.Context, input []float64) ([]float64, error) {
	const op = "pipeline.predict"

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateReady {
		return nil, common.ClosedError(op)
	}
	if len(input) != p.desc.NumX() {
		return nil, common.DimensionError(op, p.desc.NumX(), len(input))
	}

	x := input
	var err error
	if p.transformed {
		if x, err = transform.BoxCox(x, p.lambdaX); err != nil {
			return nil, err
		}
	}
	if x, err = transform.Scale(x, p.in.Min, p.in.Max); err != nil {
		return nil, err
	}

	fwdStart := time.Now()
	yf, err := p.raw.Forward(ctx, transform.Narrow(x))
	if p.metrics != nil {
		p.metrics.ForwardLatencyObserve(time.Since(fwdStart).Seconds())
	}
	if err != nil {
		if common.KindOf(err) == common.KindUnknown {
			err = common.InferenceError(op, err)
		}
		return nil, err
	}
	if len(yf) != p.desc.NumY() {
		return nil, common.InferenceError(op, fmt.Errorf("model returned %d values, descriptor expects %d", len(yf), p.desc.NumY()))
	}

	y, err := transform.Unscale(transform.Widen(yf), p.out.Min, p.out.Max)
	if err != nil {
		return nil, err
	}
	if p.transformed {
		if y, err = transform.CoxBox(y, p.lambdaY); err != nil {
			return nil, err
		}
	}
	return y, nil
}

// Descriptor returns the descriptor the pipeline was built with.
func (p *Pipeline) Descriptor() *descriptor.Descriptor {
	return p.desc
}

// Transformed reports whether the Box-Cox steps are active.
func (p *Pipeline) Transformed() bool {
	return p.transformed
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Close releases the model handle. Later predictions fail with a closed
// error. Closing twice is a no-op.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateClosed {
		return nil
	}
	p.state = StateClosed
	if err := p.raw.Close(); err != nil {
		return fmt.Errorf("close model: %w", err)
	}
	return nil
}
