// Package drift tracks how live prediction inputs are distributed relative to
// the descriptor's training range and to the traffic first seen by a model.
//
// The first Window inputs after a model is loaded form the baseline. Later
// inputs fill a rolling window that is compared against it with the
// Kolmogorov-Smirnov statistic and the Population Stability Index.
package drift

import (
	"math"
	"sort"
	"sync"
	"time"

	"precept-serve/internal/descriptor"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	DefaultWindow    = 500
	DefaultThreshold = 0.2

	// PSI bins span [min, max] with one extra bin on each side for
	// extrapolated values.
	numBins = 10
	psiEps  = 1e-4
)

// Config tunes a Detector. Zero values take the defaults.
type Config struct {
	Window    int
	Threshold float64 // PSI above which a parameter is reported as drifted
}

// Metrics receives per-parameter drift signals.
type Metrics interface {
	ExtrapolationsInc(param string)
	InputDriftSet(param string, psi float64)
}

// ParamReport is the drift state of one input parameter.
type ParamReport struct {
	Name              string  `json:"name"`
	BelowMin          uint64  `json:"below_min"`
	AboveMax          uint64  `json:"above_max"`
	ExtrapolationRate float64 `json:"extrapolation_rate"`
	BaselineMean      float64 `json:"baseline_mean"`
	CurrentMean       float64 `json:"current_mean"`
	KS                float64 `json:"ks_statistic"`
	PSI               float64 `json:"psi"`
	Drifted           bool    `json:"drifted"`
}

// Report summarizes all parameters of one model version.
type Report struct {
	ModelVersion  string        `json:"model_version"`
	Samples       uint64        `json:"samples"`
	BaselineReady bool          `json:"baseline_ready"`
	Since         time.Time     `json:"since"`
	Params        []ParamReport `json:"params"`
}

// Detector accumulates inputs for a single loaded model.
type Detector struct {
	mu        sync.Mutex
	version   string
	names     []string
	bounds    descriptor.Bounds
	window    int
	threshold float64
	metrics   Metrics
	since     time.Time

	samples  uint64
	below    []uint64
	above    []uint64
	baseline [][]float64
	current  []*ring
}

// New creates a detector for the model identified by version.
func New(version string, desc *descriptor.Descriptor, cfg Config, m Metrics) *Detector {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	n := desc.NumX()
	d := &Detector{
		version:   version,
		names:     desc.ParamsX(),
		bounds:    desc.InputBounds(),
		window:    cfg.Window,
		threshold: cfg.Threshold,
		metrics:   m,
		since:     time.Now(),
		below:     make([]uint64, n),
		above:     make([]uint64, n),
		baseline:  make([][]float64, n),
		current:   make([]*ring, n),
	}
	for i := range d.current {
		d.current[i] = newRing(cfg.Window)
	}
	return d
}

// Version is the model version the detector was created for.
func (d *Detector) Version() string {
	return d.version
}

// Observe records one input vector. Vectors of the wrong length are ignored.
func (d *Detector) Observe(input []float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(input) != len(d.names) {
		return
	}
	d.samples++
	for i, v := range input {
		switch {
		case v < d.bounds.Min[i]:
			d.below[i]++
			d.extrapolated(i)
		case v > d.bounds.Max[i]:
			d.above[i]++
			d.extrapolated(i)
		}
		if len(d.baseline[i]) < d.window {
			d.baseline[i] = append(d.baseline[i], v)
			continue
		}
		d.current[i].push(v)
	}
}

func (d *Detector) extrapolated(i int) {
	if d.metrics != nil {
		d.metrics.ExtrapolationsInc(d.names[i])
	}
}

// Report computes the current drift scores.
func (d *Detector) Report() Report {
	d.mu.Lock()
	defer d.mu.Unlock()

	r := Report{
		ModelVersion: d.version,
		Samples:      d.samples,
		Since:        d.since,
		Params:       make([]ParamReport, len(d.names)),
	}
	r.BaselineReady = len(d.names) > 0 && len(d.baseline[0]) >= d.window

	for i, name := range d.names {
		p := ParamReport{Name: name, BelowMin: d.below[i], AboveMax: d.above[i]}
		if d.samples > 0 {
			p.ExtrapolationRate = float64(d.below[i]+d.above[i]) / float64(d.samples)
		}
		if len(d.baseline[i]) > 0 {
			p.BaselineMean = stat.Mean(d.baseline[i], nil)
		}

		cur := d.current[i].values()
		if r.BaselineReady && len(cur) > 0 {
			p.CurrentMean = stat.Mean(cur, nil)
			p.KS = ksStatistic(d.baseline[i], cur)
			p.PSI = psi(d.baseline[i], cur, d.bounds.Min[i], d.bounds.Max[i])
			p.Drifted = p.PSI > d.threshold
			if d.metrics != nil {
				d.metrics.InputDriftSet(name, p.PSI)
			}
			if p.Drifted {
				log.Warn().
					Str("model_version", d.version).
					Str("param", name).
					Float64("psi", p.PSI).
					Float64("ks", p.KS).
					Msg("input drift detected")
			}
		}
		r.Params[i] = p
	}
	return r
}

func ksStatistic(a, b []float64) float64 {
	x := sortedCopy(a)
	y := sortedCopy(b)
	return stat.KolmogorovSmirnov(x, nil, y, nil)
}

// psi compares two samples over fixed bins derived from the training range.
func psi(baseline, current []float64, lo, hi float64) float64 {
	edges := make([]float64, numBins+1)
	floats.Span(edges, lo, hi)

	bp := histogram(baseline, edges)
	cp := histogram(current, edges)

	var score float64
	for i := range bp {
		b := math.Max(bp[i], psiEps)
		c := math.Max(cp[i], psiEps)
		score += (c - b) * math.Log(c/b)
	}
	return score
}

// histogram returns bin fractions: below lo, numBins interior bins, above hi.
func histogram(v, edges []float64) []float64 {
	counts := make([]float64, len(edges)+1)
	lo, hi := edges[0], edges[len(edges)-1]
	for _, x := range v {
		switch {
		case x < lo:
			counts[0]++
		case x > hi:
			counts[len(counts)-1]++
		default:
			// index of the first edge strictly greater than x
			j := sort.SearchFloat64s(edges, x)
			if j < len(edges) && edges[j] == x {
				j++
			}
			if j > len(edges)-1 {
				j = len(edges) - 1
			}
			counts[j]++
		}
	}
	if len(v) > 0 {
		floats.Scale(1/float64(len(v)), counts)
	}
	return counts
}

func sortedCopy(v []float64) []float64 {
	out := append([]float64(nil), v...)
	sort.Float64s(out)
	return out
}

// ring is a fixed-capacity window of the most recent values.
type ring struct {
	buf  []float64
	next int
	full bool
}

func newRing(n int) *ring {
	return &ring{buf: make([]float64, n)}
}

func (r *ring) push(v float64) {
	r.buf[r.next] = v
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) values() []float64 {
	if r.full {
		return append([]float64(nil), r.buf...)
	}
	return append([]float64(nil), r.buf[:r.next]...)
}
