// Package descriptor loads and validates the normalization metadata written
// alongside a trained model: input/output dimensions, parameter names, min-max
// bounds, optional Box-Cox lambdas and transform masks.
//
// A Descriptor is immutable once constructed. Accessors hand out copies so no
// caller can alter the bounds a pipeline was built with.
package descriptor

import (
	"fmt"
	"math"
	"os"

	"precept-serve/internal/common"

	"gopkg.in/yaml.v3"
)

// TrafoType names the variance-stabilizing transform the model was trained with.
type TrafoType string

const (
	TrafoBox  TrafoType = common.TrafoBox
	TrafoNone TrafoType = common.TrafoNone
)

// Descriptor is the validated metadata of a trained model.
type Descriptor struct {
	numX, numY       int
	paramsX, paramsY []string
	minX, maxX       []float64
	minY, maxY       []float64
	trafoType        TrafoType
	lambdaX, lambdaY []float64
	maskX, maskY     []string
	maskXIdx         []int
	maskYIdx         []int
}

// Bounds holds the per-component min-max scaling range of one side of the model.
type Bounds struct {
	Min []float64
	Max []float64
}

// Masks holds the reserved transform mask names and their resolved indices.
// Masks are resolved and validated but not applied by prediction.
type Masks struct {
	X, Y       []string
	XIdx, YIdx []int
}

// Summary is the JSON view served by /model/info.
type Summary struct {
	NumX      int       `json:"num_x"`
	NumY      int       `json:"num_y"`
	ParamsX   []string  `json:"params_x"`
	ParamsY   []string  `json:"params_y"`
	MinX      []float64 `json:"min_x"`
	MaxX      []float64 `json:"max_x"`
	MinY      []float64 `json:"min_y"`
	MaxY      []float64 `json:"max_y"`
	TrafoType string    `json:"trafo_type"`
	BoxCox    bool      `json:"box_cox"`
	MaskX     []string  `json:"mask_x,omitempty"`
	MaskY     []string  `json:"mask_y,omitempty"`
}

// Load reads the descriptor file at path and validates it.
func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &common.Error{Kind: common.KindSchema, Op: "descriptor.load", Err: fmt.Errorf("read %s: %w", path, err)}
	}
	return Parse(data)
}

// Parse decodes a YAML descriptor and validates it.
func Parse(data []byte) (*Descriptor, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &common.Error{Kind: common.KindSchema, Op: "descriptor.parse", Err: err}
	}
	return FromDocument(doc)
}

// FromDocument validates a decoded document and builds the immutable Descriptor.
func FromDocument(doc Document) (*Descriptor, error) {
	const op = "descriptor.validate"

	if doc.NumX == nil {
		return nil, common.SchemaError(op, "num_x", "required field is missing")
	}
	if doc.NumY == nil {
		return nil, common.SchemaError(op, "num_y", "required field is missing")
	}
	numX, numY := int(*doc.NumX), int(*doc.NumY)
	if numX <= 0 {
		return nil, common.SchemaError(op, "num_x", "must be positive, got %d", numX)
	}
	if numY <= 0 {
		return nil, common.SchemaError(op, "num_y", "must be positive, got %d", numY)
	}

	if err := checkNames(op, "params_x", doc.ParamsX, numX); err != nil {
		return nil, err
	}
	if err := checkNames(op, "params_y", doc.ParamsY, numY); err != nil {
		return nil, err
	}
	if err := checkBounds(op, "min_x", "max_x", doc.MinX, doc.MaxX, numX); err != nil {
		return nil, err
	}
	if err := checkBounds(op, "min_y", "max_y", doc.MinY, doc.MaxY, numY); err != nil {
		return nil, err
	}

	d := &Descriptor{
		numX:      numX,
		numY:      numY,
		paramsX:   cloneStrings(doc.ParamsX),
		paramsY:   cloneStrings(doc.ParamsY),
		minX:      cloneFloats(doc.MinX),
		maxX:      cloneFloats(doc.MaxX),
		minY:      cloneFloats(doc.MinY),
		maxY:      cloneFloats(doc.MaxY),
		trafoType: TrafoNone,
	}
	if doc.TrafoType != nil {
		d.trafoType = TrafoType(*doc.TrafoType)
	}

	// Lambdas only carry meaning for a Box-Cox model and are dropped otherwise.
	if d.trafoType == TrafoBox {
		if doc.LambdaX != nil {
			if err := checkLambdas(op, "lambda_x", doc.LambdaX, numX); err != nil {
				return nil, err
			}
			d.lambdaX = cloneFloats(doc.LambdaX)
		}
		if doc.LambdaY != nil {
			if err := checkLambdas(op, "lambda_y", doc.LambdaY, numY); err != nil {
				return nil, err
			}
			d.lambdaY = cloneFloats(doc.LambdaY)
		}
	}

	var err error
	if d.maskXIdx, err = resolveMask(op, "mask_x", doc.MaskX, d.paramsX); err != nil {
		return nil, err
	}
	if d.maskYIdx, err = resolveMask(op, "mask_y", doc.MaskY, d.paramsY); err != nil {
		return nil, err
	}
	d.maskX = cloneStrings(doc.MaskX)
	d.maskY = cloneStrings(doc.MaskY)

	return d, nil
}

// NumX is the required input vector length.
func (d *Descriptor) NumX() int { return d.numX }

// NumY is the output vector length.
func (d *Descriptor) NumY() int { return d.numY }

func (d *Descriptor) ParamsX() []string { return cloneStrings(d.paramsX) }

func (d *Descriptor) ParamsY() []string { return cloneStrings(d.paramsY) }

func (d *Descriptor) TrafoType() TrafoType { return d.trafoType }

// InputBounds returns a copy of the input scaling range.
func (d *Descriptor) InputBounds() Bounds {
	return Bounds{Min: cloneFloats(d.minX), Max: cloneFloats(d.maxX)}
}

// OutputBounds returns a copy of the output scaling range.
func (d *Descriptor) OutputBounds() Bounds {
	return Bounds{Min: cloneFloats(d.minY), Max: cloneFloats(d.maxY)}
}

// Lambdas returns copies of the Box-Cox lambdas. Either may be nil.
func (d *Descriptor) Lambdas() (x, y []float64) {
	return cloneFloats(d.lambdaX), cloneFloats(d.lambdaY)
}

// HasBoxCox reports whether the descriptor fully specifies a Box-Cox transform
// for both sides of the model.
func (d *Descriptor) HasBoxCox() bool {
	return d.trafoType == TrafoBox && d.lambdaX != nil && d.lambdaY != nil
}

func (d *Descriptor) Masks() Masks {
	return Masks{
		X:    cloneStrings(d.maskX),
		Y:    cloneStrings(d.maskY),
		XIdx: cloneInts(d.maskXIdx),
		YIdx: cloneInts(d.maskYIdx),
	}
}

func (d *Descriptor) Summary() Summary {
	return Summary{
		NumX:      d.numX,
		NumY:      d.numY,
		ParamsX:   d.ParamsX(),
		ParamsY:   d.ParamsY(),
		MinX:      cloneFloats(d.minX),
		MaxX:      cloneFloats(d.maxX),
		MinY:      cloneFloats(d.minY),
		MaxY:      cloneFloats(d.maxY),
		TrafoType: string(d.trafoType),
		BoxCox:    d.HasBoxCox(),
		MaskX:     cloneStrings(d.maskX),
		MaskY:     cloneStrings(d.maskY),
	}
}

func checkNames(op, field string, names []string, n int) error {
	if names == nil {
		return common.SchemaError(op, field, "required field is missing")
	}
	if len(names) != n {
		return common.SchemaError(op, field, "expected %d names, got %d", n, len(names))
	}
	return nil
}

func checkBounds(op, minField, maxField string, min, max []float64, n int) error {
	if min == nil {
		return common.SchemaError(op, minField, "required field is missing")
	}
	if max == nil {
		return common.SchemaError(op, maxField, "required field is missing")
	}
	if len(min) != n {
		return common.SchemaError(op, minField, "expected %d values, got %d", n, len(min))
	}
	if len(max) != n {
		return common.SchemaError(op, maxField, "expected %d values, got %d", n, len(max))
	}
	for i := range min {
		if !isFinite(min[i]) {
			return common.SchemaError(op, minField, "index %d: value %v is not finite", i, min[i])
		}
		if !isFinite(max[i]) {
			return common.SchemaError(op, maxField, "index %d: value %v is not finite", i, max[i])
		}
		if max[i] <= min[i] {
			return common.SchemaError(op, maxField, "index %d: max %v must exceed min %v", i, max[i], min[i])
		}
	}
	return nil
}

func checkLambdas(op, field string, lambda []float64, n int) error {
	if len(lambda) != n {
		return common.SchemaError(op, field, "expected %d values, got %d", n, len(lambda))
	}
	for i, l := range lambda {
		if !isFinite(l) {
			return common.SchemaError(op, field, "index %d: value %v is not finite", i, l)
		}
	}
	return nil
}

func resolveMask(op, field string, mask, params []string) ([]int, error) {
	if mask == nil {
		return nil, nil
	}
	index := make(map[string]int, len(params))
	for i := len(params) - 1; i >= 0; i-- {
		index[params[i]] = i // first occurrence wins
	}
	idx := make([]int, len(mask))
	for i, name := range mask {
		pos, ok := index[name]
		if !ok {
			return nil, common.SchemaError(op, field, "unknown parameter %q", name)
		}
		idx[i] = pos
	}
	return idx, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func cloneFloats(v []float64) []float64 {
	if v == nil {
		return nil
	}
	return append([]float64(nil), v...)
}

func cloneStrings(v []string) []string {
	if v == nil {
		return nil
	}
	return append([]string(nil), v...)
}

func cloneInts(v []int) []int {
	if v == nil {
		return nil
	}
	return append([]int(nil), v...)
}
