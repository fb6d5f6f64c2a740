package descriptor

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is the raw, unvalidated form of a model descriptor as written by
// the training tool. Pointer and slice fields stay nil when a key is absent so
// that FromDocument can tell missing from zero. Unknown keys are ignored.
type Document struct {
	NumX      *Count    `yaml:"num_x"`
	NumY      *Count    `yaml:"num_y"`
	ParamsX   []string  `yaml:"params_x"`
	ParamsY   []string  `yaml:"params_y"`
	MinX      FloatList `yaml:"min_x"`
	MaxX      FloatList `yaml:"max_x"`
	MinY      FloatList `yaml:"min_y"`
	MaxY      FloatList `yaml:"max_y"`
	TrafoType *string   `yaml:"trafo_type"`
	LambdaX   FloatList `yaml:"lambda_x"`
	LambdaY   FloatList `yaml:"lambda_y"`
	MaskX     []string  `yaml:"mask_x"`
	MaskY     []string  `yaml:"mask_y"`
}

// Count accepts both `num_x: 4` and `num_x: "4"`.
type Count int

func (c *Count) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar count", value.Line)
	}
	n, err := strconv.Atoi(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("line %d: invalid count %q", value.Line, value.Value)
	}
	*c = Count(n)
	return nil
}

// FloatList decodes a YAML sequence of numbers. Null entries become NaN so the
// bounds check rejects them instead of silently reading zero.
type FloatList []float64

func (f *FloatList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: expected a sequence of numbers", value.Line)
	}
	out := make(FloatList, len(value.Content))
	for i, item := range value.Content {
		if item.Tag == "!!null" {
			out[i] = math.NaN()
			continue
		}
		var v float64
		if err := item.Decode(&v); err != nil {
			return fmt.Errorf("line %d: element %d: %w", item.Line, i, err)
		}
		out[i] = v
	}
	*f = out
	return nil
}
