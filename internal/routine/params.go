package routine

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// ParamType is the value type of a tunable parameter.
type ParamType string

const (
	ParamNumber  ParamType = "number"
	ParamInteger ParamType = "integer"
	ParamBoolean ParamType = "boolean"
	ParamString  ParamType = "string"
)

// stepTolerance absorbs float error when checking step alignment.
const stepTolerance = 1e-9

// ParamSpec declares one tunable parameter.
//
// Numeric parameters must declare Min ≤ Max. Step 0 means any value in
// range is accepted; otherwise (value-Min) must be a multiple of Step.
type ParamSpec struct {
	Type        ParamType `json:"type"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	Step        float64   `json:"step,omitempty"`
	Default     any       `json:"default"`
	Description string    `json:"description"`

	// SafetyOverride marks a boolean that lifts the intensity ceiling.
	// It can only be enabled when the host allows high intensity.
	SafetyOverride bool `json:"safety_override,omitempty"`
}

// Params holds the effective parameter values of a run.
type Params map[string]any

// ApplyParams starts from every spec's default and applies overrides.
//
// Each override is validated against its spec: unknown names, wrong
// types, values outside [Min, Max] and values off Step are all rejected.
// Every problem is reported, in name order.
//
// Parameters:
//   - specs: the routine's declared parameters
//   - overrides: host-supplied values (may be nil)
//   - allowHighIntensity: whether SafetyOverride parameters may be enabled
//
// Returns:
//   - Params: defaults merged with the normalised overrides
//   - error: wraps ErrInvalidParameter
func ApplyParams(specs map[string]ParamSpec, overrides map[string]any, allowHighIntensity bool) (Params, error) {
	params := make(Params, len(specs))
	for name, spec := range specs {
		v, err := normalise(spec, spec.Default)
		if err != nil {
			return nil, fmt.Errorf("%w: default for %s: %w", ErrInvalidParameter, name, err)
		}
		params[name] = v
	}

	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)

	var problems []string
	for _, name := range names {
		spec, ok := specs[name]
		if !ok {
			problems = append(problems, fmt.Sprintf("%s: unknown parameter", name))
			continue
		}
		v, err := normalise(spec, overrides[name])
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		if spec.SafetyOverride && v == true && !allowHighIntensity {
			problems = append(problems, fmt.Sprintf("%s: high intensity is disabled on this host", name))
			continue
		}
		params[name] = v
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidParameter, strings.Join(problems, "; "))
	}
	return params, nil
}

// ValidateSpec checks that a spec is internally consistent.
func ValidateSpec(spec ParamSpec) error {
	switch spec.Type {
	case ParamNumber, ParamInteger:
		if math.IsNaN(spec.Min) || math.IsNaN(spec.Max) || spec.Min > spec.Max {
			return fmt.Errorf("range [%v, %v] is empty", spec.Min, spec.Max)
		}
		if spec.Step < 0 {
			return fmt.Errorf("step %v is negative", spec.Step)
		}
	case ParamBoolean, ParamString:
		if spec.SafetyOverride && spec.Type != ParamBoolean {
			return fmt.Errorf("safety override must be boolean")
		}
	default:
		return fmt.Errorf("unknown type %q", spec.Type)
	}
	if spec.SafetyOverride && spec.Default == true {
		return fmt.Errorf("safety override cannot default to enabled")
	}
	if _, err := normalise(spec, spec.Default); err != nil {
		return fmt.Errorf("default: %w", err)
	}
	return nil
}

// normalise converts v to the Go type for spec.Type and checks range and step.
// Numbers become float64, integers int.
func normalise(spec ParamSpec, v any) (any, error) {
	switch spec.Type {
	case ParamBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("want boolean, got %T", v)
		}
		return b, nil

	case ParamString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("want string, got %T", v)
		}
		return s, nil

	case ParamNumber, ParamInteger:
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("want %s, got %T", spec.Type, v)
		}
		if spec.Type == ParamInteger && f != math.Trunc(f) {
			return nil, fmt.Errorf("want integer, got %v", f)
		}
		if f < spec.Min || f > spec.Max {
			return nil, fmt.Errorf("%v outside [%v, %v]", f, spec.Min, spec.Max)
		}
		if spec.Step > 0 {
			steps := (f - spec.Min) / spec.Step
			if math.Abs(steps-math.Round(steps)) > stepTolerance {
				return nil, fmt.Errorf("%v is not a multiple of step %v from %v", f, spec.Step, spec.Min)
			}
		}
		if spec.Type == ParamInteger {
			return int(f), nil
		}
		return f, nil

	default:
		return nil, fmt.Errorf("unknown type %q", spec.Type)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, finite(n)
	case float32:
		return float64(n), finite(float64(n))
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil && finite(f)
	default:
		return 0, false
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Float returns a numeric parameter, or 0 when missing.
func (p Params) Float(name string) float64 {
	f, _ := toFloat(p[name])
	return f
}

// Int returns an integer parameter, or 0 when missing.
func (p Params) Int(name string) int {
	return int(p.Float(name))
}

// Bool returns a boolean parameter, or false when missing.
func (p Params) Bool(name string) bool {
	b, _ := p[name].(bool)
	return b
}

// Text returns a string parameter, or "" when missing.
func (p Params) Text(name string) string {
	s, _ := p[name].(string)
	return s
}

// Seconds returns a numeric parameter interpreted as seconds.
func (p Params) Seconds(name string) time.Duration {
	return time.Duration(p.Float(name) * float64(time.Second))
}

// Decode copies params into a struct using `mapstructure` tags.
func (p Params) Decode(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      false,
	})
	if err != nil {
		return fmt.Errorf("routine: params decoder: %w", err)
	}
	if err := dec.Decode(map[string]any(p)); err != nil {
		return fmt.Errorf("routine: decode params: %w", err)
	}
	return nil
}
