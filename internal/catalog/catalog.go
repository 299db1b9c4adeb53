package catalog

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrUnknownModel is returned for a model id not present in the catalog.
var ErrUnknownModel = errors.New("unknown model")

// ErrInvalidParameter is wrapped around every parameter validation failure so
// handlers can map the whole family to a 400.
var ErrInvalidParameter = errors.New("invalid parameter")

// ParamType enumerates the tagged variants a model parameter can declare.
type ParamType string

const (
	ParamString      ParamType = "string"
	ParamNumber      ParamType = "number"
	ParamBoolean     ParamType = "boolean"
	ParamEnum        ParamType = "enum"
	ParamStringArray ParamType = "string_array"
)

// ParamSpec declares one model parameter. A single generic validator
// interprets these specs; there is no per-model validation code.
type ParamSpec struct {
	Name     string
	Type     ParamType
	Required bool
	Default  any
	Min      *float64 // number lower bound, inclusive
	Max      *float64 // number upper bound, inclusive
	MaxLen   int      // string length limit, 0 = unlimited
	Options  []string // enum membership
	MaxItems int      // string_array length limit, 0 = unlimited
	Hidden   bool     // server-managed, rejected if user-supplied
}

// Model is one entry in the generation catalog. Pricing is integer-only and
// depends solely on the merged parameters, so cost is deterministic.
type Model struct {
	ID            string
	Name          string
	CostPerSecond int64
	// ResolutionPct maps the resolution parameter to a percent multiplier
	// applied on top of CostPerSecond.
	ResolutionPct map[string]int64
	Params        []ParamSpec
}

// Catalog is the in-process registry of generation models.
type Catalog struct {
	models map[string]*Model
}

func New(models ...*Model) *Catalog {
	c := &Catalog{models: make(map[string]*Model, len(models))}
	for _, m := range models {
		c.models[m.ID] = m
	}
	return c
}

// List returns all models sorted by id.
func (c *Catalog) List() []*Model {
	out := make([]*Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the model or ErrUnknownModel.
func (c *Catalog) Get(modelID string) (*Model, error) {
	m, ok := c.models[modelID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, modelID)
	}
	return m, nil
}

// ValidateMerge checks user-supplied parameters against the model's declared
// specs and merges in defaults. It fails fast before any money moves.
func (c *Catalog) ValidateMerge(modelID string, raw map[string]any) (map[string]any, error) {
	model, err := c.Get(modelID)
	if err != nil {
		return nil, err
	}

	specs := make(map[string]*ParamSpec, len(model.Params))
	for i := range model.Params {
		specs[model.Params[i].Name] = &model.Params[i]
	}
	for name := range raw {
		spec, ok := specs[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s: not accepted by model %s", ErrInvalidParameter, name, modelID)
		}
		if spec.Hidden {
			return nil, fmt.Errorf("%w: %s: not user-settable", ErrInvalidParameter, name)
		}
	}

	merged := make(map[string]any, len(model.Params))
	for _, spec := range model.Params {
		value, supplied := raw[spec.Name]
		if !supplied {
			if spec.Default != nil {
				merged[spec.Name] = spec.Default
				continue
			}
			if spec.Required {
				return nil, fmt.Errorf("%w: %s: required", ErrInvalidParameter, spec.Name)
			}
			continue
		}
		checked, err := checkValue(&spec, value)
		if err != nil {
			return nil, err
		}
		merged[spec.Name] = checked
	}
	return merged, nil
}

// checkValue validates one supplied value against its spec. JSON decoding
// yields float64 for every number, so numeric checks go through float64.
func checkValue(spec *ParamSpec, value any) (any, error) {
	switch spec.Type {
	case ParamString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s: expected string", ErrInvalidParameter, spec.Name)
		}
		if spec.MaxLen > 0 && len(s) > spec.MaxLen {
			return nil, fmt.Errorf("%w: %s: longer than %d characters", ErrInvalidParameter, spec.Name, spec.MaxLen)
		}
		return s, nil

	case ParamNumber:
		n, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("%w: %s: expected number", ErrInvalidParameter, spec.Name)
		}
		if spec.Min != nil && n < *spec.Min {
			return nil, fmt.Errorf("%w: %s: below minimum %v", ErrInvalidParameter, spec.Name, *spec.Min)
		}
		if spec.Max != nil && n > *spec.Max {
			return nil, fmt.Errorf("%w: %s: above maximum %v", ErrInvalidParameter, spec.Name, *spec.Max)
		}
		return n, nil

	case ParamBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %s: expected boolean", ErrInvalidParameter, spec.Name)
		}
		return b, nil

	case ParamEnum:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s: expected string", ErrInvalidParameter, spec.Name)
		}
		for _, opt := range spec.Options {
			if s == opt {
				return s, nil
			}
		}
		return nil, fmt.Errorf("%w: %s: %q is not one of %v", ErrInvalidParameter, spec.Name, s, spec.Options)

	case ParamStringArray:
		items, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s: expected array of strings", ErrInvalidParameter, spec.Name)
		}
		if spec.MaxItems > 0 && len(items) > spec.MaxItems {
			return nil, fmt.Errorf("%w: %s: more than %d items", ErrInvalidParameter, spec.Name, spec.MaxItems)
		}
		out := make([]string, len(items))
		for i, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s: item %d is not a string", ErrInvalidParameter, spec.Name, i)
			}
			out[i] = s
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: %s: unsupported type %q", ErrInvalidParameter, spec.Name, spec.Type)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Cost computes the charge for a run of the model with the merged parameters.
// Pure integer arithmetic over merged values: same input, same price.
func (c *Catalog) Cost(modelID string, merged map[string]any) (int64, error) {
	model, err := c.Get(modelID)
	if err != nil {
		return 0, err
	}
	seconds := int64(1)
	if v, ok := merged["duration_seconds"]; ok {
		if f, ok := toFloat(v); ok {
			seconds = int64(math.Ceil(f))
		}
	}
	pct := int64(100)
	if v, ok := merged["resolution"]; ok {
		if s, ok := v.(string); ok {
			if p, ok := model.ResolutionPct[s]; ok {
				pct = p
			}
		}
	}
	return model.CostPerSecond * seconds * pct / 100, nil
}
