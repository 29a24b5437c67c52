package stream

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/c360/streambus/errors"
)

// TransformType enumerates the transformation kinds a stream may declare.
type TransformType string

// Transformation kinds.
const (
	TransformMap       TransformType = "map"
	TransformFilter    TransformType = "filter"
	TransformAggregate TransformType = "aggregate"
	TransformEnrich    TransformType = "enrich"
	TransformNormalize TransformType = "normalize"
)

// Transformation is one ordered pipeline step operating on a single field.
// The expression string is interpreted per type: normalize parses it as a
// numeric divisor, enrich as the name of the lookup-key field. Other types
// treat it as an opaque argument for a registered strategy.
type Transformation struct {
	Type       TransformType `json:"type"`
	Field      string        `json:"field"`
	Expression string        `json:"expression"`
	Enabled    bool          `json:"enabled"`
}

// Operator enumerates the fixed filter operator set.
type Operator string

// Filter operators.
const (
	OpEq    Operator = "eq"
	OpNe    Operator = "ne"
	OpGt    Operator = "gt"
	OpLt    Operator = "lt"
	OpGte   Operator = "gte"
	OpLte   Operator = "lte"
	OpLike  Operator = "like"
	OpIn    Operator = "in"
	OpRegex Operator = "regex"
)

var validOperators = []Operator{OpEq, OpNe, OpGt, OpLt, OpGte, OpLte, OpLike, OpIn, OpRegex}

// Filter is a boolean predicate over one field. Any enabled filter that
// evaluates false drops the message silently: filters gate which messages
// enter a topic.
type Filter struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
	Enabled  bool     `json:"enabled"`
}

// Validate checks the operator is known and, for regex filters, that the
// pattern compiles.
func (f Filter) Validate() error {
	if !slices.Contains(validOperators, f.Operator) {
		return fmt.Errorf("unknown filter operator %q", f.Operator)
	}
	if f.Operator == OpRegex {
		pattern, ok := f.Value.(string)
		if !ok {
			return fmt.Errorf("regex filter value must be a string, got %T", f.Value)
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("regex filter pattern: %w", err)
		}
	}
	return nil
}

// Match evaluates the filter against a message value. Missing fields never
// match.
func (f Filter) Match(value map[string]any) bool {
	v, ok := value[f.Field]
	if !ok || v == nil {
		return false
	}

	switch f.Operator {
	case OpEq:
		return looseEqual(v, f.Value)
	case OpNe:
		return !looseEqual(v, f.Value)
	case OpGt:
		return compareNumbers(v, f.Value) > 0
	case OpLt:
		return compareNumbers(v, f.Value) < 0
	case OpGte:
		return compareNumbers(v, f.Value) >= 0
	case OpLte:
		return compareNumbers(v, f.Value) <= 0
	case OpLike:
		return strings.Contains(fmt.Sprint(v), fmt.Sprint(f.Value))
	case OpIn:
		return containsValue(f.Value, v)
	case OpRegex:
		pattern, ok := f.Value.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprint(v))
	default:
		return false
	}
}

// TransformFunc applies one transformation step to a message value and
// returns the (possibly new) value. Implementations must not mutate the
// input map.
type TransformFunc func(value map[string]any, t Transformation) (map[string]any, error)

// LookupFunc resolves an enrichment key to an attached result.
type LookupFunc func(key any) (any, error)

// Pipeline executes a stream's transformation list and filter list. The
// fixed operator set is evaluated natively; transformation types without a
// native interpretation dispatch to pluggable strategies.
type Pipeline struct {
	strategies map[TransformType]TransformFunc
	lookup     LookupFunc
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithStrategy registers or overrides the strategy for one transformation
// type.
func WithStrategy(t TransformType, fn TransformFunc) PipelineOption {
	return func(p *Pipeline) {
		p.strategies[t] = fn
	}
}

// WithLookup sets the enrichment lookup used by enrich transformations.
func WithLookup(fn LookupFunc) PipelineOption {
	return func(p *Pipeline) {
		p.lookup = fn
	}
}

// NewPipeline creates a pipeline with the built-in normalize and enrich
// strategies. map, filter and aggregate transformation types default to
// identity passthrough until a strategy is registered for them.
func NewPipeline(opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		strategies: make(map[TransformType]TransformFunc),
		lookup:     defaultLookup,
	}

	p.strategies[TransformNormalize] = p.normalize
	p.strategies[TransformEnrich] = p.enrich

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Transform applies every enabled transformation in list order. A failing
// step leaves the message unmodified by that step and is reported in the
// returned error list; it never aborts the rest of the pipeline.
func (p *Pipeline) Transform(value map[string]any, steps []Transformation) (map[string]any, []error) {
	var stepErrs []error

	current := value
	for _, t := range steps {
		if !t.Enabled {
			continue
		}

		fn, ok := p.strategies[t.Type]
		if !ok {
			// No strategy registered: identity passthrough.
			continue
		}

		next, err := fn(current, t)
		if err != nil {
			stepErrs = append(stepErrs, errors.NewPipeline(string(t.Type), t.Field, err))
			continue
		}
		current = next
	}

	return current, stepErrs
}

// Match evaluates every enabled filter; all must pass for the message to be
// published.
func (p *Pipeline) Match(value map[string]any, filters []Filter) bool {
	for _, f := range filters {
		if !f.Enabled {
			continue
		}
		if !f.Match(value) {
			return false
		}
	}
	return true
}

// normalize divides a numeric field by the constant parsed from the
// expression.
func (p *Pipeline) normalize(value map[string]any, t Transformation) (map[string]any, error) {
	divisor, err := strconv.ParseFloat(strings.TrimSpace(t.Expression), 64)
	if err != nil {
		return nil, fmt.Errorf("expression %q is not a numeric constant", t.Expression)
	}
	if divisor == 0 {
		return nil, fmt.Errorf("divide by zero")
	}

	n, err := toNumber(value[t.Field])
	if err != nil {
		return nil, err
	}

	out := maps.Clone(value)
	out[t.Field] = n / divisor
	return out, nil
}

// enrich attaches a lookup result to the target field, keyed by the field
// named in the expression.
func (p *Pipeline) enrich(value map[string]any, t Transformation) (map[string]any, error) {
	keyField := strings.TrimSpace(t.Expression)
	if keyField == "" {
		keyField = t.Field
	}

	key, ok := value[keyField]
	if !ok {
		return nil, fmt.Errorf("lookup key field %q missing", keyField)
	}

	result, err := p.lookup(key)
	if err != nil {
		return nil, fmt.Errorf("lookup for key %v: %w", key, err)
	}

	out := maps.Clone(value)
	out[t.Field] = result
	return out, nil
}

// defaultLookup is the enrichment source used when no LookupFunc is
// injected: it echoes the key with a resolution timestamp.
func defaultLookup(key any) (any, error) {
	return map[string]any{
		"key":        key,
		"resolvedAt": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// looseEqual compares via string rendering so JSON numbers and literals
// compare the way stream configs express them.
func looseEqual(a, b any) bool {
	an, aerr := toNumber(a)
	bn, berr := toNumber(b)
	if aerr == nil && berr == nil {
		return an == bn
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compareNumbers returns -1, 0 or 1. Non-numeric operands compare as 0,
// which makes the ordered operators evaluate false for them except gte/lte
// against themselves.
func compareNumbers(a, b any) int {
	an, aerr := toNumber(a)
	bn, berr := toNumber(b)
	if aerr != nil || berr != nil {
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
	switch {
	case an < bn:
		return -1
	case an > bn:
		return 1
	default:
		return 0
	}
}

func containsValue(haystack, needle any) bool {
	switch list := haystack.(type) {
	case []any:
		for _, item := range list {
			if looseEqual(item, needle) {
				return true
			}
		}
	case []string:
		for _, item := range list {
			if looseEqual(item, needle) {
				return true
			}
		}
	}
	return false
}
