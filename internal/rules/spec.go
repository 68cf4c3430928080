package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Operators supported in a condition leaf.
const (
	OpEq       = "=="
	OpNe       = "!="
	OpGt       = ">"
	OpGe       = ">="
	OpLt       = "<"
	OpLe       = "<="
	OpIn       = "in"
	OpNotIn    = "not_in"
	OpContains = "contains"
	OpExists   = "exists"
)

// Cond is one node of a rule condition tree. Exactly one of All, Any, Not
// or Field is set.
type Cond struct {
	All   []*Cond `json:"all,omitempty" yaml:"all,omitempty"`
	Any   []*Cond `json:"any,omitempty" yaml:"any,omitempty"`
	Not   *Cond   `json:"not,omitempty" yaml:"not,omitempty"`
	Field string  `json:"field,omitempty" yaml:"field,omitempty"`
	Op    string  `json:"op,omitempty" yaml:"op,omitempty"`
	Value any     `json:"value,omitempty" yaml:"value,omitempty"`

	ref fieldRef
}

// Outcome is what a rule does when its condition holds.
type Outcome struct {
	Decision string         `json:"decision,omitempty" yaml:"decision,omitempty"`
	Reason   string         `json:"reason,omitempty" yaml:"reason,omitempty"`
	SAR      bool           `json:"sar,omitempty" yaml:"sar,omitempty"`
	CTR      bool           `json:"ctr,omitempty" yaml:"ctr,omitempty"`
	Assert   map[string]any `json:"assert,omitempty" yaml:"assert,omitempty"`
	Halt     bool           `json:"halt,omitempty" yaml:"halt,omitempty"`
}

// RuleSpec is the declarative rule form: {"when": <cond>, "then": <outcome>}.
type RuleSpec struct {
	When *Cond   `json:"when" yaml:"when"`
	Then Outcome `json:"then" yaml:"then"`
}

// ParseSpec decodes and validates a JSON rule spec.
func ParseSpec(content string) (*RuleSpec, error) {
	dec := json.NewDecoder(strings.NewReader(content))
	dec.DisallowUnknownFields()
	dec.UseNumber()

	var spec RuleSpec
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode rule spec: %w", err)
	}
	if dec.More() {
		return nil, errors.New("decode rule spec: trailing data")
	}
	if spec.When == nil {
		return nil, errors.New(`rule spec requires "when"`)
	}
	if err := spec.When.validate(); err != nil {
		return nil, err
	}
	if err := spec.Then.validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// IsSpec reports whether rule content is a JSON spec rather than raw CEL.
func IsSpec(content string) bool {
	return strings.HasPrefix(strings.TrimSpace(content), "{")
}

func (c *Cond) validate() error {
	set := 0
	if c.All != nil {
		set++
	}
	if c.Any != nil {
		set++
	}
	if c.Not != nil {
		set++
	}
	if c.Field != "" {
		set++
	}
	if set != 1 {
		return errors.New("condition must have exactly one of all, any, not, field")
	}

	switch {
	case c.All != nil:
		return validateAll(c.All)
	case c.Any != nil:
		return validateAll(c.Any)
	case c.Not != nil:
		return c.Not.validate()
	}

	ref, err := resolveField(c.Field)
	if err != nil {
		return err
	}
	c.ref = ref

	value, err := normalizeValue(c.Value)
	if err != nil {
		return fmt.Errorf("field %s: %w", c.Field, err)
	}
	c.Value = value
	return c.validateLeaf()
}

func validateAll(conds []*Cond) error {
	for _, sub := range conds {
		if sub == nil {
			return errors.New("null condition")
		}
		if err := sub.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cond) validateLeaf() error {
	kind := c.ref.kind()

	switch c.Op {
	case OpExists:
		if c.Value != nil {
			return fmt.Errorf("field %s: exists takes no value", c.Field)
		}
		return nil

	case OpEq, OpNe:
		vk := kindOf(c.Value)
		if vk == kindAny {
			return fmt.Errorf("field %s: %s needs a number, string or bool value", c.Field, c.Op)
		}
		if kind != kindAny && kind != vk {
			return fmt.Errorf("field %s: cannot compare with %v", c.Field, c.Value)
		}
		return nil

	case OpGt, OpGe, OpLt, OpLe:
		if kindOf(c.Value) != kindNumber {
			return fmt.Errorf("field %s: %s needs a numeric value", c.Field, c.Op)
		}
		if kind != kindAny && kind != kindNumber {
			return fmt.Errorf("field %s: %s on a non-numeric field", c.Field, c.Op)
		}
		return nil

	case OpIn, OpNotIn:
		list, ok := c.Value.([]any)
		if !ok || len(list) == 0 {
			return fmt.Errorf("field %s: %s needs a non-empty list", c.Field, c.Op)
		}
		vk := kindOf(list[0])
		if vk != kindNumber && vk != kindString {
			return fmt.Errorf("field %s: %s list must hold numbers or strings", c.Field, c.Op)
		}
		for _, item := range list[1:] {
			if kindOf(item) != vk {
				return fmt.Errorf("field %s: %s list mixes types", c.Field, c.Op)
			}
		}
		if kind != kindAny && kind != vk {
			return fmt.Errorf("field %s: list type does not match field", c.Field)
		}
		return nil

	case OpContains:
		if kindOf(c.Value) != kindString {
			return fmt.Errorf("field %s: contains needs a string value", c.Field)
		}
		if kind != kindAny && kind != kindString {
			return fmt.Errorf("field %s: contains on a non-string field", c.Field)
		}
		return nil

	default:
		return fmt.Errorf("field %s: unknown operator %q", c.Field, c.Op)
	}
}

func (o *Outcome) validate() error {
	if o.Decision != "" && !strings.EqualFold(o.Decision, string(domain.ActionAlert)) {
		d, ok := domain.ParseDecision(o.Decision)
		if !ok {
			return fmt.Errorf("unknown decision %q", o.Decision)
		}
		o.Decision = string(d)
	}
	for k, v := range o.Assert {
		if !identRe.MatchString(k) {
			return fmt.Errorf("invalid asserted fact name %q", k)
		}
		nv, err := normalizeValue(v)
		if err != nil {
			return fmt.Errorf("asserted fact %s: %w", k, err)
		}
		o.Assert[k] = nv
	}
	return nil
}

// decision returns the escalation target; ALERT and blank do not escalate.
func (o *Outcome) decision() domain.Decision {
	d, ok := domain.ParseDecision(o.Decision)
	if !ok {
		return domain.DecisionAllow
	}
	return d
}

// normalizeValue turns decoded JSON/YAML values into float64, string, bool,
// nil or []any of those.
func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool, float64:
		return x, nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %s", x)
		}
		return f, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			nv, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			if _, nested := nv.([]any); nested {
				return nil, errors.New("nested lists are not supported")
			}
			out[i] = nv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value %v", v)
	}
}

func kindOf(v any) valueKind {
	switch v.(type) {
	case float64:
		return kindNumber
	case string:
		return kindString
	case bool:
		return kindBool
	default:
		return kindAny
	}
}

// MarshalSpec renders a spec back to compact JSON.
func MarshalSpec(spec *RuleSpec) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(spec); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}
