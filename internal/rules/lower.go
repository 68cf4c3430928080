package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LowerToCEL renders a validated condition as a CEL boolean expression over
// the executor's environment. Absent open-scope keys never match.
func LowerToCEL(c *Cond) (string, error) {
	var b strings.Builder
	if err := writeCEL(&b, c); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeCEL(b *strings.Builder, c *Cond) error {
	switch {
	case c.All != nil:
		return writeJoined(b, c.All, " && ", "true")
	case c.Any != nil:
		return writeJoined(b, c.Any, " || ", "false")
	case c.Not != nil:
		b.WriteString("!(")
		if err := writeCEL(b, c.Not); err != nil {
			return err
		}
		b.WriteString(")")
		return nil
	default:
		leaf, err := celLeaf(c)
		if err != nil {
			return err
		}
		b.WriteString(leaf)
		return nil
	}
}

func writeJoined(b *strings.Builder, conds []*Cond, sep, empty string) error {
	if len(conds) == 0 {
		b.WriteString(empty)
		return nil
	}
	b.WriteString("(")
	for i, sub := range conds {
		if i > 0 {
			b.WriteString(sep)
		}
		if err := writeCEL(b, sub); err != nil {
			return err
		}
	}
	b.WriteString(")")
	return nil
}

// celAccess returns the CEL expression reading the field and, for open
// scopes, the presence guard.
func celAccess(ref fieldRef) (expr, guard string) {
	switch ref.scope {
	case scopeFact:
		return ref.name, ""
	case scopeGraph, scopeVelocity:
		return ref.scope + "." + ref.name, ""
	default:
		key := strconv.Quote(ref.name)
		return ref.scope + "[" + key + "]", key + " in " + ref.scope
	}
}

func celLeaf(c *Cond) (string, error) {
	access, guard := celAccess(c.ref)
	raw := access
	open := c.ref.kind() == kindAny

	var expr string
	switch c.Op {
	case OpExists:
		if guard == "" {
			return "true", nil
		}
		return guard, nil

	case OpEq, OpNe, OpGt, OpGe, OpLt, OpLe:
		vk := kindOf(c.Value)
		if vk == kindNumber {
			access = "double(" + access + ")"
		}
		expr = access + " " + c.Op + " " + celLiteral(c.Value)
		if open {
			expr = celTypeGuard(raw, vk) + " && " + expr
		}

	case OpIn, OpNotIn:
		list := c.Value.([]any)
		vk := kindOf(list[0])
		if vk == kindNumber {
			access = "double(" + access + ")"
		}
		member := access + " in " + celLiteral(list)
		if c.Op == OpNotIn {
			member = "!(" + member + ")"
		}
		expr = member
		if open {
			expr = celTypeGuard(raw, vk) + " && " + member
		}

	case OpContains:
		expr = access + ".contains(" + celLiteral(c.Value) + ")"
		if open {
			expr = celTypeGuard(raw, kindString) + " && " + expr
		}

	default:
		return "", fmt.Errorf("unknown operator %q", c.Op)
	}

	if guard != "" {
		return "(" + guard + " && " + expr + ")", nil
	}
	return expr, nil
}

// celTypeGuard checks that an open-scope value has the literal's kind. A
// value of another kind fails every comparison, as in LowerToProgram.
func celTypeGuard(access string, k valueKind) string {
	t := "type(" + access + ")"
	switch k {
	case kindNumber:
		return "(" + t + " == int || " + t + " == uint || " + t + " == double)"
	case kindBool:
		return t + " == bool"
	default:
		return t + " == string"
	}
}

func celLiteral(v any) string {
	switch x := v.(type) {
	case string:
		return strconv.Quote(x)
	case bool:
		return strconv.FormatBool(x)
	case float64:
		s := strconv.FormatFloat(x, 'f', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return s
	case []any:
		parts := make([]string, len(x))
		for i, item := range x {
			parts[i] = celLiteral(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return "null"
	}
}

// Predicate is a lowered condition evaluated natively against a fact.
type Predicate func(f *domain.TransactionFact) bool

// LowerToProgram turns a validated condition into a native predicate.
func LowerToProgram(c *Cond) (Predicate, error) {
	switch {
	case c.All != nil:
		subs, err := lowerAll(c.All)
		if err != nil {
			return nil, err
		}
		return func(f *domain.TransactionFact) bool {
			for _, p := range subs {
				if !p(f) {
					return false
				}
			}
			return true
		}, nil

	case c.Any != nil:
		subs, err := lowerAll(c.Any)
		if err != nil {
			return nil, err
		}
		return func(f *domain.TransactionFact) bool {
			for _, p := range subs {
				if p(f) {
					return true
				}
			}
			return false
		}, nil

	case c.Not != nil:
		inner, err := LowerToProgram(c.Not)
		if err != nil {
			return nil, err
		}
		return func(f *domain.TransactionFact) bool { return !inner(f) }, nil

	default:
		return lowerLeaf(c)
	}
}

func lowerAll(conds []*Cond) ([]Predicate, error) {
	out := make([]Predicate, len(conds))
	for i, sub := range conds {
		p, err := LowerToProgram(sub)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

func lowerLeaf(c *Cond) (Predicate, error) {
	ref := c.ref
	value := c.Value

	switch c.Op {
	case OpExists:
		return func(f *domain.TransactionFact) bool {
			_, ok := ref.lookup(f)
			return ok
		}, nil

	case OpEq, OpNe:
		negate := c.Op == OpNe
		return func(f *domain.TransactionFact) bool {
			actual, ok := ref.lookup(f)
			if !ok || !sameKind(actual, value) {
				return false
			}
			return equalValues(actual, value) != negate
		}, nil

	case OpGt, OpGe, OpLt, OpLe:
		want := value.(float64)
		cmp := numericComparator(c.Op)
		return func(f *domain.TransactionFact) bool {
			actual, ok := ref.lookup(f)
			if !ok {
				return false
			}
			n, ok := toFloat(actual)
			return ok && cmp(n, want)
		}, nil

	case OpIn, OpNotIn:
		list := value.([]any)
		negate := c.Op == OpNotIn
		return func(f *domain.TransactionFact) bool {
			actual, ok := ref.lookup(f)
			if !ok || !sameKind(actual, list[0]) {
				return false
			}
			found := false
			for _, item := range list {
				if equalValues(actual, item) {
					found = true
					break
				}
			}
			return found != negate
		}, nil

	case OpContains:
		needle := value.(string)
		return func(f *domain.TransactionFact) bool {
			actual, ok := ref.lookup(f)
			if !ok {
				return false
			}
			s, ok := actual.(string)
			return ok && strings.Contains(s, needle)
		}, nil

	default:
		return nil, fmt.Errorf("unknown operator %q", c.Op)
	}
}

func numericComparator(op string) func(a, b float64) bool {
	switch op {
	case OpGt:
		return func(a, b float64) bool { return a > b }
	case OpGe:
		return func(a, b float64) bool { return a >= b }
	case OpLt:
		return func(a, b float64) bool { return a < b }
	default:
		return func(a, b float64) bool { return a <= b }
	}
}

// sameKind reports whether actual is of want's kind: number, string or bool.
func sameKind(actual, want any) bool {
	switch want.(type) {
	case float64:
		_, ok := toFloat(actual)
		return ok
	case string:
		_, ok := actual.(string)
		return ok
	case bool:
		_, ok := actual.(bool)
		return ok
	default:
		return false
	}
}

// equalValues compares numerically when want is a number, otherwise by type
// and value. Mismatched types are unequal.
func equalValues(actual, want any) bool {
	switch w := want.(type) {
	case float64:
		a, ok := toFloat(actual)
		return ok && a == w
	case string:
		a, ok := actual.(string)
		return ok && a == w
	case bool:
		a, ok := actual.(bool)
		return ok && a == w
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint64:
		return float64(x), true
	default:
		return 0, false
	}
}
