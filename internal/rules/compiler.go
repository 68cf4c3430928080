package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Diagnostic describes why one rule could not be built.
type Diagnostic struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (d Diagnostic) String() string {
	return d.Rule + ": " + d.Message
}

// CompiledRule is one lowered COMPILED rule.
type CompiledRule struct {
	Name     string
	Priority int
	When     Predicate
	Then     Outcome
	Reason   string
}

// Program is the compiled backend's rule base, in evaluation order.
type Program struct {
	Rules []*CompiledRule
}

// Len returns the number of rules in the program. Safe on nil.
func (p *Program) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Rules)
}

// CompiledRuleSet is an immutable, versioned build of a rule snapshot.
type CompiledRuleSet struct {
	Version     int64
	BuiltAt     time.Time
	Definitions []*domain.RuleDefinition
	Expressions []*ExpressionRule
	Program     *Program
	Diagnostics []Diagnostic
}

// Empty reports whether the set has no rules for either backend.
func (s *CompiledRuleSet) Empty() bool {
	return s == nil || (len(s.Expressions) == 0 && s.Program.Len() == 0)
}

// Compiler builds CompiledRuleSets from rule definitions.
type Compiler struct {
	exec *ExpressionExecutor
}

// NewCompiler creates a compiler that validates expressions against exec's
// environment and warms its program cache.
func NewCompiler(exec *ExpressionExecutor) *Compiler {
	return &Compiler{exec: exec}
}

// Build compiles the enabled definitions into a new set. Every rule that
// fails produces a Diagnostic; callers must not activate a set with
// diagnostics.
func (c *Compiler) Build(defs []*domain.RuleDefinition) *CompiledRuleSet {
	snapshot := make([]*domain.RuleDefinition, 0, len(defs))
	for _, d := range defs {
		if d != nil && d.Enabled {
			cp := *d
			snapshot = append(snapshot, &cp)
		}
	}
	domain.SortRules(snapshot)

	set := &CompiledRuleSet{
		BuiltAt:     time.Now().UTC(),
		Definitions: snapshot,
		Program:     &Program{},
	}

	seen := make(map[string]bool, len(snapshot))
	for _, def := range snapshot {
		if seen[def.Name] {
			set.Diagnostics = append(set.Diagnostics, Diagnostic{Rule: def.Name, Message: "duplicate rule name"})
			continue
		}
		seen[def.Name] = true

		switch def.Type {
		case domain.RuleKindExpression:
			rule, err := c.buildExpression(def)
			if err != nil {
				set.Diagnostics = append(set.Diagnostics, Diagnostic{Rule: def.Name, Message: err.Error()})
				continue
			}
			set.Expressions = append(set.Expressions, rule)

		case domain.RuleKindCompiled:
			rule, err := buildCompiled(def)
			if err != nil {
				set.Diagnostics = append(set.Diagnostics, Diagnostic{Rule: def.Name, Message: err.Error()})
				continue
			}
			set.Program.Rules = append(set.Program.Rules, rule)

		default:
			set.Diagnostics = append(set.Diagnostics, Diagnostic{
				Rule:    def.Name,
				Message: fmt.Sprintf("unsupported rule type %q", def.Type),
			})
		}
	}
	return set
}

// Validate builds a single definition and returns its diagnostics.
func (c *Compiler) Validate(def *domain.RuleDefinition) []Diagnostic {
	single := *def
	single.Enabled = true
	return c.Build([]*domain.RuleDefinition{&single}).Diagnostics
}

func (c *Compiler) buildExpression(def *domain.RuleDefinition) (*ExpressionRule, error) {
	rule := &ExpressionRule{
		Name:     def.Name,
		Priority: def.Priority,
		Action:   def.Action,
		Reason:   defaultReason(def),
	}

	if IsSpec(def.Content) {
		spec, err := ParseSpec(def.Content)
		if err != nil {
			return nil, err
		}
		expr, err := LowerToCEL(spec.When)
		if err != nil {
			return nil, err
		}
		rule.Expr = expr
		rule.SAR = spec.Then.SAR
		rule.CTR = spec.Then.CTR
		if spec.Then.Reason != "" {
			rule.Reason = spec.Then.Reason
		}
		if rule.Action == "" && spec.Then.Decision != "" {
			rule.Action = domain.RuleAction(strings.ToUpper(spec.Then.Decision))
		}
	} else {
		rule.Expr = strings.TrimSpace(def.Content)
	}

	switch {
	case rule.Action == "":
		rule.Action = domain.ActionHold
	case rule.Action == domain.RuleAction(domain.DecisionAllow):
		rule.Action = domain.ActionAlert
	case !rule.Action.Valid():
		return nil, fmt.Errorf("unsupported action %q", rule.Action)
	}

	if _, err := c.exec.Prepare(rule.Expr); err != nil {
		return nil, err
	}
	return rule, nil
}

func buildCompiled(def *domain.RuleDefinition) (*CompiledRule, error) {
	if strings.TrimSpace(def.Content) == "" {
		return nil, fmt.Errorf("compiled rule has no content")
	}
	spec, err := ParseSpec(def.Content)
	if err != nil {
		return nil, err
	}
	when, err := LowerToProgram(spec.When)
	if err != nil {
		return nil, err
	}

	then := spec.Then
	if then.Decision == "" && def.Action != "" && def.Action != domain.ActionAlert {
		then.Decision = string(def.Action)
	}
	reason := then.Reason
	if reason == "" {
		reason = defaultReason(def)
	}

	return &CompiledRule{
		Name:     def.Name,
		Priority: def.Priority,
		When:     when,
		Then:     then,
		Reason:   reason,
	}, nil
}

func defaultReason(def *domain.RuleDefinition) string {
	if def.Description != "" {
		return def.Description
	}
	return "rule " + def.Name + " matched"
}
