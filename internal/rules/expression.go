// Package rules compiles operator-authored rules and evaluates them against
// a transaction fact: CEL expression rules, forward-chaining compiled rules
// and the always-on programmatic fallback rules.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ExpressionRule is a validated EXPRESSION rule ready for evaluation.
type ExpressionRule struct {
	Name     string
	Priority int
	Expr     string // CEL source; blank never matches
	Action   domain.RuleAction
	Reason   string
	SAR      bool
	CTR      bool
}

// ExpressionExecutor evaluates CEL boolean rules against a fact.
// Programs are cached by expression source, including compile failures.
type ExpressionExecutor struct {
	env      *cel.Env
	programs sync.Map // string -> *cachedProgram
	logger   *slog.Logger
}

type cachedProgram struct {
	program cel.Program
	err     error
}

// NewExpressionExecutor creates the CEL environment. Fact fields are exposed
// as top-level variables; fact, features, velocity, graph and facts are maps.
func NewExpressionExecutor(logger *slog.Logger) (*ExpressionExecutor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mapType := cel.MapType(cel.StringType, cel.DynType)
	opts := []cel.EnvOption{
		cel.Variable("fact", mapType),
		cel.Variable(scopeFeatures, mapType),
		cel.Variable(scopeVelocity, mapType),
		cel.Variable(scopeGraph, mapType),
		cel.Variable(scopeFacts, mapType),
	}
	for name, f := range topFields {
		opts = append(opts, cel.Variable(name, f.celType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &ExpressionExecutor{env: env, logger: logger}, nil
}

// Prepare compiles an expression, or returns the cached result.
// A blank expression yields a nil program and no error.
func (e *ExpressionExecutor) Prepare(expr string) (cel.Program, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}
	if cached, ok := e.programs.Load(expr); ok {
		c := cached.(*cachedProgram)
		return c.program, c.err
	}

	prg, err := e.compile(expr)
	actual, _ := e.programs.LoadOrStore(expr, &cachedProgram{program: prg, err: err})
	c := actual.(*cachedProgram)
	return c.program, c.err
}

func (e *ExpressionExecutor) compile(expr string) (cel.Program, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return prg, nil
}

// CachedPrograms returns the number of cached expressions.
func (e *ExpressionExecutor) CachedPrograms() int {
	n := 0
	e.programs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// activation builds the CEL variables for a fact.
func activation(f *domain.TransactionFact) map[string]any {
	top := tableMap(topFields, f)
	act := make(map[string]any, len(top)+5)
	for k, v := range top {
		act[k] = v
	}
	act["fact"] = top
	act[scopeFeatures] = orEmpty(f.Features)
	act[scopeVelocity] = tableMap(velocityFields, f)
	act[scopeGraph] = tableMap(graphFields, f)
	act[scopeFacts] = orEmpty(f.Facts)
	return act
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Evaluate reports whether the rule matches the fact. Blank expressions,
// compile failures, evaluation errors and non-bool results are all false.
func (e *ExpressionExecutor) Evaluate(rule *ExpressionRule, f *domain.TransactionFact) bool {
	ok, err := e.eval(rule, activation(f))
	if err != nil {
		e.logger.Warn("expression rule failed",
			"rule", rule.Name,
			"tx_id", f.TransactionID,
			"error", err,
		)
	}
	return ok
}

func (e *ExpressionExecutor) eval(rule *ExpressionRule, act map[string]any) (bool, error) {
	prg, err := e.Prepare(rule.Expr)
	if err != nil {
		return false, err
	}
	if prg == nil {
		return false, nil
	}

	out, _, err := prg.Eval(act)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("non-bool result %v", out.Type())
	}
	return bool(b), nil
}

// EvaluateTier evaluates rules in order against f, applying each match's
// action. Returns the number of rules fired and the number that errored.
func (e *ExpressionExecutor) EvaluateTier(ctx context.Context, rules []*ExpressionRule, f *domain.TransactionFact) (fired, errs int) {
	act := activation(f)
	for _, rule := range rules {
		if ctx.Err() != nil {
			break
		}
		matched, err := e.eval(rule, act)
		if err != nil {
			errs++
			e.logger.Warn("expression rule failed",
				"rule", rule.Name,
				"tier", domain.RuleKindExpression,
				"tx_id", f.TransactionID,
				"error", err,
			)
			continue
		}
		if !matched {
			continue
		}
		fired++
		applyExpression(rule, f)
	}
	return fired, errs
}

func applyExpression(rule *ExpressionRule, f *domain.TransactionFact) {
	f.Trigger(rule.Name)
	f.AddReason(rule.Reason)
	if rule.Action != domain.ActionAlert {
		f.Escalate(rule.Action.Decision())
	}
	if rule.SAR {
		f.SARRequired = true
	}
	if rule.CTR {
		f.CTRRequired = true
	}
}
