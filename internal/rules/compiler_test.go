package rules

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestCompiler(t *testing.T) (*Compiler, *ExpressionExecutor) {
	t.Helper()
	exec, err := NewExpressionExecutor(nil)
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}
	return NewCompiler(exec), exec
}

func exprRule(name string, priority int, content string, action domain.RuleAction) *domain.RuleDefinition {
	return &domain.RuleDefinition{
		Name:     name,
		Type:     domain.RuleKindExpression,
		Priority: priority,
		Enabled:  true,
		Content:  content,
		Action:   action,
	}
}

func compiledRule(name string, priority int, content string) *domain.RuleDefinition {
	return &domain.RuleDefinition{
		Name:     name,
		Type:     domain.RuleKindCompiled,
		Priority: priority,
		Enabled:  true,
		Content:  content,
	}
}

func TestCompilerBuild(t *testing.T) {
	c, _ := newTestCompiler(t)

	t.Run("orders and filters", func(t *testing.T) {
		disabled := exprRule("OFF", 500, "amount > 1.0", domain.ActionBlock)
		disabled.Enabled = false

		set := c.Build([]*domain.RuleDefinition{
			exprRule("B", 10, "amount > 1.0", domain.ActionHold),
			exprRule("A", 10, "amount > 2.0", domain.ActionHold),
			exprRule("TOP", 90, "amount > 3.0", domain.ActionBlock),
			compiledRule("C1", 5, `{"when":{"field":"amount","op":">","value":1}}`),
			disabled,
		})

		if len(set.Diagnostics) != 0 {
			t.Fatalf("unexpected diagnostics: %v", set.Diagnostics)
		}
		var names []string
		for _, r := range set.Expressions {
			names = append(names, r.Name)
		}
		want := []string{"TOP", "A", "B"}
		if len(names) != len(want) {
			t.Fatalf("expected %v, got %v", want, names)
		}
		for i := range want {
			if names[i] != want[i] {
				t.Errorf("position %d: expected %s, got %s", i, want[i], names[i])
			}
		}
		if set.Program.Len() != 1 {
			t.Errorf("expected 1 compiled rule, got %d", set.Program.Len())
		}
	})

	t.Run("collects diagnostics", func(t *testing.T) {
		set := c.Build([]*domain.RuleDefinition{
			exprRule("BAD_CEL", 1, "this is not valid CEL !!!", domain.ActionHold),
			exprRule("NOT_BOOL", 1, "amount + 1.0", domain.ActionHold),
			exprRule("BAD_ACTION", 1, "amount > 1.0", "ESCALATE"),
			compiledRule("BAD_SPEC", 1, `{"when":{"field":"nope","op":"==","value":1}}`),
			compiledRule("EMPTY", 1, ""),
			{Name: "FB", Type: domain.RuleKindFallback, Enabled: true},
			exprRule("DUP", 1, "amount > 1.0", domain.ActionHold),
			exprRule("DUP", 0, "amount > 2.0", domain.ActionHold),
		})
		if len(set.Diagnostics) != 7 {
			t.Fatalf("expected 7 diagnostics, got %d: %v", len(set.Diagnostics), set.Diagnostics)
		}
	})

	t.Run("blank expression is accepted", func(t *testing.T) {
		set := c.Build([]*domain.RuleDefinition{exprRule("BLANK", 1, "  ", domain.ActionBlock)})
		if len(set.Diagnostics) != 0 {
			t.Fatalf("unexpected diagnostics: %v", set.Diagnostics)
		}
		f := testFact(1_000_000, "US")
		fired, errs := c.exec.EvaluateTier(context.Background(), set.Expressions, f)
		if fired != 0 || errs != 0 {
			t.Errorf("expected blank rule never to match, got fired=%d errs=%d", fired, errs)
		}
	})

	t.Run("does not alias input", func(t *testing.T) {
		def := exprRule("X", 1, "amount > 1.0", domain.ActionHold)
		set := c.Build([]*domain.RuleDefinition{def})
		def.Priority = 99
		if set.Definitions[0].Priority != 1 {
			t.Error("expected set to hold its own copy of the definition")
		}
	})
}

func TestExpressionActions(t *testing.T) {
	c, _ := newTestCompiler(t)

	tests := []struct {
		name   string
		def    *domain.RuleDefinition
		action domain.RuleAction
		reason string
		sar    bool
	}{
		{
			name:   "default action is HOLD",
			def:    exprRule("R", 1, "amount > 1.0", ""),
			action: domain.ActionHold,
			reason: "rule R matched",
		},
		{
			name:   "ALLOW maps to ALERT",
			def:    exprRule("R", 1, "amount > 1.0", "ALLOW"),
			action: domain.ActionAlert,
			reason: "rule R matched",
		},
		{
			name: "description is the reason",
			def: &domain.RuleDefinition{
				Name: "R", Type: domain.RuleKindExpression, Enabled: true,
				Content: "amount > 1.0", Action: domain.ActionBlock, Description: "large payment",
			},
			action: domain.ActionBlock,
			reason: "large payment",
		},
		{
			name:   "json spec supplies decision and reason",
			def:    exprRule("R", 1, `{"when":{"field":"amount","op":">","value":1},"then":{"decision":"BLOCK","reason":"spec reason","sar":true}}`, ""),
			action: domain.ActionBlock,
			reason: "spec reason",
			sar:    true,
		},
		{
			name:   "explicit action wins over spec decision",
			def:    exprRule("R", 1, `{"when":{"field":"amount","op":">","value":1},"then":{"decision":"BLOCK"}}`, domain.ActionAlert),
			action: domain.ActionAlert,
			reason: "rule R matched",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := c.Build([]*domain.RuleDefinition{tt.def})
			if len(set.Diagnostics) != 0 {
				t.Fatalf("unexpected diagnostics: %v", set.Diagnostics)
			}
			r := set.Expressions[0]
			if r.Action != tt.action {
				t.Errorf("expected action %s, got %s", tt.action, r.Action)
			}
			if r.Reason != tt.reason {
				t.Errorf("expected reason %q, got %q", tt.reason, r.Reason)
			}
			if r.SAR != tt.sar {
				t.Errorf("expected sar %v, got %v", tt.sar, r.SAR)
			}
		})
	}
}

func TestExpressionTier(t *testing.T) {
	c, exec := newTestCompiler(t)

	set := c.Build([]*domain.RuleDefinition{
		exprRule("HIGH", 50, "amount > 5000.0", domain.ActionHold),
		exprRule("SANCTIONED", 40, `countryCode in ["KP", "IR"]`, domain.ActionBlock),
		exprRule("WATCH", 30, `features["is_chip_present"] == true`, domain.ActionAlert),
		exprRule("MISSING_KEY", 20, `features["nope"] > 1.0`, domain.ActionBlock),
	})
	if len(set.Diagnostics) != 0 {
		t.Fatalf("unexpected diagnostics: %v", set.Diagnostics)
	}
	tier := NewExpressionTier(exec, set)

	f := testFact(6000, "IR")
	out := tier.Evaluate(context.Background(), f)

	if !out.Available {
		t.Fatal("expected tier to be available")
	}
	if out.Decision != domain.DecisionBlock {
		t.Errorf("expected BLOCK, got %s", out.Decision)
	}
	if out.RulesFired != 3 {
		t.Errorf("expected 3 rules fired, got %d", out.RulesFired)
	}
	if out.Errors != 1 {
		t.Errorf("expected 1 rule error for the missing key, got %d", out.Errors)
	}
	want := []string{"HIGH", "SANCTIONED", "WATCH"}
	for i, name := range want {
		if out.TriggeredRules[i] != name {
			t.Errorf("position %d: expected %s, got %s", i, name, out.TriggeredRules[i])
		}
	}

	t.Run("alert does not escalate", func(t *testing.T) {
		f := testFact(10, "US")
		out := tier.Evaluate(context.Background(), f)
		if out.Decision != domain.DecisionAllow {
			t.Errorf("expected ALLOW, got %s", out.Decision)
		}
		if len(out.TriggeredRules) != 1 || out.TriggeredRules[0] != "WATCH" {
			t.Errorf("expected only WATCH triggered, got %v", out.TriggeredRules)
		}
	})

	t.Run("empty set is unavailable", func(t *testing.T) {
		out := NewExpressionTier(exec, nil).Evaluate(context.Background(), testFact(1, "US"))
		if out.Available {
			t.Error("expected unavailable tier")
		}
	})

	t.Run("programs are cached", func(t *testing.T) {
		before := exec.CachedPrograms()
		exec.Evaluate(&ExpressionRule{Expr: "amount > 5000.0"}, f)
		if exec.CachedPrograms() != before {
			t.Errorf("expected cache hit, cache grew from %d to %d", before, exec.CachedPrograms())
		}
	})
}

func TestExpressionEvaluateLogsErrors(t *testing.T) {
	var buf bytes.Buffer
	exec, err := NewExpressionExecutor(slog.New(slog.NewTextHandler(&buf, nil)))
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}
	f := testFact(100, "US")

	if !exec.Evaluate(&ExpressionRule{Name: "CLEAN", Expr: "amount > 50.0"}, f) {
		t.Error("expected CLEAN to match")
	}
	if buf.Len() != 0 {
		t.Errorf("expected no log output, got %q", buf.String())
	}

	if exec.Evaluate(&ExpressionRule{Name: "MISSING_KEY", Expr: `features["missing"] > 1.0`}, f) {
		t.Error("expected evaluation error to read as no match")
	}
	out := buf.String()
	if !strings.Contains(out, "expression rule failed") || !strings.Contains(out, "rule=MISSING_KEY") {
		t.Errorf("expected a logged evaluation failure, got %q", out)
	}
}
