package rules

import (
	"context"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func buildSet(t *testing.T, defs ...*domain.RuleDefinition) *CompiledRuleSet {
	t.Helper()
	c, _ := newTestCompiler(t)
	set := c.Build(defs)
	if len(set.Diagnostics) != 0 {
		t.Fatalf("unexpected diagnostics: %v", set.Diagnostics)
	}
	return set
}

func TestSessionForwardChaining(t *testing.T) {
	// LINKED only matches once FLAG_LARGE has asserted its fact, and it sits
	// earlier in the agenda, so it needs a second pass.
	set := buildSet(t,
		compiledRule("LINKED", 90, `{"when":{"all":[{"field":"facts.large","op":"==","value":true},{"field":"countryCode","op":"==","value":"US"}]},"then":{"decision":"HOLD","reason":"large domestic"}}`),
		compiledRule("FLAG_LARGE", 50, `{"when":{"field":"amount","op":">=","value":5000},"then":{"assert":{"large":true}}}`),
		compiledRule("ESCALATE_HELD", 10, `{"when":{"field":"decision","op":"==","value":"HOLD"},"then":{"sar":true,"reason":"held payment"}}`),
	)
	engine := NewSessionEngine(nil)

	f := testFact(7000, "US")
	fired := engine.Evaluate(set, f)

	if fired != 3 {
		t.Fatalf("expected 3 rules fired, got %d (%v)", fired, f.TriggeredRules)
	}
	if f.Decision != domain.DecisionHold {
		t.Errorf("expected HOLD, got %s", f.Decision)
	}
	if !f.SARRequired {
		t.Error("expected sarRequired from chained rule")
	}
	want := []string{"FLAG_LARGE", "LINKED", "ESCALATE_HELD"}
	for i, name := range want {
		if f.TriggeredRules[i] != name {
			t.Errorf("position %d: expected %s, got %s", i, name, f.TriggeredRules[i])
		}
	}

	t.Run("no match", func(t *testing.T) {
		f := testFact(100, "US")
		if fired := engine.Evaluate(set, f); fired != 0 {
			t.Errorf("expected nothing fired, got %d", fired)
		}
		if f.Decision != domain.DecisionAllow {
			t.Errorf("expected ALLOW, got %s", f.Decision)
		}
	})
}

func TestSessionHalt(t *testing.T) {
	set := buildSet(t,
		compiledRule("STOP", 90, `{"when":{"field":"amount","op":">","value":0},"then":{"decision":"BLOCK","halt":true}}`),
		compiledRule("NEVER", 10, `{"when":{"field":"amount","op":">","value":0},"then":{"decision":"HOLD"}}`),
	)
	f := testFact(10, "US")
	fired := NewSessionEngine(nil).Evaluate(set, f)
	if fired != 1 {
		t.Errorf("expected 1 rule fired before halt, got %d", fired)
	}
	if f.HasTriggered("NEVER") {
		t.Error("expected halt to stop the session")
	}
}

func TestSessionRecoversPanic(t *testing.T) {
	set := buildSet(t,
		compiledRule("OK", 10, `{"when":{"field":"amount","op":">","value":0},"then":{"decision":"HOLD"}}`),
	)
	set.Program.Rules = append([]*CompiledRule{{
		Name:     "BROKEN",
		Priority: 99,
		When:     func(*domain.TransactionFact) bool { panic("boom") },
	}}, set.Program.Rules...)

	tier := NewCompiledTier(NewSessionEngine(nil), set)
	out := tier.Evaluate(context.Background(), testFact(10, "US"))

	if out.Errors != 1 {
		t.Errorf("expected 1 error, got %d", out.Errors)
	}
	if out.RulesFired != 1 || out.Decision != domain.DecisionHold {
		t.Errorf("expected OK to still fire, got fired=%d decision=%s", out.RulesFired, out.Decision)
	}
}

func TestSessionTerminates(t *testing.T) {
	// Each rule fires at most once, so a self-enabling rule cannot loop.
	set := buildSet(t,
		compiledRule("SELF", 10, `{"when":{"field":"amount","op":">","value":0},"then":{"assert":{"again":true}}}`),
	)
	f := testFact(10, "US")
	if fired := NewSessionEngine(nil).Evaluate(set, f); fired != 1 {
		t.Errorf("expected 1 fire, got %d", fired)
	}
}

func TestCompiledDefaultDecision(t *testing.T) {
	def := compiledRule("ACT", 10, `{"when":{"field":"amount","op":">","value":0}}`)
	def.Action = domain.ActionBlock
	set := buildSet(t, def)

	f := testFact(10, "US")
	NewSessionEngine(nil).Evaluate(set, f)
	if f.Decision != domain.DecisionBlock {
		t.Errorf("expected the definition's action to apply, got %s", f.Decision)
	}
	if f.Reasons[0] != "rule ACT matched" {
		t.Errorf("unexpected reason %q", f.Reasons[0])
	}
}
