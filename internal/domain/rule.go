package domain

import (
	"sort"
	"time"
)

// GlobalTenantID marks rule definitions that apply to every tenant.
const GlobalTenantID = "*"

// RuleKind tags the backend that evaluates a rule.
type RuleKind string

const (
	// RuleKindCompiled rules are compiled together into one forward-chaining program.
	RuleKindCompiled RuleKind = "COMPILED"

	// RuleKindExpression rules are boolean CEL expressions evaluated one by one.
	RuleKindExpression RuleKind = "EXPRESSION"

	// RuleKindFallback marks the always-on programmatic rules. Never stored.
	RuleKindFallback RuleKind = "FALLBACK"
)

// Storable reports whether definitions of this kind may live in the rule store.
func (k RuleKind) Storable() bool {
	return k == RuleKindCompiled || k == RuleKindExpression
}

// RuleAction is what an expression rule does when it matches.
type RuleAction string

const (
	ActionBlock RuleAction = "BLOCK"
	ActionHold  RuleAction = "HOLD"

	// ActionAlert records the reason and rule name without escalating.
	ActionAlert RuleAction = "ALERT"
)

// Valid reports whether a is a known action.
func (a RuleAction) Valid() bool {
	return a == ActionBlock || a == ActionHold || a == ActionAlert
}

// Decision returns the decision an action escalates to. ALERT maps to ALLOW.
func (a RuleAction) Decision() Decision {
	switch a {
	case ActionBlock:
		return DecisionBlock
	case ActionHold:
		return DecisionHold
	default:
		return DecisionAllow
	}
}

// RuleDefinition is a stored, operator-authored rule.
type RuleDefinition struct {
	Name        string     `json:"name" yaml:"name"`
	Type        RuleKind   `json:"type" yaml:"type"`
	Priority    int        `json:"priority" yaml:"priority"`
	Enabled     bool       `json:"enabled" yaml:"enabled"`
	Content     string     `json:"content" yaml:"content"`
	Action      RuleAction `json:"action,omitempty" yaml:"action,omitempty"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`

	// Version is bumped by the store on every update.
	Version   int64     `json:"version" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
}

// SortRules orders definitions by Priority DESC, Name ASC in place.
func SortRules(defs []*RuleDefinition) {
	sort.SliceStable(defs, func(i, j int) bool {
		if defs[i].Priority != defs[j].Priority {
			return defs[i].Priority > defs[j].Priority
		}
		return defs[i].Name < defs[j].Name
	})
}
