package domain

import "strings"

// Decision is the screening verdict for a transaction.
// Severity ordering is ALLOW < HOLD < BLOCK.
type Decision string

const (
	DecisionAllow Decision = "ALLOW"
	DecisionHold  Decision = "HOLD"
	DecisionBlock Decision = "BLOCK"
)

// Severity returns the rank used for escalation. Unknown values rank as ALLOW.
func (d Decision) Severity() int {
	switch d {
	case DecisionHold:
		return 1
	case DecisionBlock:
		return 2
	default:
		return 0
	}
}

// Max returns the more severe of two decisions.
func (d Decision) Max(other Decision) Decision {
	if other.Severity() > d.Severity() {
		return other
	}
	if d == "" {
		return DecisionAllow
	}
	return d
}

// Valid reports whether d is one of the three known decisions.
func (d Decision) Valid() bool {
	return d == DecisionAllow || d == DecisionHold || d == DecisionBlock
}

// ParseDecision maps a string to a Decision. ok is false for unknown input.
func ParseDecision(s string) (Decision, bool) {
	d := Decision(strings.ToUpper(strings.TrimSpace(s)))
	return d, d.Valid()
}
