package rules

import (
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SessionEngine runs a compiled Program against one fact with forward
// chaining: rules that assert facts or change flags can enable later rules.
type SessionEngine struct {
	logger *slog.Logger
}

// NewSessionEngine creates a session engine.
func NewSessionEngine(logger *slog.Logger) *SessionEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionEngine{logger: logger}
}

// session is bound to one fact for one pass. Never shared.
type session struct {
	program *Program
	fact    *domain.TransactionFact
	done    []bool
	halted  bool
	fired   int
	errs    int
	logger  *slog.Logger
}

// Evaluate runs the set's program against fact and returns the number of
// rules fired. The fact is mutated in place.
func (e *SessionEngine) Evaluate(set *CompiledRuleSet, fact *domain.TransactionFact) int {
	fired, _ := e.run(set, fact)
	return fired
}

func (e *SessionEngine) run(set *CompiledRuleSet, fact *domain.TransactionFact) (fired, errs int) {
	if set == nil || set.Program.Len() == 0 {
		return 0, 0
	}
	s := &session{
		program: set.Program,
		fact:    fact,
		done:    make([]bool, len(set.Program.Rules)),
		logger:  e.logger,
	}
	s.run()
	return s.fired, s.errs
}

// run makes passes over the agenda in priority order until a pass fires
// nothing or a rule halts. Passes are capped at len(rules)+1.
func (s *session) run() {
	maxPasses := len(s.program.Rules) + 1
	for pass := 0; pass < maxPasses && !s.halted; pass++ {
		progressed := false
		for i, rule := range s.program.Rules {
			if s.done[i] {
				continue
			}
			matched, err := s.match(rule)
			if err != nil {
				s.done[i] = true
				s.errs++
				s.logger.Warn("compiled rule failed",
					"rule", rule.Name,
					"tier", domain.RuleKindCompiled,
					"tx_id", s.fact.TransactionID,
					"error", err,
				)
				continue
			}
			if !matched {
				continue
			}

			s.done[i] = true
			s.fired++
			progressed = true
			s.fire(rule)
			if rule.Then.Halt {
				s.halted = true
				return
			}
		}
		if !progressed {
			return
		}
	}
}

func (s *session) match(rule *CompiledRule) (matched bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
			err = fmt.Errorf("predicate panic: %v", r)
		}
	}()
	return rule.When(s.fact), nil
}

func (s *session) fire(rule *CompiledRule) {
	f := s.fact
	f.Trigger(rule.Name)
	f.AddReason(rule.Reason)
	f.Escalate(rule.Then.decision())
	if rule.Then.SAR {
		f.SARRequired = true
	}
	if rule.Then.CTR {
		f.CTRRequired = true
	}
	for k, v := range rule.Then.Assert {
		f.Assert(k, v)
	}
}
