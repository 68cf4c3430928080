package rules

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ruleFile is the on-disk YAML layout.
//
//	rules:
//	  - name: HIGH_AMOUNT
//	    type: EXPRESSION
//	    priority: 100
//	    enabled: true
//	    content: amount > 5000.0
//	    action: HOLD
//	  - name: STRUCTURING_LIKE
//	    type: COMPILED
//	    enabled: true
//	    when: {all: [{field: amount, op: ">=", value: 9000}]}
//	    then: {decision: HOLD, sar: true}
type ruleFile struct {
	Rules []fileRule `yaml:"rules"`
}

type fileRule struct {
	domain.RuleDefinition `yaml:",inline"`
	When                  *Cond    `yaml:"when,omitempty"`
	Then                  *Outcome `yaml:"then,omitempty"`
}

// ParseRuleFile decodes a YAML rule file. Inline when/then blocks are
// rendered into JSON rule content.
func ParseRuleFile(r io.Reader) ([]*domain.RuleDefinition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file ruleFile
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}

	defs := make([]*domain.RuleDefinition, 0, len(file.Rules))
	for i, fr := range file.Rules {
		def := fr.RuleDefinition
		def.Name = strings.TrimSpace(def.Name)
		if def.Name == "" {
			return nil, fmt.Errorf("rule %d: name is required", i)
		}
		def.Type = domain.RuleKind(strings.ToUpper(string(def.Type)))
		def.Action = domain.RuleAction(strings.ToUpper(string(def.Action)))

		if fr.When != nil {
			if strings.TrimSpace(def.Content) != "" {
				return nil, fmt.Errorf("rule %s: content and when are mutually exclusive", def.Name)
			}
			spec := &RuleSpec{When: fr.When}
			if fr.Then != nil {
				spec.Then = *fr.Then
			}
			content, err := MarshalSpec(spec)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", def.Name, err)
			}
			def.Content = content
		}
		defs = append(defs, &def)
	}
	return defs, nil
}

// LoadRuleFile reads and parses a YAML rule file.
func LoadRuleFile(path string) ([]*domain.RuleDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	return ParseRuleFile(bytes.NewReader(data))
}

// FileStore serves rules from a YAML file, re-read on every listing.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

// ListEnabledRules implements domain.RuleStore.
func (s *FileStore) ListEnabledRules(ctx context.Context) ([]*domain.RuleDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defs, err := LoadRuleFile(s.path)
	if err != nil {
		return nil, err
	}
	enabled := defs[:0]
	for _, d := range defs {
		if d.Enabled {
			enabled = append(enabled, d)
		}
	}
	domain.SortRules(enabled)
	return enabled, nil
}

var _ domain.RuleStore = (*FileStore)(nil)
