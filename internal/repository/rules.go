package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const ruleColumns = `name, type, priority, enabled, content, action, description, version, updated_ms`

func validateRule(rule *domain.RuleDefinition) error {
	if rule == nil || strings.TrimSpace(rule.Name) == "" {
		return fmt.Errorf("%w: rule name is required", ErrInvalidInput)
	}
	if !rule.Type.Storable() {
		return fmt.Errorf("%w: rule %s has unsupported type %q", ErrInvalidInput, rule.Name, rule.Type)
	}
	if rule.Action != "" && !rule.Action.Valid() {
		return fmt.Errorf("%w: rule %s has unsupported action %q", ErrInvalidInput, rule.Name, rule.Action)
	}
	return nil
}

// SaveRule inserts or replaces a rule definition. The stored version starts
// at 1 and is bumped on every update; rule.Version and rule.UpdatedAt are
// set from the stored row.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.RuleDefinition) error {
	if err := validateRule(rule); err != nil {
		return err
	}

	now := time.Now()
	query := `
		INSERT INTO rule_definitions (` + ruleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (name) DO UPDATE SET
			type = excluded.type,
			priority = excluded.priority,
			enabled = excluded.enabled,
			content = excluded.content,
			action = excluded.action,
			description = excluded.description,
			version = rule_definitions.version + 1,
			updated_ms = excluded.updated_ms
	`

	if _, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.Name, string(rule.Type), rule.Priority, boolInt(rule.Enabled),
		rule.Content, string(rule.Action), rule.Description, toMillis(now),
	); err != nil {
		return fmt.Errorf("save rule %s: %w", rule.Name, err)
	}

	stored, err := r.GetRule(ctx, rule.Name)
	if err != nil {
		return err
	}
	rule.Version = stored.Version
	rule.UpdatedAt = stored.UpdatedAt
	return nil
}

// GetRule retrieves a rule definition by name.
func (r *SQLRepository) GetRule(ctx context.Context, name string) (*domain.RuleDefinition, error) {
	query := `SELECT ` + ruleColumns + ` FROM rule_definitions WHERE name = ?`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListRules returns every rule, enabled or not, in evaluation order.
func (r *SQLRepository) ListRules(ctx context.Context) ([]*domain.RuleDefinition, error) {
	return r.queryRules(ctx, `SELECT `+ruleColumns+` FROM rule_definitions ORDER BY priority DESC, name ASC`)
}

// ListEnabledRules returns the enabled rules in evaluation order.
func (r *SQLRepository) ListEnabledRules(ctx context.Context) ([]*domain.RuleDefinition, error) {
	return r.queryRules(ctx, `SELECT `+ruleColumns+` FROM rule_definitions WHERE enabled = 1 ORDER BY priority DESC, name ASC`)
}

// SetRuleEnabled toggles a rule and bumps its version.
func (r *SQLRepository) SetRuleEnabled(ctx context.Context, name string, enabled bool) error {
	return r.updateRule(ctx, name, `enabled = ?`, boolInt(enabled))
}

// SetRulePriority changes a rule's priority and bumps its version.
func (r *SQLRepository) SetRulePriority(ctx context.Context, name string, priority int) error {
	return r.updateRule(ctx, name, `priority = ?`, priority)
}

// DeleteRule removes a rule definition.
func (r *SQLRepository) DeleteRule(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM rule_definitions WHERE name = ?`), name)
	if err != nil {
		return fmt.Errorf("delete rule %s: %w", name, err)
	}
	return requireAffected(res)
}

func (r *SQLRepository) updateRule(ctx context.Context, name, set string, value any) error {
	query := `UPDATE rule_definitions SET ` + set + `, version = version + 1, updated_ms = ? WHERE name = ?`
	res, err := r.db.ExecContext(ctx, r.rebind(query), value, toMillis(time.Now()), name)
	if err != nil {
		return fmt.Errorf("update rule %s: %w", name, err)
	}
	return requireAffected(res)
}

func (r *SQLRepository) queryRules(ctx context.Context, query string) ([]*domain.RuleDefinition, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var rules []*domain.RuleDefinition
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*domain.RuleDefinition, error) {
	var rule domain.RuleDefinition
	var ruleType, action string
	var enabled int
	var updatedMs int64

	if err := row.Scan(
		&rule.Name, &ruleType, &rule.Priority, &enabled, &rule.Content,
		&action, &rule.Description, &rule.Version, &updatedMs,
	); err != nil {
		return nil, err
	}

	rule.Type = domain.RuleKind(ruleType)
	rule.Action = domain.RuleAction(action)
	rule.Enabled = enabled == 1
	rule.UpdatedAt = fromMillis(updatedMs)
	return &rule, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
