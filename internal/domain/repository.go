// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// AggregateQuery selects historical transactions for a windowed aggregate.
// The window is half-open: [From, Until).
type AggregateQuery struct {
	Key   AggregateKey
	From  time.Time
	Until time.Time

	// MinAmountMinor restricts to transactions at or above this amount. 0 disables.
	MinAmountMinor int64
}

// WindowStats is the result of an aggregate query.
type WindowStats struct {
	Count             int64
	SumMinor          int64
	DistinctTerminals int64
}

// Repository defines the interface for data persistence.
// Transaction and evaluation methods require tenantID for isolation;
// rule definitions are global.
type Repository interface {
	// Transaction history
	SaveTransaction(ctx context.Context, tenantID string, tx *Transaction) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*Transaction, error)
	AggregateWindow(ctx context.Context, tenantID string, q AggregateQuery) (*WindowStats, error)
	LastTransactionTime(ctx context.Context, tenantID string, key AggregateKey, before time.Time) (*time.Time, error)

	// Rule definitions
	SaveRule(ctx context.Context, rule *RuleDefinition) error
	GetRule(ctx context.Context, name string) (*RuleDefinition, error)
	ListRules(ctx context.Context) ([]*RuleDefinition, error)
	ListEnabledRules(ctx context.Context) ([]*RuleDefinition, error)
	SetRuleEnabled(ctx context.Context, name string, enabled bool) error
	SetRulePriority(ctx context.Context, name string, priority int) error
	DeleteRule(ctx context.Context, name string) error

	// Evaluation audit trail
	SaveEvaluation(ctx context.Context, rec *AuditRecord) error
	GetEvaluation(ctx context.Context, tenantID string, txID string) (*AuditRecord, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost"`
	PostgresPort     int    `json:"postgresPort"`
	PostgresUser     string `json:"postgresUser"`
	PostgresPassword string `json:"postgresPassword"`
	PostgresDB       string `json:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime"`
}
