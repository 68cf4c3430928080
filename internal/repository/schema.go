package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL. Times are stored as unix
// milliseconds so window predicates compare integers on both drivers.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    merchant_id TEXT NOT NULL,
    terminal_id TEXT NOT NULL DEFAULT '',
    pan_hash TEXT NOT NULL,
    channel TEXT NOT NULL DEFAULT '',
    country_code TEXT NOT NULL DEFAULT '',
    amount_minor BIGINT NOT NULL,
    currency TEXT NOT NULL DEFAULT '',
    ts_ms BIGINT NOT NULL,
    created_ms BIGINT NOT NULL,
    card_data TEXT,
    metadata TEXT,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_pan ON transactions(tenant_id, pan_hash, ts_ms);
CREATE INDEX IF NOT EXISTS idx_transactions_merchant ON transactions(tenant_id, merchant_id, ts_ms);
`

const schemaRuleDefinitions = `
CREATE TABLE IF NOT EXISTS rule_definitions (
    name TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    content TEXT NOT NULL,
    action TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    version BIGINT NOT NULL DEFAULT 1,
    updated_ms BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rule_definitions_enabled ON rule_definitions(enabled, priority);
`

const schemaEvaluations = `
CREATE TABLE IF NOT EXISTS evaluations (
    tenant_id TEXT NOT NULL,
    tx_id TEXT NOT NULL,
    decision TEXT NOT NULL,
    score REAL NOT NULL,
    reasons TEXT NOT NULL,
    triggered_rules TEXT NOT NULL,
    sar_required INTEGER NOT NULL DEFAULT 0,
    ctr_required INTEGER NOT NULL DEFAULT 0,
    rule_set_version BIGINT NOT NULL DEFAULT 0,
    degraded INTEGER NOT NULL DEFAULT 0,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    evaluated_ms BIGINT NOT NULL,
    PRIMARY KEY (tenant_id, tx_id)
);

CREATE INDEX IF NOT EXISTS idx_evaluations_decision ON evaluations(tenant_id, decision);
CREATE INDEX IF NOT EXISTS idx_evaluations_time ON evaluations(tenant_id, evaluated_ms);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaRuleDefinitions,
		schemaEvaluations,
	}
}
