// Package graph reads card network metrics from Neo4j.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Card nodes carry precomputed metrics written by an offline graph job.
const metricsQuery = `
MATCH (c:Card {tenantId: $tenantId, panHash: $panHash})
OPTIONAL MATCH (c)-[r:TRANSACTED_WITH]-()
RETURN coalesce(c.influenceScore, 0.0) AS influence,
       coalesce(c.communityId, '')    AS community,
       coalesce(c.betweenness, 0.0)   AS betweenness,
       count(r)                       AS connections`

// Neo4jProvider implements domain.GraphProvider.
type Neo4jProvider struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *slog.Logger
}

// NewNeo4jProvider connects to Neo4j and verifies connectivity.
func NewNeo4jProvider(ctx context.Context, cfg domain.GraphConfig) (*Neo4jProvider, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
		func(c *neo4j.Config) {
			c.MaxConnectionLifetime = 30 * time.Minute
			c.MaxConnectionPoolSize = 50
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Neo4j driver: %w", err)
	}

	vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(vctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to connect to Neo4j: %w", err)
	}

	database := cfg.Database
	if database == "" {
		database = "neo4j"
	}
	return &Neo4jProvider{driver: driver, database: database, logger: slog.Default()}, nil
}

// Metrics returns the card's metrics, or zero metrics for an unknown card.
func (p *Neo4jProvider) Metrics(ctx context.Context, tenantID, panHash string) (domain.GraphMetrics, error) {
	if panHash == "" {
		return domain.GraphMetrics{}, nil
	}

	session := p.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: p.database,
	})
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, metricsQuery, map[string]any{
			"tenantId": tenantID,
			"panHash":  panHash,
		})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return nil, res.Err()
		}
		return res.Record().AsMap(), nil
	})
	if err != nil {
		return domain.GraphMetrics{}, fmt.Errorf("graph metrics for %s: %w", panHash, err)
	}

	values, _ := out.(map[string]any)
	return metricsFromRecord(values), nil
}

// Close releases the driver.
func (p *Neo4jProvider) Close(ctx context.Context) error {
	return p.driver.Close(ctx)
}

func metricsFromRecord(values map[string]any) domain.GraphMetrics {
	var m domain.GraphMetrics
	if values == nil {
		return m
	}
	m.InfluenceScore = asFloat(values["influence"])
	m.Betweenness = asFloat(values["betweenness"])
	m.ConnectionCount = asInt(values["connections"])
	if s, ok := values["community"].(string); ok {
		m.CommunityID = s
	}
	return m
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	default:
		return 0
	}
}

func asInt(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	default:
		return 0
	}
}

var _ domain.GraphProvider = (*Neo4jProvider)(nil)
