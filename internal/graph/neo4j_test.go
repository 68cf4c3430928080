package graph

import (
	"context"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestMetricsFromRecord(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]any
		want   domain.GraphMetrics
	}{
		{name: "nil record"},
		{
			name: "full record",
			values: map[string]any{
				"influence":   0.75,
				"community":   "c-12",
				"betweenness": int64(3),
				"connections": int64(41),
			},
			want: domain.GraphMetrics{InfluenceScore: 0.75, CommunityID: "c-12", Betweenness: 3, ConnectionCount: 41},
		},
		{
			name:   "unexpected types",
			values: map[string]any{"influence": "high", "community": 7, "connections": nil},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := metricsFromRecord(tt.values); got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestNewNeo4jProviderRejectsBadURI(t *testing.T) {
	_, err := NewNeo4jProvider(context.Background(), domain.GraphConfig{URI: "ftp://localhost:1"})
	if err == nil {
		t.Error("expected error for unsupported scheme")
	}
}
