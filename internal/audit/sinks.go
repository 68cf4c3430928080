package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Sink persists audit records. Implementations must honour ctx.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec *domain.AuditRecord) error
}

// CacheSink stores records as flat hashes in the shared cache.
type CacheSink struct {
	cache domain.Cache
	ttl   time.Duration
}

// NewCacheSink creates a sink keyed "audit:<txID>" under the record's tenant.
func NewCacheSink(cache domain.Cache, ttl time.Duration) *CacheSink {
	return &CacheSink{cache: cache, ttl: ttl}
}

func (s *CacheSink) Name() string { return "cache" }

func (s *CacheSink) Write(ctx context.Context, rec *domain.AuditRecord) error {
	fields, err := toFields(rec)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	return s.cache.PutFields(ctx, rec.TenantID, cacheKey(rec.TransactionID), fields, s.ttl)
}

// EvaluationWriter is the repository method RepositorySink needs.
type EvaluationWriter interface {
	SaveEvaluation(ctx context.Context, rec *domain.AuditRecord) error
}

// RepositorySink writes records to the evaluations table.
type RepositorySink struct {
	repo EvaluationWriter
}

func NewRepositorySink(repo EvaluationWriter) *RepositorySink {
	return &RepositorySink{repo: repo}
}

func (s *RepositorySink) Name() string { return "repository" }

func (s *RepositorySink) Write(ctx context.Context, rec *domain.AuditRecord) error {
	return s.repo.SaveEvaluation(ctx, rec)
}

// ElasticSink indexes records in Elasticsearch, one document per transaction.
type ElasticSink struct {
	client *elasticsearch.Client
	index  string
}

// NewElasticSink creates a sink for the cluster at url.
func NewElasticSink(url, index string) (*ElasticSink, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{url},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	if index == "" {
		index = "kestrel-audit"
	}
	return &ElasticSink{client: client, index: index}, nil
}

func (s *ElasticSink) Name() string { return "elasticsearch" }

func (s *ElasticSink) Write(ctx context.Context, rec *domain.AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      s.index,
		DocumentID: rec.TenantID + ":" + rec.TransactionID,
		Body:       bytes.NewReader(data),
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("error indexing audit record: %s", res.String())
	}
	return nil
}
