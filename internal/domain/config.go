package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines the default infrastructure
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Decision engine
	Engine  EngineConfig  `json:"engine"`
	Rules   RulesConfig   `json:"rules"`
	Audit   AuditConfig   `json:"audit"`
	Graph   GraphConfig   `json:"graph"`
	Scoring ScoringConfig `json:"scoring"`
	Worker  WorkerConfig  `json:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
	Metrics MetricsConfig `json:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// EngineConfig tunes the evaluation pass.
type EngineConfig struct {
	// EvaluationTimeout bounds one screening pass end to end.
	EvaluationTimeout time.Duration `json:"evaluationTimeout"`

	// AggregateTimeout bounds each historical lookup during extraction.
	AggregateTimeout time.Duration `json:"aggregateTimeout"`

	ExtractionWorkers int `json:"extractionWorkers"`
	ExtractionQueue   int `json:"extractionQueue"`
	ScoringWorkers    int `json:"scoringWorkers"`
	ScoringQueue      int `json:"scoringQueue"`
	EvaluationWorkers int `json:"evaluationWorkers"`
	EvaluationQueue   int `json:"evaluationQueue"`

	// HighValueThreshold in major units; feeds aml_high_value_count_7d.
	HighValueThreshold float64 `json:"highValueThreshold"`

	// RecordHistory stores each screened transaction for future aggregates.
	RecordHistory bool `json:"recordHistory"`

	Fallback FallbackConfig `json:"fallback"`
}

// FallbackConfig parameterizes the always-on programmatic rules.
type FallbackConfig struct {
	CTRThreshold         float64  `json:"ctrThreshold"`
	StructuringThreshold float64  `json:"structuringThreshold"`
	StructuringMinCount  int64    `json:"structuringMinCount"`
	HighRiskCountries    []string `json:"highRiskCountries"`
}

// RulesConfig selects where rule definitions come from.
type RulesConfig struct {
	// Source is "repository" or "file".
	Source string `json:"source"`

	// Path of the YAML rule file when Source is "file".
	Path string `json:"path"`

	// Watch reloads on file change (file source only).
	Watch bool `json:"watch"`

	// ReloadInterval polls the store for changes. 0 disables polling.
	ReloadInterval time.Duration `json:"reloadInterval"`
}

// AuditConfig controls the asynchronous audit writer.
type AuditConfig struct {
	WriteTimeout time.Duration `json:"writeTimeout"`
	TTL          time.Duration `json:"ttl"`
	QueueSize    int           `json:"queueSize"`
	Workers      int           `json:"workers"`

	// Persist also writes every record to the repository.
	Persist bool `json:"persist"`

	// Elasticsearch sink, disabled when ElasticURL is empty.
	ElasticURL   string `json:"elasticUrl"`
	ElasticIndex string `json:"elasticIndex"`
}

// GraphConfig points at the Neo4j instance holding the card network.
type GraphConfig struct {
	Enabled  bool   `json:"enabled"`
	URI      string `json:"uri"`
	Username string `json:"username"`
	Password string `json:"password"`
	Database string `json:"database"`
}

// ScoringConfig controls ML score lookup.
type ScoringConfig struct {
	Enabled bool `json:"enabled"`

	// Default is used when no score is available.
	Default float64 `json:"default"`
}

// WorkerConfig controls the asynchronous bus consumer.
type WorkerConfig struct {
	Enabled bool `json:"enabled"`

	// Tenants to consume for. Empty consumes the global scope.
	Tenants   []string `json:"tenants"`
	Count     int      `json:"count"`
	QueueSize int      `json:"queueSize"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// Rule sources
const (
	RuleSourceRepository = "repository"
	RuleSourceFile       = "file"
)

// DefaultHighRiskCountries is the sanctioned-country set used by the fallback tier.
var DefaultHighRiskCountries = []string{"KP", "IR", "SY", "CU", "MM"}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Engine: EngineConfig{
			EvaluationTimeout:  250 * time.Millisecond,
			AggregateTimeout:   50 * time.Millisecond,
			ExtractionWorkers:  16,
			ExtractionQueue:    256,
			ScoringWorkers:     4,
			ScoringQueue:       64,
			EvaluationWorkers:  8,
			EvaluationQueue:    128,
			HighValueThreshold: 3000,
			RecordHistory:      true,
			Fallback: FallbackConfig{
				CTRThreshold:         10000,
				StructuringThreshold: 9000,
				StructuringMinCount:  3,
				HighRiskCountries:    append([]string(nil), DefaultHighRiskCountries...),
			},
		},
		Rules: RulesConfig{
			Source: RuleSourceRepository,
		},
		Audit: AuditConfig{
			WriteTimeout: 50 * time.Millisecond,
			TTL:          90 * 24 * time.Hour,
			QueueSize:    1024,
			Workers:      2,
			Persist:      true,
			ElasticIndex: "kestrel-audit",
		},
		Graph: GraphConfig{
			Database: "neo4j",
		},
		Scoring: ScoringConfig{
			Enabled: true,
		},
		Worker: WorkerConfig{
			Count:     4,
			QueueSize: 64,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "kestrel-screeners",
	}
	cfg.Graph = GraphConfig{
		Enabled:  true,
		URI:      "neo4j://localhost:7687",
		Username: "neo4j",
		Database: "neo4j",
	}
	cfg.Worker.Enabled = true
	cfg.Worker.Count = 16
	cfg.Tracing.Enabled = true
	return cfg
}
