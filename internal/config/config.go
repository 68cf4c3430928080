// Package config loads the Kestrel configuration from defaults, an optional
// YAML file and KESTREL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "KESTREL"

// ErrInvalidConfig is returned when a loaded configuration cannot be used.
var ErrInvalidConfig = errors.New("invalid configuration")

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment apply. Keys follow the JSON field names, and
// env vars replace "." with "_", e.g. KESTREL_ENGINE_EVALUATIONTIMEOUT=100ms.
// KESTREL_TIER=pro (or tier: pro in the file) starts from the Pro defaults.
func Load(path string) (*domain.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v, "", reflect.TypeOf(domain.Config{}))

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := domain.DefaultConfig()
	if domain.Tier(strings.ToLower(v.GetString("tier"))) == domain.TierPro {
		cfg = domain.ProConfig()
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if v.GetBool("debug") {
		cfg.Logging.Level = "debug"
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnv registers every leaf key of t so AutomaticEnv can see keys that
// have no default in viper itself.
func bindEnv(v *viper.Viper, prefix string, t reflect.Type) {
	if prefix == "" {
		_ = v.BindEnv("debug")
	}
	for i := range t.NumField() {
		field := t.Field(i)
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			name = field.Name
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			bindEnv(v, key, field.Type)
			continue
		}
		_ = v.BindEnv(key)
	}
}

// Validate rejects configurations the server cannot start with.
func Validate(cfg *domain.Config) error {
	var problems []string

	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("repository.driver %q (want sqlite or postgres)", cfg.Repository.Driver))
	}
	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		problems = append(problems, fmt.Sprintf("cache.type %q (want memory or redis)", cfg.Cache.Type))
	}
	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		problems = append(problems, fmt.Sprintf("eventBus.type %q (want channel or nats)", cfg.EventBus.Type))
	}
	switch cfg.Rules.Source {
	case domain.RuleSourceRepository:
	case domain.RuleSourceFile:
		if cfg.Rules.Path == "" {
			problems = append(problems, "rules.path is required when rules.source is file")
		}
	default:
		problems = append(problems, fmt.Sprintf("rules.source %q (want repository or file)", cfg.Rules.Source))
	}
	if cfg.Engine.EvaluationTimeout <= 0 {
		problems = append(problems, "engine.evaluationTimeout must be positive")
	}
	if cfg.Engine.AggregateTimeout <= 0 {
		problems = append(problems, "engine.aggregateTimeout must be positive")
	}
	if cfg.Scoring.Default < 0 || cfg.Scoring.Default > 1 {
		problems = append(problems, "scoring.default must be within [0, 1]")
	}
	if cfg.Graph.Enabled && cfg.Graph.URI == "" {
		problems = append(problems, "graph.uri is required when graph is enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
