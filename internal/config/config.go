// Package config loads the router's configuration: an optional YAML file,
// overridden by PULSE_-prefixed environment variables, with defaults for
// everything not set.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Backends BackendsConfig `koanf:"backends"`
	Breaker  BreakerConfig  `koanf:"breaker"`
	Cache    CacheConfig    `koanf:"cache"`
	Accel    AccelConfig    `koanf:"accel"`
	Delivery DeliveryConfig `koanf:"delivery"`
	Retry    RetryConfig    `koanf:"retry"`
	Outcome  OutcomeConfig  `koanf:"outcome"`
	Sink     SinkConfig     `koanf:"sink"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type BackendsConfig struct {
	Local  LocalBackendConfig `koanf:"local"`
	CloudA CloudBackendConfig `koanf:"cloud_a"`
	CloudB CloudBackendConfig `koanf:"cloud_b"`
}

type LocalBackendConfig struct {
	Endpoint       string        `koanf:"endpoint"`
	Model          string        `koanf:"model"`
	Timeout        time.Duration `koanf:"timeout"`
	MaxConcurrent  int64         `koanf:"max_concurrent"`
	MaxInputTokens int           `koanf:"max_input_tokens"`
}

type CloudBackendConfig struct {
	Endpoint      string        `koanf:"endpoint"`
	APIKey        string        `koanf:"api_key"`
	Model         string        `koanf:"model"`
	Timeout       time.Duration `koanf:"timeout"`
	MaxConcurrent int64         `koanf:"max_concurrent"`
	CostTier      int           `koanf:"cost_tier"`
	Quota         QuotaConfig   `koanf:"quota"`
}

type QuotaConfig struct {
	Allowance int           `koanf:"allowance"`
	Window    time.Duration `koanf:"window"`
}

type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	SuccessThreshold int           `koanf:"success_threshold"`
	Cooldown         time.Duration `koanf:"cooldown"`
}

type CacheConfig struct {
	SimilarityThreshold  float64       `koanf:"similarity_threshold"`
	TTL                  time.Duration `koanf:"ttl"`
	CapacityPerPartition int           `koanf:"capacity_per_partition"`
}

type AccelConfig struct {
	MinReclaimInterval time.Duration `koanf:"min_reclaim_interval"`
}

type DeliveryConfig struct {
	EnrichmentDeadline time.Duration `koanf:"enrichment_deadline"`
}

type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	BaseDelay   time.Duration `koanf:"base_delay"`
	MaxDelay    time.Duration `koanf:"max_delay"`
}

type OutcomeConfig struct {
	DBPath string `koanf:"db_path"`
}

type SinkConfig struct {
	WebhookURL string `koanf:"webhook_url"`
}

// defaults are applied for any key not present in the file or environment.
var defaults = map[string]any{
	"server.port":                     8080,
	"server.request_timeout":          "30s",
	"backends.local.endpoint":         "http://127.0.0.1:11434",
	"backends.local.model":            "llama3.2",
	"backends.local.timeout":          "20s",
	"backends.local.max_concurrent":   2,
	"backends.local.max_input_tokens": 2048,
	"backends.cloud_a.endpoint":       "https://api.openai.com/v1",
	"backends.cloud_a.model":          "gpt-4o-mini",
	"backends.cloud_a.timeout":        "30s",
	"backends.cloud_a.max_concurrent": 8,
	"backends.cloud_a.cost_tier":      1,
	"backends.cloud_a.quota.allowance": 500,
	"backends.cloud_a.quota.window":    "24h",
	"backends.cloud_b.endpoint":       "https://api.anthropic.com",
	"backends.cloud_b.model":          "claude-haiku-4-5",
	"backends.cloud_b.timeout":        "30s",
	"backends.cloud_b.max_concurrent": 8,
	"backends.cloud_b.cost_tier":      2,
	"backends.cloud_b.quota.allowance": 200,
	"backends.cloud_b.quota.window":    "24h",
	"breaker.failure_threshold":       5,
	"breaker.success_threshold":       3,
	"breaker.cooldown":                "60s",
	"cache.similarity_threshold":      0.95,
	"cache.ttl":                       "1h",
	"cache.capacity_per_partition":    100,
	"accel.min_reclaim_interval":      "5m",
	"delivery.enrichment_deadline":    "25s",
	"retry.max_attempts":              3,
	"retry.base_delay":                "200ms",
	"retry.max_delay":                 "5s",
	"outcome.db_path":                 "./data/outcomes.db",
	"sink.webhook_url":                "",
}

// Load reads configuration from path (skipped when the file does not
// exist) and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file: %w", err)
			}
		}
	}

	// Environment overrides file: PULSE_SERVER__PORT -> server.port.
	// Double underscore separates levels so key names can contain single
	// underscores.
	if err := k.Load(env.Provider("PULSE_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "PULSE_")), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
