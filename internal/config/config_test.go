package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"beacon/internal/validation"
)

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestDefault_PipelineOptions(t *testing.T) {
	pc := Default().PipelineOptions()

	if pc.MaxBatchSize != 100 || pc.FlushThreshold != 50 || pc.QueueCapacity != 1000 {
		t.Errorf("unexpected batching defaults %+v", pc)
	}
	if pc.Retry.MaxAttempts != 5 || pc.Retry.BaseDelay != time.Second || pc.Retry.MaxDelay != 5*time.Minute {
		t.Errorf("unexpected retry defaults %+v", pc.Retry)
	}
	if pc.Breaker.FailureThreshold != 5 || pc.Breaker.Cooldown != 30*time.Second || pc.Breaker.MaxCooldown != 10*time.Minute {
		t.Errorf("unexpected breaker defaults %+v", pc.Breaker)
	}
	if pc.DeadLetterCapacity != 500 || pc.DeadLetterReprocessInterval != time.Hour {
		t.Errorf("unexpected dead letter defaults %+v", pc)
	}
}

func TestLoadFrom_Layers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "beacon.yaml")
	yaml := `
pipeline:
  queue_capacity: 200
  flush_interval: 5s
server:
  addr: ":9090"
kafka:
  brokers: ["k1:9092"]
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("BEACON_PIPELINE_QUEUE_CAPACITY", "300")
	t.Setenv("BEACON_KAFKA_PRODUCER_POOL_SIZE", "2")
	t.Setenv("BEACON_AUTH_JWT_SECRET", "0123456789abcdef0123456789abcdef")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Pipeline.QueueCapacity != 300 {
		t.Errorf("env should override file, got %d", cfg.Pipeline.QueueCapacity)
	}
	if cfg.Pipeline.FlushInterval != 5*time.Second {
		t.Errorf("expected file flush interval, got %v", cfg.Pipeline.FlushInterval)
	}
	if cfg.Pipeline.MaxBatchSize != 100 {
		t.Errorf("expected default batch size, got %d", cfg.Pipeline.MaxBatchSize)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("expected file addr, got %q", cfg.Server.Addr)
	}
	if len(cfg.Kafka.Brokers) != 1 || cfg.Kafka.Brokers[0] != "k1:9092" {
		t.Errorf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
	if cfg.Kafka.Producer.PoolSize != 2 {
		t.Errorf("expected nested env override, got %d", cfg.Kafka.Producer.PoolSize)
	}
	if err := cfg.ValidateServer(); err != nil {
		t.Errorf("ValidateServer: %v", err)
	}
}

func TestLoadFrom_PIIPatterns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beacon.yaml")
	yaml := `
pipeline:
  pii_patterns:
    - '^acct-\d{6}$'
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if len(cfg.Pipeline.PIIPatterns) != 1 || cfg.Pipeline.PIIPatterns[0] != `^acct-\d{6}$` {
		t.Fatalf("unexpected patterns %v", cfg.Pipeline.PIIPatterns)
	}

	policy := cfg.PipelineOptions().Validation
	if len(policy.PIIPatterns) != 1 || policy.PIIPatterns[0] != `^acct-\d{6}$` {
		t.Errorf("patterns not passed to the validator: %v", policy.PIIPatterns)
	}
}

func TestDefault_PIIPatterns(t *testing.T) {
	cfg := Default()
	if !slices.Equal(cfg.Pipeline.PIIPatterns, validation.DefaultPIIPatterns) {
		t.Fatalf("unexpected default patterns %v", cfg.Pipeline.PIIPatterns)
	}

	cfg.Pipeline.PIIPatterns[0] = "changed"
	if validation.DefaultPIIPatterns[0] == "changed" {
		t.Error("config must not alias the package defaults")
	}
}

func TestLoadFrom_BrokersFromEnv(t *testing.T) {
	t.Setenv("BEACON_KAFKA_BROKERS", "a:9092, b:9092,")

	cfg, err := LoadFrom("")
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "b:9092" {
		t.Errorf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"batch too large", func(c *Config) { c.Pipeline.MaxBatchSize = 101 }},
		{"zero attempts", func(c *Config) { c.Pipeline.MaxAttempts = 0 }},
		{"backoff max below base", func(c *Config) { c.Pipeline.BackoffMax = time.Millisecond }},
		{"cooldown ceiling below base", func(c *Config) { c.Pipeline.CircuitMaxCooldown = time.Second }},
		{"threshold above capacity", func(c *Config) { c.Pipeline.FlushThreshold = 2000 }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad endpoint", func(c *Config) { c.Transport.Endpoint = "not a url" }},
		{"no storage path", func(c *Config) { c.Storage.Path = "" }},
		{"bad compression", func(c *Config) { c.Kafka.Producer.Compression = "brotli" }},
		{"uncompilable pii pattern", func(c *Config) { c.Pipeline.PIIPatterns = []string{`(unclosed`} }},
		{"empty pii pattern", func(c *Config) { c.Pipeline.PIIPatterns = []string{""} }},
		{"brokers without topic", func(c *Config) {
			c.Kafka.Brokers = []string{"k:9092"}
			c.Kafka.Topic = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidateServer_ShortSecret(t *testing.T) {
	cfg := Default()
	cfg.Auth.JWTSecret = "short"
	if err := cfg.ValidateServer(); err == nil {
		t.Error("expected short secret to be refused")
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"BEACON_LOG_LEVEL":                     "log.level",
		"BEACON_SERVER_RATE_LIMIT_PER_MINUTE":  "server.rate_limit_per_minute",
		"BEACON_KAFKA_PRODUCER_REQUIRED_ACKS":  "kafka.producer.required_acks",
		"BEACON_PIPELINE_DEAD_LETTER_CAPACITY": "pipeline.dead_letter_capacity",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}
