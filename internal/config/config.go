package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"

	"beacon/internal/breaker"
	"beacon/internal/pipeline"
	"beacon/internal/retry"
	"beacon/internal/storage"
	"beacon/internal/transport"
	"beacon/internal/validation"
)

// Config holds runtime configuration for both the beacon agent and the
// telemetryd server. Each binary reads the sections it needs.
type Config struct {
	Log       LogConfig       `koanf:"log"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Transport TransportConfig `koanf:"transport"`
	Storage   StorageConfig   `koanf:"storage"`
	Server    ServerConfig    `koanf:"server"`
	Auth      AuthConfig      `koanf:"auth"`
	Kafka     KafkaConfig     `koanf:"kafka"`
}

// LogConfig configures the global zerolog logger.
type LogConfig struct {
	Level string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error fatal panic disabled"`
}

// PipelineConfig mirrors the client tuning knobs.
type PipelineConfig struct {
	MaxBatchSize                int           `koanf:"max_batch_size" validate:"min=1,max=100"`
	FlushInterval               time.Duration `koanf:"flush_interval" validate:"gt=0"`
	FlushThreshold              int           `koanf:"flush_threshold" validate:"min=1"`
	QueueCapacity               int           `koanf:"queue_capacity" validate:"min=1"`
	MaxAttempts                 int           `koanf:"max_attempts" validate:"min=1"`
	BackoffBase                 time.Duration `koanf:"backoff_base" validate:"gt=0"`
	BackoffMax                  time.Duration `koanf:"backoff_max" validate:"gtefield=BackoffBase"`
	BackoffJitter               float64       `koanf:"backoff_jitter" validate:"gte=0,lte=1"`
	CircuitFailureThreshold     int           `koanf:"circuit_failure_threshold" validate:"min=1"`
	CircuitCooldown             time.Duration `koanf:"circuit_cooldown" validate:"gt=0"`
	CircuitMaxCooldown          time.Duration `koanf:"circuit_max_cooldown" validate:"gtefield=CircuitCooldown"`
	DeadLetterCapacity          int           `koanf:"dead_letter_capacity" validate:"min=1"`
	DeadLetterReprocessInterval time.Duration `koanf:"dead_letter_reprocess_interval" validate:"gt=0"`
	SendTimeout                 time.Duration `koanf:"send_timeout" validate:"gt=0"`
	ShutdownFlushTimeout        time.Duration `koanf:"shutdown_flush_timeout" validate:"gt=0"`
	StatsInterval               time.Duration `koanf:"stats_interval"`
	RedactPII                   bool          `koanf:"redact_pii"`
	PIIPatterns                 []string      `koanf:"pii_patterns" validate:"dive,required"`
}

// TransportConfig points the agent at a telemetryd server.
type TransportConfig struct {
	Endpoint      string        `koanf:"endpoint" validate:"omitempty,url"`
	Token         string        `koanf:"token"`
	Timeout       time.Duration `koanf:"timeout" validate:"gt=0"`
	GzipThreshold int           `koanf:"gzip_threshold" validate:"gte=0"`
}

// StorageConfig configures the agent's Badger persistence adapter.
type StorageConfig struct {
	Path       string `koanf:"path" validate:"required_without=InMemory"`
	InMemory   bool   `koanf:"in_memory"`
	SyncWrites bool   `koanf:"sync_writes"`
}

// ServerConfig configures the telemetryd HTTP listener and its store.
type ServerConfig struct {
	Addr               string        `koanf:"addr" validate:"required"`
	DatabaseURL        string        `koanf:"database_url"`
	MaxBodyBytes       int64         `koanf:"max_body_bytes" validate:"min=1024"`
	RateLimitPerMinute int           `koanf:"rate_limit_per_minute" validate:"gte=0"`
	ReadTimeout        time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout       time.Duration `koanf:"write_timeout" validate:"gt=0"`
	IdleTimeout        time.Duration `koanf:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout    time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	StatsInterval      time.Duration `koanf:"stats_interval"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret string        `koanf:"jwt_secret"`
	Issuer    string        `koanf:"issuer"`
	TokenTTL  time.Duration `koanf:"token_ttl" validate:"gt=0"`
}

// KafkaConfig configures the optional fan-out of ingested events.
// Forwarding is disabled when Brokers is empty.
type KafkaConfig struct {
	Brokers  []string       `koanf:"brokers"`
	Topic    string         `koanf:"topic" validate:"required_with=Brokers"`
	Producer ProducerConfig `koanf:"producer"`
}

// ProducerConfig tunes the kafka writers.
type ProducerConfig struct {
	PoolSize     int           `koanf:"pool_size" validate:"min=1"`
	BatchSize    int           `koanf:"batch_size" validate:"min=1"`
	BatchTimeout time.Duration `koanf:"batch_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	RequiredAcks int           `koanf:"required_acks" validate:"oneof=-1 0 1"`
	Compression  string        `koanf:"compression" validate:"omitempty,oneof=none gzip snappy lz4 zstd"`
	MaxRetries   int           `koanf:"max_retries" validate:"gte=0"`
	RetryBackoff time.Duration `koanf:"retry_backoff"`
}

// Default returns the documented defaults for local development.
func Default() *Config {
	pc := pipeline.DefaultConfig()
	return &Config{
		Log: LogConfig{Level: "info"},
		Pipeline: PipelineConfig{
			MaxBatchSize:                pc.MaxBatchSize,
			FlushInterval:               pc.FlushInterval,
			FlushThreshold:              pc.FlushThreshold,
			QueueCapacity:               pc.QueueCapacity,
			MaxAttempts:                 pc.Retry.MaxAttempts,
			BackoffBase:                 pc.Retry.BaseDelay,
			BackoffMax:                  pc.Retry.MaxDelay,
			BackoffJitter:               pc.Retry.JitterFraction,
			CircuitFailureThreshold:     pc.Breaker.FailureThreshold,
			CircuitCooldown:             pc.Breaker.Cooldown,
			CircuitMaxCooldown:          pc.Breaker.MaxCooldown,
			DeadLetterCapacity:          pc.DeadLetterCapacity,
			DeadLetterReprocessInterval: pc.DeadLetterReprocessInterval,
			SendTimeout:                 pc.Retry.SendTimeout,
			ShutdownFlushTimeout:        pc.ShutdownFlushTimeout,
			StatsInterval:               pc.StatsInterval,
			RedactPII:                   pc.Validation.RedactPII,
			PIIPatterns:                 slices.Clone(pc.Validation.PIIPatterns),
		},
		Transport: TransportConfig{
			Endpoint:      "http://localhost:8080",
			Timeout:       15 * time.Second,
			GzipThreshold: 4 * 1024,
		},
		Storage: StorageConfig{
			Path:       "./data/beacon",
			SyncWrites: true,
		},
		Server: ServerConfig{
			Addr:               ":8080",
			MaxBodyBytes:       4 * 1024 * 1024,
			RateLimitPerMinute: 600,
			ReadTimeout:        10 * time.Second,
			WriteTimeout:       10 * time.Second,
			IdleTimeout:        60 * time.Second,
			ShutdownTimeout:    10 * time.Second,
			StatsInterval:      30 * time.Second,
		},
		Auth: AuthConfig{
			Issuer:   "telemetryd",
			TokenTTL: 24 * time.Hour,
		},
		Kafka: KafkaConfig{
			Topic: "telemetry-events",
			Producer: ProducerConfig{
				PoolSize:     4,
				BatchSize:    100,
				BatchTimeout: 10 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				RequiredAcks: -1,
				Compression:  "snappy",
				MaxRetries:   3,
				RetryBackoff: 100 * time.Millisecond,
			},
		},
	}
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}
	if c.Pipeline.FlushThreshold > c.Pipeline.QueueCapacity {
		return errors.New("pipeline.flush_threshold exceeds pipeline.queue_capacity")
	}
	if _, err := validation.New(validation.Policy{PIIPatterns: c.Pipeline.PIIPatterns}); err != nil {
		return fmt.Errorf("pipeline.pii_patterns: %w", err)
	}
	return nil
}

// ValidateServer enforces the settings telemetryd cannot run without.
func (c *Config) ValidateServer() error {
	if len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 characters")
	}
	return nil
}

// PipelineOptions converts the pipeline section into pipeline.Config.
func (c *Config) PipelineOptions() pipeline.Config {
	p := c.Pipeline
	validationPolicy := validation.DefaultPolicy()
	validationPolicy.RedactPII = p.RedactPII
	if len(p.PIIPatterns) > 0 {
		validationPolicy.PIIPatterns = slices.Clone(p.PIIPatterns)
	}

	return pipeline.Config{
		MaxBatchSize:                p.MaxBatchSize,
		FlushInterval:               p.FlushInterval,
		FlushThreshold:              p.FlushThreshold,
		QueueCapacity:               p.QueueCapacity,
		DeadLetterCapacity:          p.DeadLetterCapacity,
		DeadLetterReprocessInterval: p.DeadLetterReprocessInterval,
		ShutdownFlushTimeout:        p.ShutdownFlushTimeout,
		StatsInterval:               p.StatsInterval,
		Retry: retry.Policy{
			MaxAttempts:    p.MaxAttempts,
			BaseDelay:      p.BackoffBase,
			MaxDelay:       p.BackoffMax,
			JitterFraction: p.BackoffJitter,
			SendTimeout:    p.SendTimeout,
		},
		Breaker: breaker.Config{
			Name:             "transport",
			FailureThreshold: p.CircuitFailureThreshold,
			Cooldown:         p.CircuitCooldown,
			MaxCooldown:      p.CircuitMaxCooldown,
		},
		Validation: validationPolicy,
	}
}

// TransportOptions converts the transport section into transport.Config.
func (c *Config) TransportOptions(userAgent string) transport.Config {
	return transport.Config{
		Endpoint:      c.Transport.Endpoint,
		Token:         c.Transport.Token,
		Timeout:       c.Transport.Timeout,
		GzipThreshold: c.Transport.GzipThreshold,
		UserAgent:     userAgent,
	}
}

// BadgerOptions converts the storage section into storage.BadgerConfig.
func (c *Config) BadgerOptions() storage.BadgerConfig {
	return storage.BadgerConfig{
		Path:       c.Storage.Path,
		InMemory:   c.Storage.InMemory,
		SyncWrites: c.Storage.SyncWrites,
	}
}
