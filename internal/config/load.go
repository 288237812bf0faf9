package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	// PathEnvVar overrides the config file location.
	PathEnvVar = "CONFIG_PATH"

	// EnvPrefix scopes environment overrides: BEACON_PIPELINE_QUEUE_CAPACITY
	// sets pipeline.queue_capacity.
	EnvPrefix = "BEACON_"
)

// DefaultPaths are searched in order when CONFIG_PATH is unset.
var DefaultPaths = []string{
	"beacon.yaml",
	"beacon.yml",
	"/etc/beacon/beacon.yaml",
}

// sliceKeys arrive from the environment as comma-separated strings.
var sliceKeys = []string{
	"kafka.brokers",
}

// Load layers defaults, an optional YAML file and BEACON_* environment
// variables, then validates the result.
func Load() (*Config, error) {
	return LoadFrom(findConfigFile())
}

// LoadFrom is Load with an explicit file path; an empty path skips the file
// layer.
func LoadFrom(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := splitSlices(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envKey maps BEACON_SERVER_RATE_LIMIT_PER_MINUTE to
// server.rate_limit_per_minute. Section names never contain underscores.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	s = strings.Replace(s, "_", ".", 1)
	if rest, ok := strings.CutPrefix(s, "kafka.producer_"); ok {
		return "kafka.producer." + rest
	}
	return s
}

func splitSlices(k *koanf.Koanf) error {
	for _, key := range sliceKeys {
		raw, ok := k.Get(key).(string)
		if !ok {
			continue
		}

		var parts []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(key, parts); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}
