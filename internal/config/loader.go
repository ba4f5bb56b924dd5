package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes after expanding ${VAR} references.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults loads config and applies default values.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// UnmarshalYAML decodes SubscriptionsConfig, reading bare integer durations
// as seconds.
func (s *SubscriptionsConfig) UnmarshalYAML(value *yaml.Node) error {
	secondsAsDuration(value, "ttl", "refresh_margin", "idle_threshold", "warm_interval")

	type plain SubscriptionsConfig
	return value.Decode((*plain)(s))
}

// secondsAsDuration rewrites integer scalars under keys of a mapping node to
// duration strings ("300" becomes "300s").
func secondsAsDuration(node *yaml.Node, keys ...string) {
	if node.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		if val.Kind != yaml.ScalarNode || val.ShortTag() != "!!int" {
			continue
		}
		for _, k := range keys {
			if key.Value == k {
				val.Value = strings.TrimPrefix(val.Value, "+") + "s"
				val.Tag = "!!str"
				break
			}
		}
	}
}
