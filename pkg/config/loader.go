package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file, expands environment references, applies
// defaults, and validates the result. An empty path yields the default
// configuration.
func Load(path string) (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		var raw interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}

		expanded, err := yaml.Marshal(ExpandEnvVarsInData(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to re-encode expanded config: %w", err)
		}

		if err := yaml.Unmarshal(expanded, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}

	cfg.SetDefaults()

	// Expand references the defaults may have introduced (provider API keys).
	for name, p := range cfg.Providers {
		p.APIKey = expandEnvVars(p.APIKey)
		p.BaseURL = expandEnvVars(p.BaseURL)
		cfg.Providers[name] = p
	}
	cfg.Search.APIKey = expandEnvVars(cfg.Search.APIKey)
	cfg.Server.Auth.Secret = expandEnvVars(cfg.Server.Auth.Secret)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
