package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// matches $(VAR_NAME)
var envPattern = regexp.MustCompile(`\$\(([A-Za-z0-9_]+)\)`)

// expandEnvVars replaces $(VAR) with os.Getenv(VAR).
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(m string) string {
		key := envPattern.FindStringSubmatch(m)[1]
		return os.Getenv(key)
	})
}

// Load reads a YAML config file over the defaults. Values absent from the
// file keep their default; the result is validated before being returned.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	// Durations use Go syntax ("30s", "5m"), which yaml cannot decode into
	// time.Duration directly.
	var raw struct {
		CommandTimeout string `yaml:"commandTimeout"`
	}
	if err := yaml.Unmarshal([]byte(expanded), &raw); err == nil && raw.CommandTimeout != "" {
		d, err := time.ParseDuration(raw.CommandTimeout)
		if err != nil {
			return cfg, &ConfigError{Field: "commandTimeout", Msg: err.Error()}
		}
		cfg.CommandTimeout = d
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
