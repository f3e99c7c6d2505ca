package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults and validates the plan file at path.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", path, err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with -config", absPath)
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Defaults returns the values used for settings a plan file leaves out.
func Defaults() Config {
	return Config{
		Service: ServiceConfig{
			Name:     "stepplan",
			LogLevel: "info",
		},
		Database: DatabaseConfig{
			Dialect: "sqlite",
		},
		Execution: ExecutionConfig{
			MaxConcurrency:       16,
			StatementConcurrency: 8,
			Timeout:              30 * time.Second,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := Defaults()
	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Database.Dialect == "" {
		cfg.Database.Dialect = defaults.Database.Dialect
	}
	if cfg.Execution.MaxConcurrency == 0 {
		cfg.Execution.MaxConcurrency = defaults.Execution.MaxConcurrency
	}
	if cfg.Execution.StatementConcurrency == 0 {
		cfg.Execution.StatementConcurrency = defaults.Execution.StatementConcurrency
	}
	if cfg.Execution.Timeout == 0 {
		cfg.Execution.Timeout = defaults.Execution.Timeout
	}
	for name, src := range cfg.Sources {
		if src.Table == "" {
			src.Table = name
			cfg.Sources[name] = src
		}
	}
}

// interpolateEnv replaces ${VAR} with the variable's value. Unset variables
// are left in place and reported by validation where they matter.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}
