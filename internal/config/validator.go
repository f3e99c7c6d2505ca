package config

import (
	"fmt"
	"slices"
	"sort"
)

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if m := envVarPattern.FindStringSubmatch(cfg.Database.DSN); m != nil {
		return fmt.Errorf("database.dsn: environment variable ${%s} is not set", m[1])
	}
	if cfg.Database.Dialect != "sqlite" && cfg.Database.Dialect != "postgres" {
		return fmt.Errorf("database.dialect must be one of: sqlite, postgres (got %q)", cfg.Database.Dialect)
	}

	if cfg.Execution.MaxConcurrency < 0 {
		return fmt.Errorf("execution.max_concurrency must not be negative")
	}
	if cfg.Execution.StatementConcurrency < 0 {
		return fmt.Errorf("execution.statement_concurrency must not be negative")
	}
	if cfg.Execution.Timeout < 0 {
		return fmt.Errorf("execution.timeout must not be negative")
	}

	if len(cfg.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	for _, name := range sortedSourceNames(cfg.Sources) {
		if err := validateSource(name, cfg.Sources[name]); err != nil {
			return err
		}
	}
	return validateMutation(cfg)
}

func validateSource(name string, src SourceConfig) error {
	if len(src.Columns) == 0 {
		return fmt.Errorf("sources.%s: at least one column is required", name)
	}
	for i, u := range src.Uniques {
		if len(u) == 0 {
			return fmt.Errorf("sources.%s.uniques[%d]: empty unique", name, i)
		}
		for _, col := range u {
			if _, ok := src.Columns[col]; !ok {
				return fmt.Errorf("sources.%s.uniques[%d]: unknown column %q", name, i, col)
			}
		}
	}
	return nil
}

func validateMutation(cfg *Config) error {
	m := cfg.Mutation
	if m.Kind != KindUpdate && m.Kind != KindDelete {
		return fmt.Errorf("mutation.kind must be one of: update, delete (got %q)", m.Kind)
	}
	src, ok := cfg.Sources[m.Source]
	if !ok {
		return fmt.Errorf("mutation.source: source %q does not exist", m.Source)
	}
	if m.Kind == KindDelete && len(m.Set) > 0 {
		return fmt.Errorf("mutation.set: a delete cannot set columns")
	}
	checks := []struct {
		field string
		cols  []string
	}{
		{"get_by", mapKeys(m.GetBy)},
		{"set", mapKeys(m.Set)},
		{"returning", m.Returning},
	}
	for _, c := range checks {
		for _, col := range c.cols {
			if _, ok := src.Columns[col]; !ok {
				return fmt.Errorf("mutation.%s: source %q has no column %q", c.field, m.Source, col)
			}
		}
	}
	for col, path := range m.GetBy {
		if path == "" {
			return fmt.Errorf("mutation.get_by.%s: path is empty", col)
		}
	}
	if m.Record && len(m.Returning) > 0 {
		return fmt.Errorf("mutation: record and returning are mutually exclusive")
	}
	if dup := firstDuplicate(m.Returning); dup != "" {
		return fmt.Errorf("mutation.returning: column %q listed twice", dup)
	}
	return nil
}

func sortedSourceNames(m map[string]SourceConfig) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func mapKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func firstDuplicate(xs []string) string {
	for i, x := range xs {
		if slices.Contains(xs[:i], x) {
			return x
		}
	}
	return ""
}
