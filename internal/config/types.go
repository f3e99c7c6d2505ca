package config

import "time"

// Config is a plan file: where the data lives, which sources exist and the
// mutation to run for each input row.
type Config struct {
	Service   ServiceConfig           `yaml:"service"`
	Database  DatabaseConfig          `yaml:"database"`
	Execution ExecutionConfig         `yaml:"execution"`
	Sources   map[string]SourceConfig `yaml:"sources"`
	Mutation  MutationConfig          `yaml:"mutation"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// DatabaseConfig defines the SQLite database statements run against.
type DatabaseConfig struct {
	DSN     string `yaml:"dsn"`
	Dialect string `yaml:"dialect"`
	// Bootstrap statements run once after opening, e.g. schema DDL.
	Bootstrap []string `yaml:"bootstrap,omitempty"`
}

// ExecutionConfig bounds the work of one batch.
type ExecutionConfig struct {
	MaxConcurrency       int           `yaml:"max_concurrency"`
	StatementConcurrency int           `yaml:"statement_concurrency"`
	Timeout              time.Duration `yaml:"timeout"`
}

// SourceConfig describes one table.
type SourceConfig struct {
	Schema string `yaml:"schema,omitempty"`
	// Table defaults to the source name.
	Table string `yaml:"table,omitempty"`
	// Columns maps column names to codec names (text, int4, int8, ...).
	Columns map[string]string `yaml:"columns"`
	Uniques [][]string        `yaml:"uniques"`
}

// MutationConfig describes the row-identified statement run per input row.
// GetBy and Set map column names to dot-separated paths into the row.
type MutationConfig struct {
	Kind      string            `yaml:"kind"`
	Source    string            `yaml:"source"`
	GetBy     map[string]string `yaml:"get_by"`
	Set       map[string]string `yaml:"set,omitempty"`
	Returning []string          `yaml:"returning,omitempty"`
	// Record returns every column of the affected row.
	Record bool `yaml:"record,omitempty"`
}

// Mutation kinds.
const (
	KindUpdate = "update"
	KindDelete = "delete"
)
