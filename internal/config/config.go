package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Driver         string `yaml:"driver"`
	DSN            string `yaml:"dsn"`
	Dir            string `yaml:"dir"`
	JSON           bool   `yaml:"json"`
	DryRun         bool   `yaml:"dry_run"`
	LogLevel       string `yaml:"log_level"`
	LockTimeoutSec int    `yaml:"lock_timeout_sec"`
	LedgerTable    string `yaml:"ledger_table"`
	HistoryTable   string `yaml:"history_table"`
	ExecutedBy     string `yaml:"executed_by"`
}

func Default() *Config {
	return &Config{
		Driver:         "mysql",
		LogLevel:       "info",
		LockTimeoutSec: 30,
		LedgerTable:    "schema_migrations",
		HistoryTable:   "schema_migration_history",
		ExecutedBy:     "system",
	}
}

func LoadYAML(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func MergeEnv(cfg *Config) *Config {
	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.Driver = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DSN = v
	}
	if v := os.Getenv("MIGRATIONS_DIR"); v != "" {
		cfg.Dir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOCK_TIMEOUT_SEC"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.LockTimeoutSec = i
		}
	}
	if v := os.Getenv("LEDGER_TABLE"); v != "" {
		cfg.LedgerTable = v
	}
	if v := os.Getenv("HISTORY_TABLE"); v != "" {
		cfg.HistoryTable = v
	}
	if v := os.Getenv("EXECUTED_BY"); v != "" {
		cfg.ExecutedBy = v
	}
	return cfg
}

func (c *Config) LockTimeout() time.Duration {
	if c.LockTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.LockTimeoutSec) * time.Second
}
