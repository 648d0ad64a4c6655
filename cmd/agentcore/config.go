package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/haasonsaas/nexus-agentcore/internal/config"
	"github.com/haasonsaas/nexus-agentcore/internal/tasks"
)

const defaultConfigName = "agentcore.yaml"

// resolveConfigPath picks the configuration file:
// 1. The --config flag
// 2. AGENTCORE_CONFIG
// 3. agentcore.yaml in the working directory
func resolveConfigPath(path string) string {
	if p := strings.TrimSpace(path); p != "" {
		return p
	}
	if env := strings.TrimSpace(os.Getenv("AGENTCORE_CONFIG")); env != "" {
		return env
	}
	return defaultConfigName
}

// loadConfig loads path. A missing default file yields the built-in
// defaults; a missing explicit file is an error.
func loadConfig(path string) (*config.Config, error) {
	if path == defaultConfigName {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			slog.Debug("no configuration file, using defaults", "path", path)
			return config.Default(), nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// sqlConfig returns the task store settings for commands that only talk to
// the database.
func sqlConfig(cfg *config.Config) (tasks.SQLConfig, error) {
	sqlCfg := cfg.Tasks.SQL
	if strings.TrimSpace(sqlCfg.DSN) == "" {
		return sqlCfg, errors.New("tasks.sql.dsn is required")
	}
	sqlCfg.AutoMigrate = false
	return sqlCfg, nil
}
