package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"claimline/internal/config"
	"claimline/internal/db"
	"claimline/internal/engine"
	"claimline/internal/logging"
	"claimline/internal/metrics"
	"claimline/internal/migrate"
)

// Options select the workspace and ambient wiring for a Runtime.
type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/claimline.yml.
	ConfigPath string
	LogLevel   string
	LogFormat  string
	LogOutput  io.Writer
}

// Runtime bundles everything a command needs: the migrated database, the
// resolved config and an engine built on top of them.
type Runtime struct {
	DB      *sql.DB
	Config  *config.Config
	Engine  *engine.Engine
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

// ResolveConfig loads the config from an explicit path, or the workspace file,
// falling back to defaults when the workspace has none.
func ResolveConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.FromFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.LoadOptional(workspace)
}

// Open resolves config, opens and migrates the workspace database and builds
// the engine. Callers must Close the runtime.
func Open(opts Options) (*Runtime, error) {
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	log := logging.New(logging.Config{Level: opts.LogLevel, Format: opts.LogFormat, Output: out})
	cfg, err := ResolveConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	m := metrics.New()
	e, err := engine.New(conn, cfg, engine.EngineOptions{Options: engine.Options{Logger: log, Metrics: m}})
	if err != nil {
		conn.Close()
		return nil, err
	}
	log.Debug("runtime ready", "workspace", opts.Workspace, "db", db.Path(opts.Workspace))
	return &Runtime{DB: conn, Config: cfg, Engine: e, Metrics: m, Log: log}, nil
}

// Close stops the engine's workers and closes the database.
func (r *Runtime) Close(ctx context.Context) error {
	return errors.Join(r.Engine.Shutdown(ctx), r.DB.Close())
}

// InitWorkspace writes the default config into workspace. An existing config
// is left alone unless force is set.
func InitWorkspace(workspace string, force bool) (string, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return "", err
	}
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil && !force {
		return path, fmt.Errorf("config %s already exists; use --force to overwrite", path)
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
