package app

import (
	"database/sql"
	"fmt"
	"os"

	"taskflow/internal/config"
	"taskflow/internal/db"
	"taskflow/internal/engine"
	"taskflow/internal/migrate"
)

// Env is an initialized workspace: open database, loaded config and a
// ready orchestrator.
type Env struct {
	DB     *sql.DB
	Config *config.Config
	Engine *engine.Orchestrator
}

// Open resolves the workspace config (seeding the default taskflow.yml
// when missing), opens the database, applies migrations and builds the
// orchestrator. Callers own Close.
func Open(workspace string) (*Env, error) {
	if workspace == "" {
		workspace = "."
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("workspace %s: %w", workspace, err)
	}
	if _, err := os.Stat(config.Path(workspace)); os.IsNotExist(err) {
		if err := os.WriteFile(config.Path(workspace), []byte(config.GenerateDefault()), 0o644); err != nil {
			return nil, fmt.Errorf("seed config: %w", err)
		}
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(workspace)
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	o, err := engine.New(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Env{DB: conn, Config: cfg, Engine: o}, nil
}

func (e *Env) Close() error {
	return e.DB.Close()
}
