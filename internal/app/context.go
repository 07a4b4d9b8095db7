package app

import (
	"context"
	"database/sql"
	"fmt"

	"fiscalgate/internal/config"
	"fiscalgate/internal/db"
	"fiscalgate/internal/engine"
	"fiscalgate/internal/migrate"
)

// OpenEngine opens the workspace database, applies migrations, loads the
// workspace config (defaults when fiscalgate.yml is absent) and seeds the
// configured RBAC roles. Caller closes via the returned func.
func OpenEngine(ctx context.Context, workspace string) (engine.Engine, func(), error) {
	conn, cfg, err := openConfigured(ctx, workspace)
	if err != nil {
		return engine.Engine{}, nil, err
	}
	e := engine.New(conn, cfg)
	if err := e.Auth.Seed(ctx, cfg); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("seed rbac: %w", err)
	}
	return e, func() { conn.Close() }, nil
}

func openConfigured(_ context.Context, workspace string) (*sql.DB, *config.Config, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, cfg, nil
}
