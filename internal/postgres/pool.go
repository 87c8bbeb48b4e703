// Package postgres keeps an audit record of every settled background task.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-task-orchestrator/internal/postgres/migrations"
)

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Migrate applies every embedded migration in order and returns the names
// it applied. Migrations are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	files, err := migrations.Files()
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	for _, f := range files {
		sql, err := migrations.FS.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return nil, fmt.Errorf("execute migration %s: %w", f, err)
		}
	}
	return files, nil
}
