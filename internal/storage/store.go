package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"c4e-agent/internal/config"
)

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// Open connects to the audit database and applies the schema files found
// under the configured migrations path. The schema files are idempotent, so
// reapplying them on every start is safe.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*Store, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if cfg.MigrationsPath != "" {
		if err := applySchema(ctx, pool, cfg.MigrationsPath, logger); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return NewStore(pool), nil
}

// applySchema executes every .sql file under dir in lexical order. A missing
// directory is not an error; operators may manage the schema externally.
func applySchema(ctx context.Context, pool *pgxpool.Pool, dir string, logger zerolog.Logger) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug().Str("path", dir).Msg("migrations path missing, schema left as is")
		return nil
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return fmt.Errorf("list schema files: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		ddl, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read schema file %s: %w", file, err)
		}
		if _, err := pool.Exec(ctx, string(ddl)); err != nil {
			return fmt.Errorf("apply schema file %s: %w", file, err)
		}
		logger.Debug().Str("file", filepath.Base(file)).Msg("schema file applied")
	}
	return nil
}
