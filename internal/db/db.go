// Package db opens and pools the relational store backing missions, agents,
// and team chat.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/config"
	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/db/dialect"
)

// Open creates the connection pool described by the database configuration
// and returns it together with a cleanup function.
//
// SQLite gets a single-connection writer plus a concurrent read-only pool
// (see OpenSQLite / OpenSQLiteReader); Postgres shares one pgx-backed pool
// for both sides.
func Open(cfg *config.DatabaseConfig, log *logger.Logger) (*Pool, func() error, error) {
	switch cfg.Driver {
	case dialect.SQLite3, "sqlite":
		writerRaw, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		readerRaw, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writerRaw.Close()
			return nil, nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}

		writer := sqlx.NewDb(writerRaw, dialect.SQLite3)
		reader := sqlx.NewDb(readerRaw, dialect.SQLite3)
		pool := NewPool(writer, reader)

		if log != nil {
			log.Info("Database initialized",
				zap.String("db_driver", dialect.SQLite3),
				zap.String("db_path", cfg.Path))
		}

		cleanup := func() error {
			// Refresh query planner statistics before closing; the
			// SQLite-recommended maintenance hook on shutdown.
			_, _ = writer.Exec("PRAGMA optimize")
			return pool.Close()
		}
		return pool, cleanup, nil

	case dialect.PGX, "postgres", "postgresql":
		raw, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, nil, err
		}

		conn := sqlx.NewDb(raw, dialect.PGX)
		pool := NewSharedPool(conn)

		if log != nil {
			log.Info("Database initialized",
				zap.String("db_driver", dialect.PGX),
				zap.String("db_host", cfg.Host),
				zap.String("db_name", cfg.DBName))
		}
		return pool, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
