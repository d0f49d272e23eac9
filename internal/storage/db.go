package storage

import (
	"context"
	"fmt"
)

// Config holds connection settings for all persistence tiers.
type Config struct {
	ClickHouse ClickHouseConfig
	Postgres   PostgresConfig
	// SessionPath is the SQLite file for sync session state.
	SessionPath string
}

// DefaultConfig returns a configuration with default local development settings.
func DefaultConfig() Config {
	return Config{
		ClickHouse: ClickHouseConfig{
			Host:     "localhost",
			Port:     9000,
			Database: "formations",
			User:     "default",
			Password: "",
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "formation_state",
			User:     "formation",
			Password: "formation",
		},
		SessionPath: "sync_sessions.db",
	}
}

// DB wraps the ClickHouse, PostgreSQL and SQLite connections.
type DB struct {
	CH       *ClickHouseDB // ClickHouse for state history and event archive.
	PG       *PostgresDB   // PostgreSQL for the warm state cache.
	Sessions *SessionDB    // SQLite for sync session state.
}

// Open opens connections to all tiers.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	ch, err := OpenClickHouse(ctx, cfg.ClickHouse)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: %w", err)
	}

	pg, err := OpenPostgres(ctx, cfg.Postgres)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("postgres: %w", err)
	}

	sessions, err := OpenSessions(cfg.SessionPath)
	if err != nil {
		pg.Close()
		_ = ch.Close()
		return nil, fmt.Errorf("sessions: %w", err)
	}

	return &DB{CH: ch, PG: pg, Sessions: sessions}, nil
}

// Close closes all database connections.
func (d *DB) Close() error {
	var errs []error
	if d.CH != nil {
		if err := d.CH.Close(); err != nil {
			errs = append(errs, fmt.Errorf("clickhouse: %w", err))
		}
	}
	if d.PG != nil {
		d.PG.Close()
	}
	if d.Sessions != nil {
		if err := d.Sessions.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sessions: %w", err))
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// CreateSchemas creates the schemas in ClickHouse and PostgreSQL. The
// SQLite schema is created when the file is opened.
func (d *DB) CreateSchemas(ctx context.Context) error {
	if err := d.CH.CreateSchema(ctx); err != nil {
		return fmt.Errorf("clickhouse schema: %w", err)
	}
	if err := d.PG.CreateSchema(ctx); err != nil {
		return fmt.Errorf("postgres schema: %w", err)
	}
	return nil
}
