package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"formation_tracker/internal/target"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// PostgresDB wraps a PostgreSQL connection pool. It is the warm tier:
// one row per live target, written through on every accepted update and
// read back only to rehydrate the hot tier after a restart.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// OpenPostgres opens a connection pool to PostgreSQL.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresDB, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	// Test the connection.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the PostgreSQL connection pool.
func (d *PostgresDB) Close() {
	d.pool.Close()
}

// CreateSchema creates the PostgreSQL tables.
func (d *PostgresDB) CreateSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS target_state (
		id           TEXT PRIMARY KEY,
		version      BIGINT NOT NULL,
		name         TEXT NOT NULL DEFAULT '',
		platform     TEXT NOT NULL DEFAULT '',
		longitude    DOUBLE PRECISION NOT NULL,
		latitude     DOUBLE PRECISION NOT NULL,
		altitude     DOUBLE PRECISION NOT NULL DEFAULT 0,
		heading      DOUBLE PRECISION NOT NULL DEFAULT 0,
		speed        DOUBLE PRECISION NOT NULL DEFAULT 0,
		nation       TEXT NOT NULL DEFAULT '',
		alliance     TEXT NOT NULL DEFAULT '',
		theater      TEXT NOT NULL DEFAULT '',
		observed_at  TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_target_state_observed_at ON target_state(observed_at);
	`

	if _, err := d.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// SaveState upserts one target row. The version guard keeps a delayed
// write from clobbering a newer row for the same id.
func (d *PostgresDB) SaveState(ctx context.Context, s target.State) error {
	query := `
		INSERT INTO target_state (id, version, name, platform, longitude, latitude, altitude, heading, speed, nation, alliance, theater, observed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (id) DO UPDATE SET
			version = EXCLUDED.version,
			name = EXCLUDED.name,
			platform = EXCLUDED.platform,
			longitude = EXCLUDED.longitude,
			latitude = EXCLUDED.latitude,
			altitude = EXCLUDED.altitude,
			heading = EXCLUDED.heading,
			speed = EXCLUDED.speed,
			nation = EXCLUDED.nation,
			alliance = EXCLUDED.alliance,
			theater = EXCLUDED.theater,
			observed_at = EXCLUDED.observed_at,
			updated_at = NOW()
		WHERE target_state.version <= EXCLUDED.version
	`

	_, err := d.pool.Exec(ctx, query,
		s.ID, s.Version, s.Name, string(s.Platform),
		s.Position.Lon, s.Position.Lat, s.Position.Alt,
		s.Heading, s.Speed, s.Nation, s.Alliance, s.Theater, s.ObservedAt)
	if err != nil {
		return fmt.Errorf("save target state: %w", err)
	}
	return nil
}

// DeleteState removes one target row.
func (d *PostgresDB) DeleteState(ctx context.Context, id string) error {
	if _, err := d.pool.Exec(ctx, `DELETE FROM target_state WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete target state: %w", err)
	}
	return nil
}

// LoadActive returns all rows observed at or after cutoff.
func (d *PostgresDB) LoadActive(ctx context.Context, cutoff time.Time) ([]target.State, error) {
	query := `
		SELECT id, version, name, platform, longitude, latitude, altitude, heading, speed, nation, alliance, theater, observed_at
		FROM target_state
		WHERE observed_at >= $1
		ORDER BY id
	`

	rows, err := d.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query active states: %w", err)
	}
	defer rows.Close()

	var states []target.State
	for rows.Next() {
		var (
			st       target.State
			platform string
		)
		err := rows.Scan(&st.ID, &st.Version, &st.Name, &platform,
			&st.Position.Lon, &st.Position.Lat, &st.Position.Alt,
			&st.Heading, &st.Speed, &st.Nation, &st.Alliance, &st.Theater, &st.ObservedAt)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		st.Platform = target.Platform(platform)
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return states, nil
}

// DeleteStale removes rows last observed before cutoff and reports how
// many went away.
func (d *PostgresDB) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	cmdTag, err := d.pool.Exec(ctx, `DELETE FROM target_state WHERE observed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete stale states: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}
