// Package storage provides the external persistence tiers: ClickHouse for
// append-only history, PostgreSQL for the warm state cache, and SQLite for
// sync session bookkeeping.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/paulmach/orb"

	"formation_tracker/internal/formations"
	"formation_tracker/internal/target"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// ClickHouseDB wraps a ClickHouse connection. It is the durable sink for
// target state history and the long-term mirror for formation lifecycle
// events.
type ClickHouseDB struct {
	conn driver.Conn
}

// Conn returns the underlying connection for direct queries.
func (d *ClickHouseDB) Conn() driver.Conn {
	return d.conn
}

// OpenClickHouse opens a connection to ClickHouse.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	// Test the connection.
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection.
func (d *ClickHouseDB) Close() error {
	return d.conn.Close()
}

// CreateSchema creates the ClickHouse tables. State history is bucketed
// by observation day and expires after seven days; formation events keep
// a longer archive window than the rolling store.
func (d *ClickHouseDB) CreateSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS target_states (
			target_id       String,
			version         Int64,
			name            String,
			platform        LowCardinality(String),
			position        Point,
			altitude        Float64,
			heading         Float64,
			speed           Float64,
			nation          LowCardinality(String),
			alliance        LowCardinality(String),
			theater         LowCardinality(String),
			observed_at     DateTime64(3),
			inserted_at     DateTime64(3) DEFAULT now64(3)
		)
		ENGINE = MergeTree()
		PARTITION BY toDate(observed_at)
		ORDER BY (target_id, observed_at, version)
		TTL toDateTime(observed_at) + INTERVAL 7 DAY
		SETTINGS index_granularity = 8192`,

		`CREATE TABLE IF NOT EXISTS formation_events (
			event           LowCardinality(String),
			formation_id    String,
			formation_type  LowCardinality(String),
			member_count    UInt32,
			members         Array(String),
			score           Float64,
			at              DateTime64(3),
			payload         String,
			inserted_at     DateTime64(3) DEFAULT now64(3)
		)
		ENGINE = MergeTree()
		PARTITION BY toDate(at)
		ORDER BY (formation_id, at)
		TTL toDateTime(at) + INTERVAL 90 DAY`,
	}

	for _, q := range queries {
		if err := d.conn.Exec(ctx, q); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// AppendStates stores a batch of target state rows.
func (d *ClickHouseDB) AppendStates(ctx context.Context, states []target.State) error {
	if len(states) == 0 {
		return nil
	}

	batch, err := d.conn.PrepareBatch(ctx, `
		INSERT INTO target_states (target_id, version, name, platform, position, altitude, heading, speed, nation, alliance, theater, observed_at)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, st := range states {
		err := batch.Append(
			st.ID,
			st.Version,
			st.Name,
			string(st.Platform),
			orb.Point{st.Position.Lon, st.Position.Lat},
			st.Position.Alt,
			st.Heading,
			st.Speed,
			st.Nation,
			st.Alliance,
			st.Theater,
			st.ObservedAt,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// AppendEvents mirrors formation lifecycle events. The payload column
// carries the full event JSON; the typed columns exist for analytics.
func (d *ClickHouseDB) AppendEvents(ctx context.Context, events []formations.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := d.conn.PrepareBatch(ctx, `
		INSERT INTO formation_events (event, formation_id, formation_type, member_count, members, score, at, payload)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		var (
			ftype   string
			members []string
			score   float64
		)
		if ev.Formation != nil {
			ftype = ev.Formation.Type
			members = ev.Formation.Members
			score = ev.Formation.Score
		}
		err = batch.Append(
			ev.Kind,
			ev.FormationID,
			ftype,
			uint32(len(members)),
			members,
			score,
			ev.At,
			string(payload),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// StateHistoryParams filters a state history query.
type StateHistoryParams struct {
	TargetID string
	From     time.Time
	To       time.Time
	Limit    int
}

// StateHistory retrieves archived state rows, oldest first.
func (d *ClickHouseDB) StateHistory(ctx context.Context, p StateHistoryParams) ([]target.State, error) {
	var conditions []string
	var args []interface{}

	if p.TargetID != "" {
		conditions = append(conditions, "target_id = ?")
		args = append(args, p.TargetID)
	}
	if !p.From.IsZero() {
		conditions = append(conditions, "observed_at >= ?")
		args = append(args, p.From)
	}
	if !p.To.IsZero() {
		conditions = append(conditions, "observed_at < ?")
		args = append(args, p.To)
	}

	query := `SELECT target_id, version, name, platform, position, altitude, heading, speed, nation, alliance, theater, observed_at FROM target_states`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY observed_at, version"

	limit := 1000
	if p.Limit > 0 {
		limit = p.Limit
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := d.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query state history: %w", err)
	}
	defer rows.Close()

	var states []target.State
	for rows.Next() {
		var (
			st       target.State
			platform string
			point    orb.Point
		)
		err := rows.Scan(&st.ID, &st.Version, &st.Name, &platform, &point, &st.Position.Alt,
			&st.Heading, &st.Speed, &st.Nation, &st.Alliance, &st.Theater, &st.ObservedAt)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		st.Platform = target.Platform(platform)
		st.Position.Lon = point.Lon()
		st.Position.Lat = point.Lat()
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return states, nil
}

// FormationEventsRange retrieves archived lifecycle events within
// [from, to), oldest first, decoded from the payload column.
func (d *ClickHouseDB) FormationEventsRange(ctx context.Context, from, to time.Time, limit int) ([]formations.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.conn.Query(ctx, fmt.Sprintf(`
		SELECT payload FROM formation_events
		WHERE at >= ? AND at < ?
		ORDER BY at
		LIMIT %d
	`, limit), from, to)
	if err != nil {
		return nil, fmt.Errorf("query formation events: %w", err)
	}
	defer rows.Close()

	var events []formations.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		var ev formations.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return events, nil
}

// FormationStats aggregates the trailing window from the archive, in the
// same shape the rolling store reports.
func (d *ClickHouseDB) FormationStats(ctx context.Context, days int) (*formations.Stats, error) {
	if days <= 0 {
		days = 7
	}
	stats := &formations.Stats{
		DailyCounts:      make(map[string]int),
		TypeDistribution: make(map[string]int),
	}
	cutoff := fmt.Sprintf("now64(3) - INTERVAL %d DAY", days)

	row := d.conn.QueryRow(ctx, "SELECT count() FROM formation_events WHERE at >= "+cutoff)
	var total uint64
	if err := row.Scan(&total); err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	stats.TotalCount = int(total)

	rows, err := d.conn.Query(ctx, "SELECT toString(toYYYYMMDD(at)), count() FROM formation_events WHERE at >= "+cutoff+" GROUP BY 1 ORDER BY 1")
	if err != nil {
		return nil, fmt.Errorf("query daily counts: %w", err)
	}
	for rows.Next() {
		var day string
		var count uint64
		if err := rows.Scan(&day, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan daily count: %w", err)
		}
		stats.DailyCounts[day] = int(count)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate daily counts: %w", err)
	}
	rows.Close()

	rows, err = d.conn.Query(ctx, `
		SELECT formation_type, count(), avg(score) FROM formation_events
		WHERE at >= `+cutoff+` AND event != ? GROUP BY formation_type
	`, formations.KindClosed)
	if err != nil {
		return nil, fmt.Errorf("query type distribution: %w", err)
	}
	var scoreSum float64
	var scored uint64
	for rows.Next() {
		var ftype string
		var count uint64
		var avg float64
		if err := rows.Scan(&ftype, &count, &avg); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan type distribution: %w", err)
		}
		stats.TypeDistribution[ftype] = int(count)
		scoreSum += avg * float64(count)
		scored += count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate type distribution: %w", err)
	}
	rows.Close()

	if scored > 0 {
		stats.AvgScore = scoreSum / float64(scored)
	}
	return stats, nil
}
