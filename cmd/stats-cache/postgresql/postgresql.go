// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package postgresql is the persisted store of player stats.
package postgresql

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/goccy/go-json"
	"github.com/heptiolabs/healthcheck"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/united-manufacturing-hub/stats-cache/cmd/stats-cache/shared"
	"go.uber.org/zap"
)

// SchemaSQL creates the tables and the notify trigger used by the change feed.
// It is safe to apply more than once.
const SchemaSQL = `
CREATE TABLE IF NOT EXISTS players (
    player_id  TEXT PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS player_stats (
    player_id  TEXT PRIMARY KEY,
    stats      JSONB NOT NULL DEFAULT '{}'::jsonb,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE OR REPLACE FUNCTION player_stats_notify() RETURNS trigger AS $$
DECLARE
    id TEXT;
BEGIN
    IF TG_OP = 'DELETE' THEN
        id := OLD.player_id;
    ELSE
        id := NEW.player_id;
    END IF;
    PERFORM pg_notify(TG_ARGV[0], json_build_object(
        'player_id', id,
        'op', lower(TG_OP),
        'ts_ms', (extract(epoch FROM clock_timestamp()) * 1000)::bigint
    )::text);
    RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS player_stats_notify ON player_stats;
CREATE TRIGGER player_stats_notify
    AFTER INSERT OR UPDATE OR DELETE ON player_stats
    FOR EACH ROW EXECUTE FUNCTION player_stats_notify(%s);
`

var ErrDatabaseNil = errors.New("database is nil")

// pgxIface is the subset of pgxpool.Pool used by the store, so pgxmock can stand in for it.
type pgxIface interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	// NotifyChannel is the LISTEN/NOTIFY channel mutations are published on.
	NotifyChannel string
	// OpTimeout bounds every single query.
	OpTimeout time.Duration
}

func (c Config) ConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

type Store struct {
	db            pgxIface
	notifyChannel string
	timeout       time.Duration
}

// Connect opens the connection pool and verifies the database answers.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	parseConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	parseConfig.MinConns = int32(runtime.NumCPU())
	if parseConfig.MinConns < 2 {
		parseConfig.MinConns = 2
	}
	parseConfig.MaxConnIdleTime = 5 * time.Minute
	parseConfig.MaxConnLifetime = 10 * time.Minute

	zap.S().Infof("Connecting to %s@%s:%d/%s [%s]", cfg.User, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, parseConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection to postgres: %w", err)
	}
	s := NewStore(pool, cfg.NotifyChannel, cfg.OpTimeout)
	if err = s.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database is not available: %w", err)
	}
	return s, nil
}

func NewStore(db pgxIface, notifyChannel string, timeout time.Duration) *Store {
	if notifyChannel == "" {
		notifyChannel = "player_stats_changes"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{db: db, notifyChannel: notifyChannel, timeout: timeout}
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// EnsureSchema creates missing tables and (re)installs the notify trigger.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s.db == nil {
		return ErrDatabaseNil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf(SchemaSQL, quoteLiteral(s.notifyChannel))
	if _, err := s.db.Exec(ctx, query); err != nil {
		logError("ensure schema", err)
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// ReadSnapshot returns the raw persisted stats of a player. found is false if the player has no row.
func (s *Store) ReadSnapshot(ctx context.Context, playerID string) (fields map[string]any, found bool, err error) {
	if s.db == nil {
		return nil, false, ErrDatabaseNil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var raw []byte
	err = s.db.QueryRow(ctx, `SELECT stats FROM player_stats WHERE player_id = $1`, playerID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		logError("read snapshot", err)
		return nil, false, err
	}
	if err = json.Unmarshal(raw, &fields); err != nil {
		return nil, false, fmt.Errorf("malformed snapshot for %s: %w", playerID, err)
	}
	return fields, true, nil
}

// UpsertSnapshot stores stats for a player. Rows whose stats did not change are left untouched,
// so neither updated_at nor the change feed see a no-op sync.
func (s *Store) UpsertSnapshot(ctx context.Context, playerID string, stats shared.StatMap) error {
	if s.db == nil {
		return ErrDatabaseNil
	}
	payload, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	_, err = s.db.Exec(ctx, `INSERT INTO player_stats (player_id, stats, updated_at)
VALUES ($1, $2::jsonb, now())
ON CONFLICT (player_id) DO UPDATE SET stats = EXCLUDED.stats, updated_at = EXCLUDED.updated_at
WHERE player_stats.stats IS DISTINCT FROM EXCLUDED.stats`, playerID, string(payload))
	if err != nil {
		logError("upsert snapshot", err)
		return fmt.Errorf("failed to upsert stats of %s: %w", playerID, err)
	}
	return nil
}

// RegisterPlayer adds a player to the index of known players.
func (s *Store) RegisterPlayer(ctx context.Context, playerID string) error {
	if s.db == nil {
		return ErrDatabaseNil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.db.Exec(ctx, `INSERT INTO players (player_id) VALUES ($1) ON CONFLICT (player_id) DO NOTHING`, playerID)
	if err != nil {
		logError("register player", err)
		return err
	}
	return nil
}

// ListPlayerIDs enumerates every known player, sorted.
func (s *Store) ListPlayerIDs(ctx context.Context) ([]string, error) {
	if s.db == nil {
		return nil, ErrDatabaseNil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	rows, err := s.db.Query(ctx, `SELECT player_id FROM players UNION SELECT player_id FROM player_stats ORDER BY 1`)
	if err != nil {
		logError("list players", err)
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TopStat returns the limit players with the highest persisted value of key.
func (s *Store) TopStat(ctx context.Context, key string, limit int) ([]shared.LeaderboardEntry, error) {
	if s.db == nil {
		return nil, ErrDatabaseNil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	rows, err := s.db.Query(ctx, `SELECT player_id, (stats->>$1)::double precision AS value
FROM player_stats
WHERE jsonb_typeof(stats->$1) = 'number'
ORDER BY value DESC, player_id ASC
LIMIT $2`, key, limit)
	if err != nil {
		logError("top stat", err)
		return nil, err
	}
	defer rows.Close()

	entries := make([]shared.LeaderboardEntry, 0, limit)
	for rows.Next() {
		var e shared.LeaderboardEntry
		if err = rows.Scan(&e.PlayerID, &e.Value); err != nil {
			return nil, err
		}
		e.Rank = len(entries) + 1
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return ErrDatabaseNil
	}
	return s.db.Ping(ctx)
}

// GetHealthCheck reports the database as unhealthy if it does not answer a ping within 5 seconds.
func (s *Store) GetHealthCheck() healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Ping(ctx)
	}
}

func (s *Store) NotifyChannel() string {
	return s.notifyChannel
}

func (s *Store) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

func quoteLiteral(s string) string {
	out := []byte{'\''}
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	return string(append(out, '\''))
}
