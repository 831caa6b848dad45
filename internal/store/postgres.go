package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/scanium/scanpipe/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it
// in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool, used by tests.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	token      TEXT PRIMARY KEY,
	started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	ended_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS items (
	id            TEXT PRIMARY KEY,
	session_token TEXT NOT NULL REFERENCES sessions(token),
	category      TEXT NOT NULL,
	status        TEXT NOT NULL,
	item          JSONB NOT NULL,
	saved_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_items_session ON items(session_token);
CREATE INDEX IF NOT EXISTS idx_items_category ON items(category);
CREATE INDEX IF NOT EXISTS idx_items_status ON items(status);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, token string) (*model.Session, error) {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (token, started_at) VALUES ($1, $2)`,
		token, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert session %s", token)
	}
	return &model.Session{Token: token, StartedAt: now}, nil
}

func (s *PostgresStore) CloseSession(ctx context.Context, token string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET ended_at = $1 WHERE token = $2 AND ended_at IS NULL`,
		time.Now().UTC(), token,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: close session %s", token)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("session not found: %s", token)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, token string) (*model.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT s.token, s.started_at, s.ended_at,
		        (SELECT COUNT(*) FROM items i WHERE i.session_token = s.token)
		 FROM sessions s WHERE s.token = $1`,
		token,
	)

	var sess model.Session
	var ended sql.NullTime
	err := row.Scan(&sess.Token, &sess.StartedAt, &ended, &sess.ItemCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get session %s", token)
	}
	if ended.Valid {
		sess.EndedAt = &ended.Time
	}
	return &sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, limit int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT s.token, s.started_at, s.ended_at,
		        (SELECT COUNT(*) FROM items i WHERE i.session_token = s.token)
		 FROM sessions s ORDER BY s.started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		var sess model.Session
		var ended sql.NullTime
		if err := rows.Scan(&sess.Token, &sess.StartedAt, &ended, &sess.ItemCount); err != nil {
			return nil, eris.Wrap(err, "postgres: scan session")
		}
		if ended.Valid {
			sess.EndedAt = &ended.Time
		}
		sessions = append(sessions, sess)
	}
	return sessions, eris.Wrap(rows.Err(), "postgres: list sessions iterate")
}

func (s *PostgresStore) SaveItem(ctx context.Context, sessionToken string, item model.AggregatedItem) error {
	itemJSON, err := json.Marshal(item)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal item")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO items (id, session_token, category, status, item, saved_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   category = EXCLUDED.category,
		   status = EXCLUDED.status,
		   item = EXCLUDED.item,
		   saved_at = EXCLUDED.saved_at`,
		item.ID, sessionToken, item.Category, string(item.Status), itemJSON, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save item %s", item.ID)
}

func (s *PostgresStore) GetItem(ctx context.Context, itemID string) (*model.StoredItem, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT session_token, item, saved_at FROM items WHERE id = $1`,
		itemID,
	)

	var stored model.StoredItem
	var itemJSON []byte
	err := row.Scan(&stored.SessionToken, &itemJSON, &stored.SavedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get item %s", itemID)
	}
	if err := json.Unmarshal(itemJSON, &stored.Item); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal item")
	}
	return &stored, nil
}

func (s *PostgresStore) ListItems(ctx context.Context, filter ItemFilter) ([]model.StoredItem, error) {
	query := `SELECT session_token, item, saved_at FROM items WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.SessionToken != "" {
		query += ` AND session_token = ` + arg(filter.SessionToken)
	}
	if filter.Category != "" {
		query += ` AND category = ` + arg(filter.Category)
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	query += ` ORDER BY saved_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list items")
	}
	defer rows.Close()

	var items []model.StoredItem
	for rows.Next() {
		var stored model.StoredItem
		var itemJSON []byte
		if err := rows.Scan(&stored.SessionToken, &itemJSON, &stored.SavedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan item")
		}
		if err := json.Unmarshal(itemJSON, &stored.Item); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal item")
		}
		items = append(items, stored)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list items iterate")
}

func (s *PostgresStore) DeleteItem(ctx context.Context, itemID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM items WHERE id = $1`, itemID)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete item %s", itemID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("item not found: %s", itemID)
	}
	return nil
}
