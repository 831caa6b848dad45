package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/scanium/scanpipe/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	token      TEXT PRIMARY KEY,
	started_at DATETIME NOT NULL DEFAULT (datetime('now')),
	ended_at   DATETIME
);

CREATE TABLE IF NOT EXISTS items (
	id            TEXT PRIMARY KEY,
	session_token TEXT NOT NULL REFERENCES sessions(token),
	category      TEXT NOT NULL,
	status        TEXT NOT NULL,
	item          TEXT NOT NULL,
	saved_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_items_session ON items(session_token);
CREATE INDEX IF NOT EXISTS idx_items_category ON items(category);
CREATE INDEX IF NOT EXISTS idx_items_status ON items(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, token string) (*model.Session, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (token, started_at) VALUES (?, ?)`,
		token, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert session %s", token)
	}
	return &model.Session{Token: token, StartedAt: now}, nil
}

func (s *SQLiteStore) CloseSession(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE token = ? AND ended_at IS NULL`,
		time.Now().UTC(), token,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: close session %s", token)
	}
	return checkRowsAffected(res, "session", token)
}

func (s *SQLiteStore) GetSession(ctx context.Context, token string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT s.token, s.started_at, s.ended_at,
		        (SELECT COUNT(*) FROM items i WHERE i.session_token = s.token)
		 FROM sessions s WHERE s.token = ?`,
		token,
	)

	var sess model.Session
	var ended sql.NullTime
	err := row.Scan(&sess.Token, &sess.StartedAt, &ended, &sess.ItemCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get session %s", token)
	}
	if ended.Valid {
		sess.EndedAt = &ended.Time
	}
	return &sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.token, s.started_at, s.ended_at,
		        (SELECT COUNT(*) FROM items i WHERE i.session_token = s.token)
		 FROM sessions s ORDER BY s.started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		var sess model.Session
		var ended sql.NullTime
		if err := rows.Scan(&sess.Token, &sess.StartedAt, &ended, &sess.ItemCount); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan session")
		}
		if ended.Valid {
			sess.EndedAt = &ended.Time
		}
		sessions = append(sessions, sess)
	}
	return sessions, eris.Wrap(rows.Err(), "sqlite: list sessions iterate")
}

func (s *SQLiteStore) SaveItem(ctx context.Context, sessionToken string, item model.AggregatedItem) error {
	itemJSON, err := json.Marshal(item)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal item")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO items (id, session_token, category, status, item, saved_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   category = excluded.category,
		   status = excluded.status,
		   item = excluded.item,
		   saved_at = excluded.saved_at`,
		item.ID, sessionToken, item.Category, string(item.Status), string(itemJSON), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save item %s", item.ID)
}

func (s *SQLiteStore) GetItem(ctx context.Context, itemID string) (*model.StoredItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_token, item, saved_at FROM items WHERE id = ?`,
		itemID,
	)
	stored, err := scanStoredItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return stored, err
}

func (s *SQLiteStore) ListItems(ctx context.Context, filter ItemFilter) ([]model.StoredItem, error) {
	query := `SELECT session_token, item, saved_at FROM items WHERE 1=1`
	var args []any

	if filter.SessionToken != "" {
		query += ` AND session_token = ?`
		args = append(args, filter.SessionToken)
	}
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, filter.Category)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY saved_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list items")
	}
	defer rows.Close()

	var items []model.StoredItem
	for rows.Next() {
		stored, err := scanStoredItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *stored)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list items iterate")
}

func (s *SQLiteStore) DeleteItem(ctx context.Context, itemID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, itemID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete item %s", itemID)
	}
	return checkRowsAffected(res, "item", itemID)
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanStoredItem(row scannable) (*model.StoredItem, error) {
	var stored model.StoredItem
	var itemJSON string

	err := row.Scan(&stored.SessionToken, &itemJSON, &stored.SavedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan item")
	}
	if err := json.Unmarshal([]byte(itemJSON), &stored.Item); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal item")
	}
	return &stored, nil
}
