package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mikequentel/notesky/internal/model"
)

const settingsKey = "settings"

// Fixed width so posted_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS post_history (
	id        INTEGER PRIMARY KEY,
	uri       TEXT NOT NULL,
	cid       TEXT NOT NULL,
	text_body TEXT NOT NULL,
	posted_at TEXT NOT NULL
);
`

// Store is the host side of persistence: the settings blob and a log of
// what has been posted.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite file at path. ":memory:" works
// for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One connection keeps ":memory:" a single database and serializes writes.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	if path != ":memory:" {
		// The app password lives here.
		_ = os.Chmod(path, 0600)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// LoadSettings returns zero settings when none were saved yet.
func (s *Store) LoadSettings(ctx context.Context) (model.Settings, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, settingsKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Settings{}, nil
	}
	if err != nil {
		return model.Settings{}, err
	}
	var out model.Settings
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return model.Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return out, nil
}

func (s *Store) SaveSettings(ctx context.Context, settings model.Settings) error {
	b, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		settingsKey, string(b))
	return err
}

// RecordPost appends a successful submission. A zero PostedAt means now.
func (s *Store) RecordPost(ctx context.Context, e model.HistoryEntry) error {
	if e.PostedAt.IsZero() {
		e.PostedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO post_history (uri, cid, text_body, posted_at) VALUES (?, ?, ?, ?)`,
		e.URI, e.CID, e.Text, e.PostedAt.UTC().Format(timeLayout))
	return err
}

// History lists the most recent posts first. limit <= 0 means all.
func (s *Store) History(ctx context.Context, limit int) ([]model.HistoryEntry, error) {
	q := `SELECT id, uri, cid, text_body, posted_at FROM post_history ORDER BY posted_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.HistoryEntry
	for rows.Next() {
		var (
			e      model.HistoryEntry
			posted string
		)
		if err := rows.Scan(&e.ID, &e.URI, &e.CID, &e.Text, &posted); err != nil {
			return nil, err
		}
		if e.PostedAt, err = time.Parse(timeLayout, posted); err != nil {
			return nil, fmt.Errorf("post %d: posted_at: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
