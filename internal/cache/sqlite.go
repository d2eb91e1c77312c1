package cache

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS processed_games (
	username   TEXT PRIMARY KEY,
	blob       BLOB NOT NULL,
	updated_at TEXT NOT NULL
)`

// SQLite is the local durable cache used by the CLI.
type SQLite struct {
	conn *sql.DB
}

// OpenSQLite opens or creates the database at path, creating its directory.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return newSQLite(conn)
}

// OpenSQLiteInMemory opens a private in-memory database, useful for testing.
func OpenSQLiteInMemory() (*SQLite, error) {
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	// every pooled connection would otherwise see its own empty database
	conn.SetMaxOpenConns(1)
	return newSQLite(conn)
}

func newSQLite(conn *sql.DB) (*SQLite, error) {
	if _, err := conn.Exec(sqliteSchema); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &SQLite{conn: conn}, nil
}

func (s *SQLite) Load(ctx context.Context, username string) ([]byte, error) {
	var blob []byte
	err := s.conn.QueryRowContext(ctx,
		`SELECT blob FROM processed_games WHERE username = ?`, normalizeKey(username)).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return blob, nil
}

func (s *SQLite) Save(ctx context.Context, username string, blob []byte) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO processed_games (username, blob, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
		normalizeKey(username), blob, time.Now().UTC().Format(time.RFC3339))
	return err
}

func (s *SQLite) Close() error {
	return s.conn.Close()
}
