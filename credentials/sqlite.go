package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/migadu/nestlink/logger"
)

// SQLiteStore keeps the credential in a single-row table of an on-device
// SQLite database. It has no push notifications, so the poller samples it.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLiteStore migrates the schema and opens the store.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := MigrateUp(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential DB: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("[CREDENTIALS] failed to set PRAGMA journal_mode = WAL", "error", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000;`); err != nil {
		logger.Warn("[CREDENTIALS] failed to set PRAGMA busy_timeout", "error", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("credential DB ping failed: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (Credential, error) {
	var c Credential
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, token FROM credentials WHERE id = 1`).Scan(&c.UserID, &c.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, nil
	}
	if err != nil {
		return Credential{}, fmt.Errorf("failed to read credentials from %s: %w", s.path, err)
	}
	return c, nil
}

func (s *SQLiteStore) Save(ctx context.Context, c Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, user_id, token, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			token = excluded.token,
			updated_at = excluded.updated_at`,
		c.UserID, c.Token, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
