// Package store provides the Postgres connection, schema migration, and data
// access helpers for render history, per-user settings, and OAuth tokens.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/mawnt/renderbot/crypto"
)

var (
	// encryptor seals OAuth tokens at rest; nil when ENCRYPTION_KEY is unset.
	encryptor     crypto.Encryptor
	encryptorOnce sync.Once
	encryptorErr  error
)

func initEncryptor() {
	encryptorOnce.Do(func() {
		key := os.Getenv("ENCRYPTION_KEY")
		if key == "" {
			slog.Warn("ENCRYPTION_KEY not set, OAuth tokens will be stored in plaintext (not recommended for production)", slog.String("component", "store"))
			return
		}
		enc, err := crypto.NewAESEncryptor(key)
		if err != nil {
			encryptorErr = fmt.Errorf("failed to initialize encryption: %w", err)
			slog.Error("encryption initialization failed", slog.Any("error", encryptorErr), slog.String("component", "store"))
			return
		}
		encryptor = enc
		slog.Info("OAuth token encryption enabled (AES-256-GCM)", slog.String("component", "store"))
	})
}

func getEncryptor() (crypto.Encryptor, error) {
	initEncryptor()
	if encryptorErr != nil {
		return nil, encryptorErr
	}
	return encryptor, nil
}

// Connect opens a Postgres connection using the given DSN.
func Connect(dsn string) (*sql.DB, error) {
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS render_history (
			id SERIAL PRIMARY KEY,
			job_id TEXT UNIQUE,
			username TEXT,
			channel TEXT,
			beatmap_id INTEGER,
			replay_name TEXT,
			skin TEXT,
			mods TEXT,
			state TEXT,
			error_kind TEXT,
			error_detail TEXT,
			artifact_url TEXT,
			submitted_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS user_settings (
			username TEXT PRIMARY KEY,
			skin TEXT,
			mods TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT,
			refresh_token TEXT,
			expires_at TIMESTAMPTZ,
			scope TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			encryption_version INTEGER DEFAULT 0,
			encryption_key_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_user ON render_history(username)`,
		`CREATE INDEX IF NOT EXISTS idx_history_finished ON render_history(finished_at)`,
		`CREATE INDEX IF NOT EXISTS idx_history_beatmap ON render_history(beatmap_id)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// IncrCounter bumps a named counter in the kv table and returns the new value.
func IncrCounter(ctx context.Context, db *sql.DB, name string) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx,
		`INSERT INTO kv(key, value, updated_at) VALUES($1, '1', NOW())
		 ON CONFLICT(key) DO UPDATE SET value = (kv.value::bigint + 1)::text, updated_at = NOW()
		 RETURNING value::bigint`, name).Scan(&v)
	return v, err
}

// GetCounter reads a named counter, returning 0 when absent.
func GetCounter(ctx context.Context, db *sql.DB, name string) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, `SELECT value::bigint FROM kv WHERE key = $1`, name).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return v, err
}
