package store

import (
	"context"
	"database/sql"
)

// UserSettings is a requester's saved render defaults, applied when a command
// does not override them.
type UserSettings struct {
	Username string
	Skin     string
	Mods     string
}

// GetUserSettings returns the user's saved defaults, or zero values if none.
func GetUserSettings(ctx context.Context, db *sql.DB, username string) (UserSettings, error) {
	s := UserSettings{Username: username}
	err := db.QueryRowContext(ctx,
		`SELECT COALESCE(skin,''), COALESCE(mods,'') FROM user_settings WHERE username = $1`, username).
		Scan(&s.Skin, &s.Mods)
	if err == sql.ErrNoRows {
		return s, nil
	}
	return s, err
}

// UpsertUserSettings stores or updates the user's defaults.
func UpsertUserSettings(ctx context.Context, db *sql.DB, s UserSettings) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO user_settings(username, skin, mods, updated_at) VALUES($1,$2,$3,NOW())
		 ON CONFLICT(username) DO UPDATE SET skin=EXCLUDED.skin, mods=EXCLUDED.mods, updated_at=NOW()`,
		s.Username, s.Skin, s.Mods)
	return err
}
