package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aeolun/syntaxy/pkg/protocol"
)

const userColumns = "id, username, display_name, color, accent, bio, avatar, banner, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Color, &u.Accent, &u.Bio, &u.Avatar, &u.Banner, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a user. Accounts are normally created by the account
// service; this exists for seeding and tests.
func (db *DB) CreateUser(ctx context.Context, username, displayName string) (*User, error) {
	row := db.writeConn.QueryRowContext(ctx,
		`INSERT INTO User (username, display_name, created_at) VALUES (?, ?, ?) RETURNING `+userColumns,
		username, displayName, nowMillis())
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create user %q: %w", username, err)
	}
	return u, nil
}

// GetUser returns a user by id.
func (db *DB) GetUser(ctx context.Context, id int64) (*User, error) {
	return scanUser(db.conn.QueryRowContext(ctx, `SELECT `+userColumns+` FROM User WHERE id = ?`, id))
}

// UpdateProfile applies a partial profile update; nil fields keep their value.
func (db *DB) UpdateProfile(ctx context.Context, userID int64, patch protocol.ProfilePatch) (*User, error) {
	row := db.writeConn.QueryRowContext(ctx, `
		UPDATE User SET
			display_name = COALESCE(?, display_name),
			color = COALESCE(?, color),
			accent = COALESCE(?, accent),
			bio = COALESCE(?, bio),
			avatar = COALESCE(?, avatar),
			banner = COALESCE(?, banner)
		WHERE id = ?
		RETURNING `+userColumns,
		patch.DisplayName, patch.Color, patch.Accent, patch.Bio, patch.Avatar, patch.Banner, userID)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("failed to update profile for user %d: %w", userID, err)
	}
	return u, nil
}

// Settings is the opaque client-side configuration synced by clients.
type Settings struct {
	Gallery    json.RawMessage `json:"gallery"`
	PersonalUI json.RawMessage `json:"personal_ui"`
}

// SaveSettings stores whichever of the settings blobs are non-nil.
func (db *DB) SaveSettings(ctx context.Context, userID int64, s Settings) (*Settings, error) {
	var gallery, personalUI any
	if s.Gallery != nil {
		gallery = string(s.Gallery)
	}
	if s.PersonalUI != nil {
		personalUI = string(s.PersonalUI)
	}

	var g, p string
	err := db.writeConn.QueryRowContext(ctx, `
		UPDATE User SET
			gallery = COALESCE(?, gallery),
			personal_ui = COALESCE(?, personal_ui)
		WHERE id = ?
		RETURNING gallery, personal_ui`,
		gallery, personalUI, userID).Scan(&g, &p)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to save settings for user %d: %w", userID, err)
	}
	return &Settings{Gallery: json.RawMessage(g), PersonalUI: json.RawMessage(p)}, nil
}
