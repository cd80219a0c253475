package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aeolun/syntaxy/pkg/protocol"
)

const serverColumns = "id, name, owner_id, icon_img, banner, def_ch_bg, aesthetics, created_at"

func scanServer(row rowScanner) (*Server, error) {
	var s Server
	var aesthetics string
	err := row.Scan(&s.ID, &s.Name, &s.OwnerID, &s.IconImg, &s.Banner, &s.DefChBg, &aesthetics, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrServerNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Aesthetics = json.RawMessage(aesthetics)
	return &s, nil
}

// CreateServer creates a server and adds the owner as an admin member.
func (db *DB) CreateServer(ctx context.Context, name string, ownerID int64) (*Server, error) {
	var srv *Server
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		now := nowMillis()
		var err error
		srv, err = scanServer(tx.QueryRowContext(ctx,
			`INSERT INTO Server (name, owner_id, created_at) VALUES (?, ?, ?) RETURNING `+serverColumns,
			name, ownerID, now))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO ServerMember (server_id, user_id, is_admin, joined_at) VALUES (?, ?, 1, ?)`,
			srv.ID, ownerID, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create server %q: %w", name, err)
	}
	return srv, nil
}

// GetServer returns a server by id.
func (db *DB) GetServer(ctx context.Context, id int64) (*Server, error) {
	return scanServer(db.conn.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM Server WHERE id = ?`, id))
}

// AddServerMember adds userID to a server. Adding an existing member updates the admin flag.
func (db *DB) AddServerMember(ctx context.Context, serverID, userID int64, admin bool) error {
	_, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO ServerMember (server_id, user_id, is_admin, joined_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (server_id, user_id) DO UPDATE SET is_admin = excluded.is_admin`,
		serverID, userID, admin, nowMillis())
	if err != nil {
		return fmt.Errorf("failed to add member %d to server %d: %w", userID, serverID, err)
	}
	return nil
}

// RemoveServerMember removes userID from a server.
func (db *DB) RemoveServerMember(ctx context.Context, serverID, userID int64) error {
	_, err := db.writeConn.ExecContext(ctx,
		`DELETE FROM ServerMember WHERE server_id = ? AND user_id = ?`, serverID, userID)
	return err
}

// ServerMemberIDs returns the ids of every member of a server.
func (db *DB) ServerMemberIDs(ctx context.Context, serverID int64) ([]int64, error) {
	var exists bool
	if err := db.conn.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM Server WHERE id = ?)`, serverID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrServerNotFound
	}
	return db.queryIDs(ctx, `SELECT user_id FROM ServerMember WHERE server_id = ? ORDER BY user_id`, serverID)
}

// IsServerAdmin reports whether userID owns or administers the server.
func (db *DB) IsServerAdmin(ctx context.Context, serverID, userID int64) (bool, error) {
	var admin bool
	err := db.conn.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM Server WHERE id = ? AND owner_id = ?
			UNION ALL
			SELECT 1 FROM ServerMember WHERE server_id = ? AND user_id = ? AND is_admin = 1
		)`, serverID, userID, serverID, userID).Scan(&admin)
	return admin, err
}

// UpdateServerAesthetics applies an aesthetics update. Nil fields keep their value.
func (db *DB) UpdateServerAesthetics(ctx context.Context, serverID int64, update protocol.ServerAestheticsUpdate) (*Server, error) {
	var aesthetics any
	if len(update.Aesthetics) > 0 {
		aesthetics = string(update.Aesthetics)
	}
	srv, err := scanServer(db.writeConn.QueryRowContext(ctx, `
		UPDATE Server SET
			aesthetics = COALESCE(?, aesthetics),
			name = COALESCE(?, name),
			icon_img = COALESCE(?, icon_img),
			banner = COALESCE(?, banner),
			def_ch_bg = COALESCE(?, def_ch_bg)
		WHERE id = ?
		RETURNING `+serverColumns,
		aesthetics, update.Name, update.IconImg, update.Banner, update.DefChBg, serverID))
	if err != nil {
		return nil, fmt.Errorf("failed to update server %d: %w", serverID, err)
	}
	return srv, nil
}

const channelColumns = "id, server_id, name, background, created_at"

func scanChannel(row rowScanner) (*Channel, error) {
	var c Channel
	err := row.Scan(&c.ID, &c.ServerID, &c.Name, &c.Background, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateChannel adds a channel to a server.
func (db *DB) CreateChannel(ctx context.Context, serverID int64, name string) (*Channel, error) {
	ch, err := scanChannel(db.writeConn.QueryRowContext(ctx,
		`INSERT INTO Channel (server_id, name, created_at) VALUES (?, ?, ?) RETURNING `+channelColumns,
		serverID, name, nowMillis()))
	if err != nil {
		return nil, fmt.Errorf("failed to create channel %q: %w", name, err)
	}
	return ch, nil
}

// GetChannel returns a channel by id.
func (db *DB) GetChannel(ctx context.Context, id int64) (*Channel, error) {
	return scanChannel(db.conn.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM Channel WHERE id = ?`, id))
}

// ChannelMemberIDs returns the members of the server that owns the channel.
// The result is a snapshot; membership changes after the query are not reflected.
func (db *DB) ChannelMemberIDs(ctx context.Context, channelID int64) ([]int64, error) {
	ch, err := db.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return db.queryIDs(ctx, `SELECT user_id FROM ServerMember WHERE server_id = ? ORDER BY user_id`, ch.ServerID)
}

// SetChannelBackground sets (or clears, with "") a channel's background.
func (db *DB) SetChannelBackground(ctx context.Context, channelID int64, background string) (*Channel, error) {
	ch, err := scanChannel(db.writeConn.QueryRowContext(ctx,
		`UPDATE Channel SET background = ? WHERE id = ? RETURNING `+channelColumns, background, channelID))
	if err != nil {
		return nil, fmt.Errorf("failed to set background of channel %d: %w", channelID, err)
	}
	return ch, nil
}

const dmColumns = "id, user1_id, user2_id, background, created_at"

func scanDM(row rowScanner) (*DMChannel, error) {
	var d DMChannel
	err := row.Scan(&d.ID, &d.User1ID, &d.User2ID, &d.Background, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDMNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetOrCreateDM returns the DM channel between two users, creating it if needed.
func (db *DB) GetOrCreateDM(ctx context.Context, userA, userB int64) (*DMChannel, error) {
	if userA > userB {
		userA, userB = userB, userA
	}
	dm, err := scanDM(db.writeConn.QueryRowContext(ctx, `
		INSERT INTO DMChannel (user1_id, user2_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT (user1_id, user2_id) DO UPDATE SET user1_id = excluded.user1_id
		RETURNING `+dmColumns,
		userA, userB, nowMillis()))
	if err != nil {
		return nil, fmt.Errorf("failed to open dm between %d and %d: %w", userA, userB, err)
	}
	return dm, nil
}

// GetDM returns a DM channel by id.
func (db *DB) GetDM(ctx context.Context, id int64) (*DMChannel, error) {
	return scanDM(db.conn.QueryRowContext(ctx, `SELECT `+dmColumns+` FROM DMChannel WHERE id = ?`, id))
}

// IsMember reports whether userID may see the conversation: a member of the
// channel's server, or a DM participant.
func (db *DB) IsMember(ctx context.Context, ref protocol.ConversationRef, userID int64) (bool, error) {
	if ref.DM {
		dm, err := db.GetDM(ctx, ref.ID)
		if err != nil {
			return false, err
		}
		return dm.Has(userID), nil
	}

	var member bool
	err := db.conn.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM ServerMember sm
			JOIN Channel c ON c.server_id = sm.server_id
			WHERE c.id = ? AND sm.user_id = ?
		)`, ref.ID, userID).Scan(&member)
	if err != nil {
		return false, err
	}
	if !member {
		// Distinguish a missing channel from a non-member
		if _, err := db.GetChannel(ctx, ref.ID); err != nil {
			return false, err
		}
	}
	return member, nil
}

func (db *DB) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListConversations returns every channel of the servers userID belongs to,
// followed by userID's DM channels named after the other participant.
func (db *DB) ListConversations(ctx context.Context, userID int64) ([]protocol.Conversation, error) {
	var out []protocol.Conversation

	rows, err := db.conn.QueryContext(ctx, `
		SELECT c.id, c.name, c.background, s.id, s.name
		FROM Channel c
		JOIN Server s ON s.id = c.server_id
		JOIN ServerMember sm ON sm.server_id = s.id
		WHERE sm.user_id = ?
		ORDER BY s.id, c.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels for user %d: %w", userID, err)
	}
	for rows.Next() {
		var c protocol.Conversation
		var id int64
		if err := rows.Scan(&id, &c.Name, &c.Background, &c.ServerID, &c.ServerName); err != nil {
			rows.Close()
			return nil, err
		}
		c.Ref = protocol.ChannelRef(id)
		out = append(out, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = db.conn.QueryContext(ctx, `
		SELECT d.id, d.background, u.id, CASE WHEN u.display_name != '' THEN u.display_name ELSE u.username END
		FROM DMChannel d
		JOIN User u ON u.id = CASE WHEN d.user1_id = ? THEN d.user2_id ELSE d.user1_id END
		WHERE d.user1_id = ? OR d.user2_id = ?
		ORDER BY d.id`, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dms for user %d: %w", userID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var c protocol.Conversation
		var id int64
		if err := rows.Scan(&id, &c.Background, &c.PeerID, &c.Name); err != nil {
			return nil, err
		}
		c.Ref = protocol.DMRef(id)
		out = append(out, c)
	}
	return out, rows.Err()
}
