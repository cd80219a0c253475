package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/aeolun/syntaxy/pkg/protocol"
)

const messageSelect = `
	SELECT m.id, m.channel_id, m.dm_channel_id, m.user_id, m.text, m.image, m.reply_to,
		m.created_at, m.edited, m.reactions, m.nonce, m.is_system,
		u.username, u.display_name, u.color, u.avatar
	FROM Message m
	JOIN User u ON u.id = m.user_id`

// Text of the system message written when a DM background changes.
const (
	DMBackgroundSetText     = "📷 changed the chat background"
	DMBackgroundRemovedText = "🗑️ removed the chat background"
)

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var reactions string
	err := row.Scan(&m.ID, &m.ChannelID, &m.DMChannelID, &m.AuthorID, &m.Text, &m.Image, &m.ReplyTo,
		&m.CreatedAt, &m.Edited, &reactions, &m.Nonce, &m.System,
		&m.AuthorUsername, &m.AuthorDisplayName, &m.AuthorColor, &m.AuthorAvatar)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(reactions), &m.Reactions); err != nil {
		return nil, fmt.Errorf("corrupt reactions on message %d: %w", m.ID, err)
	}
	return &m, nil
}

func scopeArgs(ref protocol.ConversationRef) (channelID, dmChannelID sql.NullInt64) {
	if ref.DM {
		return sql.NullInt64{}, sql.NullInt64{Int64: ref.ID, Valid: true}
	}
	return sql.NullInt64{Int64: ref.ID, Valid: true}, sql.NullInt64{}
}

// NewMessage holds the fields of a message to be created.
type NewMessage struct {
	Scope    protocol.ConversationRef
	AuthorID int64
	Text     string
	Image    string
	ReplyTo  int64
	Nonce    string
	System   bool
}

func (db *DB) insertMessage(ctx context.Context, tx *sql.Tx, msg NewMessage) (int64, error) {
	channelID, dmChannelID := scopeArgs(msg.Scope)
	replyTo := sql.NullInt64{Int64: msg.ReplyTo, Valid: msg.ReplyTo > 0}
	id := db.snowflake.NextID()

	_, err := tx.ExecContext(ctx, `
		INSERT INTO Message (id, channel_id, dm_channel_id, user_id, text, image, reply_to, created_at, nonce, is_system)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, channelID, dmChannelID, msg.AuthorID, msg.Text, msg.Image, replyTo, nowMillis(), msg.Nonce, msg.System)
	return id, err
}

func (db *DB) getMessageTx(ctx context.Context, tx *sql.Tx, id int64) (*Message, error) {
	return scanMessage(tx.QueryRowContext(ctx, messageSelect+` WHERE m.id = ?`, id))
}

// CreateMessage stores a new message and returns it joined with its author.
func (db *DB) CreateMessage(ctx context.Context, msg NewMessage) (*Message, error) {
	if !msg.Scope.Valid() {
		return nil, fmt.Errorf("failed to create message: %w", protocol.ErrMissingConversation)
	}

	var created *Message
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		id, err := db.insertMessage(ctx, tx, msg)
		if err != nil {
			return err
		}
		created, err = db.getMessageTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create message in %s: %w", msg.Scope, err)
	}
	return created, nil
}

// GetMessage returns a message by id.
func (db *DB) GetMessage(ctx context.Context, id int64) (*Message, error) {
	return scanMessage(db.conn.QueryRowContext(ctx, messageSelect+` WHERE m.id = ?`, id))
}

// ListMessages returns the most recent limit messages of a conversation, oldest first.
func (db *DB) ListMessages(ctx context.Context, ref protocol.ConversationRef, limit int) ([]*Message, error) {
	column := "m.channel_id"
	if ref.DM {
		column = "m.dm_channel_id"
	}

	rows, err := db.conn.QueryContext(ctx,
		messageSelect+` WHERE `+column+` = ? ORDER BY m.created_at DESC, m.id DESC LIMIT ?`, ref.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages in %s: %w", ref, err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.Reverse(messages)
	return messages, nil
}

// lockOwned loads a message for mutation, checking it belongs to ref and was written by authorID.
func (db *DB) lockOwned(ctx context.Context, tx *sql.Tx, ref protocol.ConversationRef, id, authorID int64) (*Message, error) {
	m, err := db.getMessageTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if m.Scope() != ref {
		return nil, ErrMessageNotFound
	}
	if m.AuthorID != authorID {
		return nil, ErrMessageNotOwned
	}
	return m, nil
}

// EditMessage replaces the text of a message and marks it edited. Reactions
// and attachments are left alone.
func (db *DB) EditMessage(ctx context.Context, ref protocol.ConversationRef, id, authorID int64, text string) (*Message, error) {
	var edited *Message
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		m, err := db.lockOwned(ctx, tx, ref, id, authorID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE Message SET text = ?, edited = 1 WHERE id = ?`, text, m.ID); err != nil {
			return err
		}
		m.Text = text
		m.Edited = true
		edited = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to edit message %d: %w", id, err)
	}
	return edited, nil
}

// DeleteMessage removes a message and returns the deleted row.
func (db *DB) DeleteMessage(ctx context.Context, ref protocol.ConversationRef, id, authorID int64) (*Message, error) {
	var deleted *Message
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		m, err := db.lockOwned(ctx, tx, ref, id, authorID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM Message WHERE id = ?`, m.ID); err != nil {
			return err
		}
		deleted = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to delete message %d: %w", id, err)
	}
	return deleted, nil
}

// ToggleReaction adds or removes userID's reaction with emoji and returns the
// updated message.
func (db *DB) ToggleReaction(ctx context.Context, id, userID int64, emoji string) (*Message, error) {
	var updated *Message
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		m, err := db.getMessageTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if m.Reactions == nil {
			m.Reactions = protocol.Reactions{}
		}
		m.Reactions.Toggle(emoji, userID)

		encoded, err := json.Marshal(m.Reactions)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE Message SET reactions = ? WHERE id = ?`, string(encoded), m.ID); err != nil {
			return err
		}
		updated = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to toggle reaction on message %d: %w", id, err)
	}
	return updated, nil
}

// SetDMBackground sets (or clears, with "") a DM's background and records a
// system message from userID announcing the change. Both writes commit together.
func (db *DB) SetDMBackground(ctx context.Context, dmID, userID int64, background string) (*DMChannel, *Message, error) {
	var dm *DMChannel
	var notice *Message
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		dm, err = scanDM(tx.QueryRowContext(ctx,
			`UPDATE DMChannel SET background = ? WHERE id = ? RETURNING `+dmColumns, background, dmID))
		if err != nil {
			return err
		}
		if !dm.Has(userID) {
			return ErrNotMember
		}

		text := DMBackgroundSetText
		if background == "" {
			text = DMBackgroundRemovedText
		}
		id, err := db.insertMessage(ctx, tx, NewMessage{
			Scope:    protocol.DMRef(dmID),
			AuthorID: userID,
			Text:     text,
			System:   true,
		})
		if err != nil {
			return err
		}
		notice, err = db.getMessageTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set background of dm %d: %w", dmID, err)
	}
	return dm, notice, nil
}
