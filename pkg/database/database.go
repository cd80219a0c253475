package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/aeolun/syntaxy/pkg/protocol"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

var (
	// ErrMessageNotFound indicates the message does not exist in the given scope.
	ErrMessageNotFound = errors.New("message not found")
	// ErrMessageNotOwned indicates the caller is not the message author.
	ErrMessageNotOwned = errors.New("message not authored by this user")
	ErrUserNotFound    = errors.New("user not found")
	ErrServerNotFound  = errors.New("server not found")
	ErrChannelNotFound = errors.New("channel not found")
	ErrDMNotFound      = errors.New("dm channel not found")
	ErrNotMember       = errors.New("not a member of this conversation")
)

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (SQLite allows one writer)
	snowflake *Snowflake
	logger    zerolog.Logger
}

// pragmas are passed in the DSN so the driver applies them to every pooled
// connection, not just the first one handed out.
var pragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"foreign_keys(1)",
	"synchronous(NORMAL)",
}

func dsn(path string) string {
	q := url.Values{"_pragma": pragmas}
	return "file:" + path + "?" + q.Encode()
}

func openPool(path string, maxOpen int) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(maxOpen)
	conn.SetMaxIdleConns(maxOpen)
	if maxOpen > 1 {
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return conn, nil
}

// Open opens the SQLite database at path and runs pending migrations.
func Open(path string, logger zerolog.Logger) (*DB, error) {
	conn, err := openPool(path, 16)
	if err != nil {
		return nil, err
	}

	writeConn, err := openPool(path, 1)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	if err := runMigrations(context.Background(), writeConn, path, logger); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Snowflake epoch 2024-01-01, single worker
	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

	return &DB{
		conn:      conn,
		writeConn: writeConn,
		snowflake: NewSnowflake(epoch, 0),
		logger:    logger,
	}, nil
}

// Close closes both connection pools.
func (db *DB) Close() error {
	werr := db.writeConn.Close()
	if err := db.conn.Close(); err != nil {
		return err
	}
	return werr
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// withTx runs fn in a write transaction.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.writeConn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// User is a row of the User table.
type User struct {
	ID          int64
	Username    string
	DisplayName string
	Color       string
	Accent      string
	Bio         string
	Avatar      string
	Banner      string
	CreatedAt   int64
}

// ToProtocol converts the row to its wire form.
func (u *User) ToProtocol() protocol.User {
	return protocol.User{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Color:       u.Color,
		Accent:      u.Accent,
		Bio:         u.Bio,
		Avatar:      u.Avatar,
		Banner:      u.Banner,
	}
}

// Server is a row of the Server table.
type Server struct {
	ID         int64
	Name       string
	OwnerID    int64
	IconImg    string
	Banner     string
	DefChBg    string
	Aesthetics json.RawMessage
	CreatedAt  int64
}

// Channel is a row of the Channel table.
type Channel struct {
	ID         int64
	ServerID   int64
	Name       string
	Background string
	CreatedAt  int64
}

// DMChannel is a row of the DMChannel table.
type DMChannel struct {
	ID         int64
	User1ID    int64
	User2ID    int64
	Background string
	CreatedAt  int64
}

// Other returns the participant that is not userID.
func (d *DMChannel) Other(userID int64) int64 {
	if d.User1ID == userID {
		return d.User2ID
	}
	return d.User1ID
}

// Has reports whether userID is a participant.
func (d *DMChannel) Has(userID int64) bool {
	return d.User1ID == userID || d.User2ID == userID
}

// Message is a row of the Message table joined with its author.
type Message struct {
	ID          int64
	ChannelID   sql.NullInt64
	DMChannelID sql.NullInt64
	AuthorID    int64
	Text        string
	Image       string
	ReplyTo     sql.NullInt64
	CreatedAt   int64
	Edited      bool
	Reactions   protocol.Reactions
	Nonce       string
	System      bool

	AuthorUsername    string
	AuthorDisplayName string
	AuthorColor       string
	AuthorAvatar      string
}

// Scope returns the conversation the message belongs to.
func (m *Message) Scope() protocol.ConversationRef {
	if m.DMChannelID.Valid {
		return protocol.DMRef(m.DMChannelID.Int64)
	}
	return protocol.ChannelRef(m.ChannelID.Int64)
}

// ToProtocol converts the row to its wire form.
func (m *Message) ToProtocol() protocol.Message {
	return protocol.Message{
		ID:          m.ID,
		ChannelID:   m.ChannelID.Int64,
		DMChannelID: m.DMChannelID.Int64,
		UserID:      m.AuthorID,
		Text:        m.Text,
		Image:       m.Image,
		ReplyTo:     m.ReplyTo.Int64,
		CreatedAt:   time.UnixMilli(m.CreatedAt).UTC(),
		Edited:      m.Edited,
		Reactions:   m.Reactions.Clone(),
		Nonce:       m.Nonce,
		System:      m.System,
		Username:    m.AuthorUsername,
		DisplayName: m.AuthorDisplayName,
		Color:       m.AuthorColor,
		Avatar:      m.AuthorAvatar,
	}
}
