package server

import (
	"context"
	"net"
	"time"

	"github.com/aeolun/syntaxy/pkg/database"
	"github.com/aeolun/syntaxy/pkg/protocol"
)

// MembershipResolver answers "who may receive events for this scope".
type MembershipResolver interface {
	ChannelMemberIDs(ctx context.Context, channelID int64) ([]int64, error)
	ServerMemberIDs(ctx context.Context, serverID int64) ([]int64, error)
}

// DatabaseStore is the persistence collaborator used by the handlers.
// *database.DB implements it.
type DatabaseStore interface {
	MembershipResolver

	Ping(ctx context.Context) error
	GetDM(ctx context.Context, id int64) (*database.DMChannel, error)
	IsMember(ctx context.Context, ref protocol.ConversationRef, userID int64) (bool, error)
	IsServerAdmin(ctx context.Context, serverID, userID int64) (bool, error)
	ListConversations(ctx context.Context, userID int64) ([]protocol.Conversation, error)

	CreateMessage(ctx context.Context, msg database.NewMessage) (*database.Message, error)
	GetMessage(ctx context.Context, id int64) (*database.Message, error)
	ListMessages(ctx context.Context, ref protocol.ConversationRef, limit int) ([]*database.Message, error)
	EditMessage(ctx context.Context, ref protocol.ConversationRef, id, authorID int64, text string) (*database.Message, error)
	DeleteMessage(ctx context.Context, ref protocol.ConversationRef, id, authorID int64) (*database.Message, error)
	ToggleReaction(ctx context.Context, id, userID int64, emoji string) (*database.Message, error)

	UpdateProfile(ctx context.Context, userID int64, patch protocol.ProfilePatch) (*database.User, error)
	SaveSettings(ctx context.Context, userID int64, s database.Settings) (*database.Settings, error)
	SetDMBackground(ctx context.Context, dmID, userID int64, background string) (*database.DMChannel, *database.Message, error)
	SetChannelBackground(ctx context.Context, channelID int64, background string) (*database.Channel, error)
	UpdateServerAesthetics(ctx context.Context, serverID int64, update protocol.ServerAestheticsUpdate) (*database.Server, error)
}

// Transport is the subset of *websocket.Conn a session needs.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	RemoteAddr() net.Addr
	Close() error
}

var (
	_ DatabaseStore = (*database.DB)(nil)
)
