package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

// Client → server event types
const (
	TypeAuthenticate            = "authenticate"
	TypeNewMessage              = "new_message"
	TypeEditMessage             = "edit_message"
	TypeDeleteMessage           = "delete_message"
	TypeTyping                  = "typing"
	TypeProfileUpdate           = "profile_update"
	TypeDMBackgroundChange      = "dm_bg_change"
	TypeChannelBackgroundChange = "channel_bg_change"
	TypeServerAestheticsUpdate  = "server_aesthetics_update"
)

// Server → client event types
const (
	TypeAuthenticated            = "authenticated"
	TypeChannelMessage           = "channel_message"
	TypeDMMessage                = "dm_message"
	TypeMessageEdited            = "message_edited"
	TypeDMMessageEdited          = "dm_message_edited"
	TypeMessageDeleted           = "message_deleted"
	TypeDMMessageDeleted         = "dm_message_deleted"
	TypeReactionsUpdated         = "reactions_updated"
	TypeUserTyping               = "user_typing"
	TypeProfileUpdated           = "profile_updated"
	TypeDMBackgroundChanged      = "dm_bg_changed"
	TypeChannelBackgroundChanged = "channel_bg_changed"
	TypeServerAestheticsUpdated  = "server_aesthetics_updated"
	TypeError                    = "error"
)

// Error messages sent in error frames. Clients match on these strings.
const (
	ErrMsgInvalidToken         = "Invalid token"
	ErrMsgNotAuthenticated     = "Not authenticated"
	ErrMsgAlreadyAuthenticated = "Already authenticated"
	ErrMsgInvalidFormat        = "Invalid message format"
	ErrMsgPermissionDenied     = "Permission denied"
	ErrMsgRateLimited          = "Rate limit exceeded"
	ErrMsgUnsupportedType      = "Unsupported message type"
	ErrMsgNotFound             = "Not found"
	ErrMsgServerError          = "Server error"
)

var (
	ErrMissingConversation = errors.New("channelId or dmChannelId is required")
	ErrMissingMessageID    = errors.New("messageId is required")
	ErrEmptyMessage        = errors.New("message needs text or an image")
	ErrMissingToken        = errors.New("token is required")
	ErrMissingServerID     = errors.New("serverId is required")
)

// ClientEvent is the closed set of frames a client may send. The unexported
// marker keeps the set closed so dispatchers can switch over it exhaustively.
type ClientEvent interface {
	Event
	clientEvent()
}

// ServerEvent is the closed set of frames the server may push.
type ServerEvent interface {
	Event
	serverEvent()
}

func newClientEvent(t string) ClientEvent {
	switch t {
	case TypeAuthenticate:
		return &Authenticate{}
	case TypeNewMessage:
		return &NewMessage{}
	case TypeEditMessage:
		return &EditMessage{}
	case TypeDeleteMessage:
		return &DeleteMessage{}
	case TypeTyping:
		return &Typing{}
	case TypeProfileUpdate:
		return &ProfileUpdate{}
	case TypeDMBackgroundChange:
		return &DMBackgroundChange{}
	case TypeChannelBackgroundChange:
		return &ChannelBackgroundChange{}
	case TypeServerAestheticsUpdate:
		return &ServerAestheticsUpdate{}
	}
	return nil
}

func newServerEvent(t string) ServerEvent {
	switch t {
	case TypeAuthenticated:
		return &Authenticated{}
	case TypeChannelMessage:
		return &ChannelMessage{}
	case TypeDMMessage:
		return &DMMessage{}
	case TypeMessageEdited:
		return &MessageEdited{}
	case TypeDMMessageEdited:
		return &DMMessageEdited{}
	case TypeMessageDeleted:
		return &MessageDeleted{}
	case TypeDMMessageDeleted:
		return &DMMessageDeleted{}
	case TypeReactionsUpdated:
		return &ReactionsUpdated{}
	case TypeUserTyping:
		return &UserTyping{}
	case TypeProfileUpdated:
		return &ProfileUpdated{}
	case TypeDMBackgroundChanged:
		return &DMBackgroundChanged{}
	case TypeChannelBackgroundChanged:
		return &ChannelBackgroundChanged{}
	case TypeServerAestheticsUpdated:
		return &ServerAestheticsUpdated{}
	case TypeError:
		return &Error{}
	}
	return nil
}

// ConversationFields is the channelId|dmChannelId pair shared by scoped client events.
type ConversationFields struct {
	ChannelID   int64 `json:"channelId,omitempty"`
	DMChannelID int64 `json:"dmChannelId,omitempty"`
	IsDM        bool  `json:"isDM"`
}

// Conversation resolves the scope the event targets.
func (c ConversationFields) Conversation() ConversationRef {
	if c.IsDM {
		return DMRef(c.DMChannelID)
	}
	return ChannelRef(c.ChannelID)
}

func fieldsFor(ref ConversationRef) ConversationFields {
	if ref.DM {
		return ConversationFields{DMChannelID: ref.ID, IsDM: true}
	}
	return ConversationFields{ChannelID: ref.ID}
}

// ===== Client → server =====

// Authenticate must be the first frame on a new connection.
type Authenticate struct {
	Token string `json:"token"`
}

func (*Authenticate) EventType() string { return TypeAuthenticate }
func (*Authenticate) clientEvent()      {}

func (m *Authenticate) Validate() error {
	if strings.TrimSpace(m.Token) == "" {
		return ErrMissingToken
	}
	return nil
}

// NewMessage posts a message to a channel or DM. Nonce is a client-generated
// idempotency key that the server stores and echoes back on the confirmed message.
type NewMessage struct {
	ConversationFields
	Text    string `json:"text"`
	Image   string `json:"image,omitempty"`
	ReplyTo int64  `json:"reply_to,omitempty"`
	Nonce   string `json:"nonce,omitempty"`
}

// NewMessageTo builds a NewMessage addressed to ref.
func NewMessageTo(ref ConversationRef, text string) *NewMessage {
	return &NewMessage{ConversationFields: fieldsFor(ref), Text: text}
}

func (*NewMessage) EventType() string { return TypeNewMessage }
func (*NewMessage) clientEvent()      {}

func (m *NewMessage) Validate() error {
	if !m.Conversation().Valid() {
		return ErrMissingConversation
	}
	if strings.TrimSpace(m.Text) == "" && m.Image == "" {
		return ErrEmptyMessage
	}
	return nil
}

type EditMessage struct {
	ConversationFields
	MessageID int64  `json:"messageId"`
	Text      string `json:"text"`
}

// EditMessageIn builds an EditMessage for a message in ref.
func EditMessageIn(ref ConversationRef, messageID int64, text string) *EditMessage {
	return &EditMessage{ConversationFields: fieldsFor(ref), MessageID: messageID, Text: text}
}

func (*EditMessage) EventType() string { return TypeEditMessage }
func (*EditMessage) clientEvent()      {}

func (m *EditMessage) Validate() error {
	if m.MessageID <= 0 {
		return ErrMissingMessageID
	}
	if !m.Conversation().Valid() {
		return ErrMissingConversation
	}
	if strings.TrimSpace(m.Text) == "" {
		return ErrEmptyMessage
	}
	return nil
}

type DeleteMessage struct {
	ConversationFields
	MessageID int64 `json:"messageId"`
}

// DeleteMessageIn builds a DeleteMessage for a message in ref.
func DeleteMessageIn(ref ConversationRef, messageID int64) *DeleteMessage {
	return &DeleteMessage{ConversationFields: fieldsFor(ref), MessageID: messageID}
}

func (*DeleteMessage) EventType() string { return TypeDeleteMessage }
func (*DeleteMessage) clientEvent()      {}

func (m *DeleteMessage) Validate() error {
	if m.MessageID <= 0 {
		return ErrMissingMessageID
	}
	if !m.Conversation().Valid() {
		return ErrMissingConversation
	}
	return nil
}

type Typing struct {
	ConversationFields
}

// TypingIn builds a Typing event for ref.
func TypingIn(ref ConversationRef) *Typing {
	return &Typing{ConversationFields: fieldsFor(ref)}
}

func (*Typing) EventType() string { return TypeTyping }
func (*Typing) clientEvent()      {}

func (m *Typing) Validate() error {
	if !m.Conversation().Valid() {
		return ErrMissingConversation
	}
	return nil
}

type ProfileUpdate struct {
	User ProfilePatch `json:"user"`
}

func (*ProfileUpdate) EventType() string { return TypeProfileUpdate }
func (*ProfileUpdate) clientEvent()      {}

// DMBackgroundChange sets or clears (empty Background) a DM's background.
type DMBackgroundChange struct {
	DMChannelID int64  `json:"dmChannelId"`
	Background  string `json:"background"`
}

func (*DMBackgroundChange) EventType() string { return TypeDMBackgroundChange }
func (*DMBackgroundChange) clientEvent()      {}

func (m *DMBackgroundChange) Validate() error {
	if m.DMChannelID <= 0 {
		return ErrMissingConversation
	}
	return nil
}

type ChannelBackgroundChange struct {
	ChannelID  int64  `json:"channelId"`
	Background string `json:"background"`
}

func (*ChannelBackgroundChange) EventType() string { return TypeChannelBackgroundChange }
func (*ChannelBackgroundChange) clientEvent()      {}

func (m *ChannelBackgroundChange) Validate() error {
	if m.ChannelID <= 0 {
		return ErrMissingConversation
	}
	return nil
}

// ServerAestheticsUpdate replaces a server's aesthetics blob. Nil fields are kept.
type ServerAestheticsUpdate struct {
	ServerID   int64           `json:"serverId"`
	Aesthetics json.RawMessage `json:"aesthetics,omitempty"`
	Name       *string         `json:"name,omitempty"`
	IconImg    *string         `json:"iconImg,omitempty"`
	Banner     *string         `json:"banner,omitempty"`
	DefChBg    *string         `json:"defChBg,omitempty"`
}

func (*ServerAestheticsUpdate) EventType() string { return TypeServerAestheticsUpdate }
func (*ServerAestheticsUpdate) clientEvent()      {}

func (m *ServerAestheticsUpdate) Validate() error {
	if m.ServerID <= 0 {
		return ErrMissingServerID
	}
	if len(m.Aesthetics) > 0 && !json.Valid(m.Aesthetics) {
		return ErrMalformedFrame
	}
	return nil
}

// ===== Server → client =====

type Authenticated struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

func (*Authenticated) EventType() string { return TypeAuthenticated }
func (*Authenticated) serverEvent()      {}

type ChannelMessage struct {
	ChannelID int64   `json:"channelId"`
	Message   Message `json:"message"`
}

func (*ChannelMessage) EventType() string { return TypeChannelMessage }
func (*ChannelMessage) serverEvent()      {}

type DMMessage struct {
	DMChannelID int64   `json:"dmChannelId"`
	Message     Message `json:"message"`
}

func (*DMMessage) EventType() string { return TypeDMMessage }
func (*DMMessage) serverEvent()      {}

// MessageCreated wraps a stored message in the event matching its scope.
func MessageCreated(msg Message) ServerEvent {
	if msg.DMChannelID != 0 {
		return &DMMessage{DMChannelID: msg.DMChannelID, Message: msg}
	}
	return &ChannelMessage{ChannelID: msg.ChannelID, Message: msg}
}

type MessageEdited struct {
	ChannelID int64  `json:"channelId"`
	MessageID int64  `json:"messageId"`
	Text      string `json:"text"`
}

func (*MessageEdited) EventType() string { return TypeMessageEdited }
func (*MessageEdited) serverEvent()      {}

type DMMessageEdited struct {
	DMChannelID int64  `json:"dmChannelId"`
	MessageID   int64  `json:"messageId"`
	Text        string `json:"text"`
}

func (*DMMessageEdited) EventType() string { return TypeDMMessageEdited }
func (*DMMessageEdited) serverEvent()      {}

// MessageEditedIn builds the edit notification for a message in ref.
func MessageEditedIn(ref ConversationRef, messageID int64, text string) ServerEvent {
	if ref.DM {
		return &DMMessageEdited{DMChannelID: ref.ID, MessageID: messageID, Text: text}
	}
	return &MessageEdited{ChannelID: ref.ID, MessageID: messageID, Text: text}
}

type MessageDeleted struct {
	ChannelID int64 `json:"channelId"`
	MessageID int64 `json:"messageId"`
}

func (*MessageDeleted) EventType() string { return TypeMessageDeleted }
func (*MessageDeleted) serverEvent()      {}

type DMMessageDeleted struct {
	DMChannelID int64 `json:"dmChannelId"`
	MessageID   int64 `json:"messageId"`
}

func (*DMMessageDeleted) EventType() string { return TypeDMMessageDeleted }
func (*DMMessageDeleted) serverEvent()      {}

// MessageDeletedIn builds the delete notification for a message in ref.
func MessageDeletedIn(ref ConversationRef, messageID int64) ServerEvent {
	if ref.DM {
		return &DMMessageDeleted{DMChannelID: ref.ID, MessageID: messageID}
	}
	return &MessageDeleted{ChannelID: ref.ID, MessageID: messageID}
}

// ReactionsUpdated carries the full reaction set of a message after a toggle.
type ReactionsUpdated struct {
	ConversationFields
	MessageID int64     `json:"messageId"`
	Reactions Reactions `json:"reactions"`
}

// ReactionsUpdatedIn builds the reaction notification for a message in ref.
func ReactionsUpdatedIn(ref ConversationRef, messageID int64, reactions Reactions) *ReactionsUpdated {
	return &ReactionsUpdated{ConversationFields: fieldsFor(ref), MessageID: messageID, Reactions: reactions}
}

func (*ReactionsUpdated) EventType() string { return TypeReactionsUpdated }
func (*ReactionsUpdated) serverEvent()      {}

type UserTyping struct {
	ConversationFields
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

// UserTypingIn builds a typing notification for ref.
func UserTypingIn(ref ConversationRef, userID int64, username string) *UserTyping {
	return &UserTyping{ConversationFields: fieldsFor(ref), UserID: userID, Username: username}
}

func (*UserTyping) EventType() string { return TypeUserTyping }
func (*UserTyping) serverEvent()      {}

type ProfileUpdated struct {
	User User `json:"user"`
}

func (*ProfileUpdated) EventType() string { return TypeProfileUpdated }
func (*ProfileUpdated) serverEvent()      {}

type DMBackgroundChanged struct {
	DMChannelID int64  `json:"dmChannelId"`
	Background  string `json:"background"`
	ChangedBy   string `json:"changedBy"`
}

func (*DMBackgroundChanged) EventType() string { return TypeDMBackgroundChanged }
func (*DMBackgroundChanged) serverEvent()      {}

type ChannelBackgroundChanged struct {
	ChannelID  int64  `json:"channelId"`
	Background string `json:"background"`
}

func (*ChannelBackgroundChanged) EventType() string { return TypeChannelBackgroundChanged }
func (*ChannelBackgroundChanged) serverEvent()      {}

type ServerAestheticsUpdated struct {
	ServerID   int64           `json:"serverId"`
	Aesthetics json.RawMessage `json:"aesthetics,omitempty"`
	Name       string          `json:"name"`
	IconImg    string          `json:"iconImg,omitempty"`
	Banner     string          `json:"banner,omitempty"`
	DefChBg    string          `json:"defChBg,omitempty"`
}

func (*ServerAestheticsUpdated) EventType() string { return TypeServerAestheticsUpdated }
func (*ServerAestheticsUpdated) serverEvent()      {}

type Error struct {
	Message string `json:"message"`
}

func (*Error) EventType() string { return TypeError }
func (*Error) serverEvent()      {}

func (e *Error) Error() string { return e.Message }
