package protocol

import "encoding/json"

// Close codes the server sends when it ends a websocket session.
const (
	CloseSuperseded = 4000 // same identity connected elsewhere
	CloseAuthFailed = 4001
)

// PostMessageRequest is the body of POST /api/channels/{id}/messages and
// POST /api/dms/{id}/messages.
type PostMessageRequest struct {
	Text    string `json:"text"`
	Image   string `json:"image,omitempty"`
	ReplyTo int64  `json:"reply_to,omitempty"`
	Nonce   string `json:"nonce,omitempty"`
}

// EditMessageRequest is the body of PUT /api/messages/{id}.
type EditMessageRequest struct {
	Text string `json:"text"`
}

// ReactionRequest is the body of POST /api/messages/{id}/reactions.
type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

// ReactionsResponse is the result of a reaction toggle.
type ReactionsResponse struct {
	MessageID int64     `json:"messageId"`
	Reactions Reactions `json:"reactions"`
}

// Settings are the opaque per-user client settings stored by
// PUT /api/users/settings. A nil field is left unchanged.
type Settings struct {
	Gallery    json.RawMessage `json:"gallery,omitempty"`
	PersonalUI json.RawMessage `json:"personal_ui,omitempty"`
}

// APIError is the JSON body of a failed REST call.
type APIError struct {
	Error string `json:"error"`
}

// Conversation is an entry of GET /api/conversations: a channel the user can
// see through a server membership, or one of the user's DMs.
type Conversation struct {
	Ref        ConversationRef `json:"ref"`
	Name       string          `json:"name"`
	ServerID   int64           `json:"serverId,omitempty"`
	ServerName string          `json:"serverName,omitempty"`
	PeerID     int64           `json:"peerId,omitempty"`
	Background string          `json:"background,omitempty"`
}
