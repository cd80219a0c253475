package protocol

import (
	"fmt"
	"slices"
	"time"
)

// ConversationRef identifies a delivery scope from the client's point of view:
// either a channel or a DM channel. Channel and DM ids live in separate
// namespaces, so the kind is part of the identity.
type ConversationRef struct {
	DM bool  `json:"dm"`
	ID int64 `json:"id"`
}

// ChannelRef returns a reference to a channel conversation.
func ChannelRef(id int64) ConversationRef { return ConversationRef{ID: id} }

// DMRef returns a reference to a DM conversation.
func DMRef(id int64) ConversationRef { return ConversationRef{DM: true, ID: id} }

func (r ConversationRef) Valid() bool { return r.ID > 0 }

func (r ConversationRef) String() string {
	if r.DM {
		return fmt.Sprintf("dm:%d", r.ID)
	}
	return fmt.Sprintf("channel:%d", r.ID)
}

// Reactions maps an emoji to the ids of the users who reacted with it.
type Reactions map[string][]int64

// Toggle adds userID to the emoji's list, or removes it if already present.
// An emoji whose list becomes empty is dropped. Returns true if the reaction
// was added.
func (r Reactions) Toggle(emoji string, userID int64) bool {
	users := r[emoji]
	if i := slices.Index(users, userID); i >= 0 {
		users = slices.Delete(users, i, i+1)
		if len(users) == 0 {
			delete(r, emoji)
		} else {
			r[emoji] = users
		}
		return false
	}
	r[emoji] = append(users, userID)
	return true
}

// Clone returns a deep copy.
func (r Reactions) Clone() Reactions {
	if r == nil {
		return nil
	}
	out := make(Reactions, len(r))
	for k, v := range r {
		out[k] = slices.Clone(v)
	}
	return out
}

// Message is a confirmed chat message as stored by the server. Exactly one of
// ChannelID and DMChannelID is set.
type Message struct {
	ID          int64     `json:"id"`
	ChannelID   int64     `json:"channel_id,omitempty"`
	DMChannelID int64     `json:"dm_channel_id,omitempty"`
	UserID      int64     `json:"user_id"`
	Text        string    `json:"text"`
	Image       string    `json:"image,omitempty"`
	ReplyTo     int64     `json:"reply_to,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Edited      bool      `json:"edited"`
	Reactions   Reactions `json:"reactions,omitempty"`
	Nonce       string    `json:"nonce,omitempty"`
	System      bool      `json:"is_system,omitempty"`

	// Author presentation, joined from the user row.
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Color       string `json:"color,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// Conversation returns the scope the message belongs to.
func (m *Message) Conversation() ConversationRef {
	if m.DMChannelID != 0 {
		return DMRef(m.DMChannelID)
	}
	return ChannelRef(m.ChannelID)
}

// User is the public profile of a user.
type User struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Color       string `json:"color,omitempty"`
	Accent      string `json:"accent,omitempty"`
	Bio         string `json:"bio,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	Banner      string `json:"banner,omitempty"`
}

// Name returns the display name, falling back to the username.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// ProfilePatch carries a partial profile update. Nil fields are left as they are.
type ProfilePatch struct {
	DisplayName *string `json:"display_name,omitempty"`
	Color       *string `json:"color,omitempty"`
	Accent      *string `json:"accent,omitempty"`
	Bio         *string `json:"bio,omitempty"`
	Avatar      *string `json:"avatar,omitempty"`
	Banner      *string `json:"banner,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p *ProfilePatch) Empty() bool {
	return p.DisplayName == nil && p.Color == nil && p.Accent == nil &&
		p.Bio == nil && p.Avatar == nil && p.Banner == nil
}
