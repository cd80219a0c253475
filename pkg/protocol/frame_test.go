package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePutsTypeFirst(t *testing.T) {
	data, err := Encode(NewMessageTo(DMRef(7), "hi"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), `{"type":"new_message",`), "got %s", data)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "hi", fields["text"])
	assert.Equal(t, float64(7), fields["dmChannelId"])
	assert.Equal(t, true, fields["isDM"])
	assert.NotContains(t, fields, "channelId")
}

func TestEncodeEmptyBody(t *testing.T) {
	data, err := Encode(&ProfileUpdated{})
	require.NoError(t, err)
	ev, err := DecodeServerEvent(data)
	require.NoError(t, err)
	assert.IsType(t, &ProfileUpdated{}, ev)
}

func TestClientEventsRoundTrip(t *testing.T) {
	name := "renamed"
	color := "#abcdef"
	events := []ClientEvent{
		&Authenticate{Token: "tok"},
		&NewMessage{ConversationFields: fieldsFor(ChannelRef(3)), Text: "hello", Image: "data:image/png;base64,AA", ReplyTo: 9, Nonce: "abc"},
		EditMessageIn(DMRef(4), 42, "hi there"),
		DeleteMessageIn(ChannelRef(5), 99),
		TypingIn(DMRef(6)),
		&ProfileUpdate{User: ProfilePatch{Color: &color}},
		&DMBackgroundChange{DMChannelID: 7, Background: ""},
		&ChannelBackgroundChange{ChannelID: 8, Background: "data:image/jpeg;base64,BB"},
		&ServerAestheticsUpdate{ServerID: 1, Aesthetics: json.RawMessage(`{"a":1}`), Name: &name},
	}
	for _, ev := range events {
		t.Run(ev.EventType(), func(t *testing.T) {
			data, err := Encode(ev)
			require.NoError(t, err)
			got, err := DecodeClientEvent(data)
			require.NoError(t, err)
			assert.Equal(t, ev, got)
		})
	}
}

func TestServerEventsRoundTrip(t *testing.T) {
	msg := Message{
		ID:          10,
		DMChannelID: 7,
		UserID:      1,
		Text:        "hi",
		CreatedAt:   time.UnixMilli(1700000000000).UTC(),
		Reactions:   Reactions{"👍": {2}},
		Nonce:       "n",
		Username:    "alice",
	}
	events := []ServerEvent{
		&Authenticated{UserID: 1, Username: "alice"},
		MessageCreated(msg),
		MessageEditedIn(ChannelRef(3), 42, "hi there"),
		MessageDeletedIn(DMRef(7), 99),
		ReactionsUpdatedIn(DMRef(7), 10, Reactions{"🎉": {1, 2}}),
		UserTypingIn(ChannelRef(3), 2, "bob"),
		&ProfileUpdated{User: User{ID: 1, Username: "alice", Color: "#fff"}},
		&DMBackgroundChanged{DMChannelID: 7, Background: "x", ChangedBy: "alice"},
		&ChannelBackgroundChanged{ChannelID: 3, Background: "y"},
		&ServerAestheticsUpdated{ServerID: 1, Aesthetics: json.RawMessage(`{"a":1}`), Name: "n"},
		&Error{Message: ErrMsgNotAuthenticated},
	}
	for _, ev := range events {
		t.Run(ev.EventType(), func(t *testing.T) {
			data, err := Encode(ev)
			require.NoError(t, err)
			got, err := DecodeServerEvent(data)
			require.NoError(t, err)
			assert.Equal(t, ev, got)
		})
	}
}

func TestMessageCreatedPicksScope(t *testing.T) {
	assert.IsType(t, &ChannelMessage{}, MessageCreated(Message{ChannelID: 1}))
	assert.IsType(t, &DMMessage{}, MessageCreated(Message{DMChannelID: 1}))
	assert.IsType(t, &DMMessageEdited{}, MessageEditedIn(DMRef(1), 1, "x"))
	assert.IsType(t, &MessageDeleted{}, MessageDeletedIn(ChannelRef(1), 1))
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"not json", `hello`, ErrMalformedFrame},
		{"array", `[1,2]`, ErrMalformedFrame},
		{"no type", `{"text":"x"}`, ErrMissingType},
		{"unknown type", `{"type":"nope"}`, ErrUnknownType},
		{"server type from client", `{"type":"authenticated"}`, ErrUnknownType},
		{"bad field type", `{"type":"new_message","text":5}`, ErrMalformedFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeClientEvent([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
		})
	}
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, (&Authenticate{Token: "  "}).Validate(), ErrMissingToken)
	assert.ErrorIs(t, NewMessageTo(ConversationRef{}, "x").Validate(), ErrMissingConversation)
	assert.ErrorIs(t, NewMessageTo(ChannelRef(1), "   ").Validate(), ErrEmptyMessage)
	assert.NoError(t, (&NewMessage{ConversationFields: fieldsFor(ChannelRef(1)), Image: "data:"}).Validate())
	assert.ErrorIs(t, EditMessageIn(ChannelRef(1), 0, "x").Validate(), ErrMissingMessageID)
	assert.ErrorIs(t, EditMessageIn(ChannelRef(1), 1, "").Validate(), ErrEmptyMessage)
	assert.ErrorIs(t, DeleteMessageIn(DMRef(0), 1).Validate(), ErrMissingConversation)
	assert.ErrorIs(t, (&ServerAestheticsUpdate{}).Validate(), ErrMissingServerID)
	assert.ErrorIs(t, (&ServerAestheticsUpdate{ServerID: 1, Aesthetics: json.RawMessage(`{`)}).Validate(), ErrMalformedFrame)
}
