package server

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aeolun/syntaxy/pkg/database"
	"github.com/aeolun/syntaxy/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const quiet = 100 * time.Millisecond

func expectError(t *testing.T, conn *fakeConn, message string) {
	t.Helper()
	ev := conn.next(t)
	got, ok := ev.(*protocol.Error)
	require.True(t, ok, "expected error frame, got %#v", ev)
	assert.Equal(t, message, got.Message)
}

func TestDMMessageReachesBothParticipants(t *testing.T) {
	h := newHarness(t)
	alice := h.connect(t, h.alice)
	bob := h.connect(t, h.bob)
	carol := h.connect(t, h.carol)

	msg := protocol.NewMessageTo(protocol.DMRef(h.dm.ID), "hi")
	msg.Nonce = "n-1"
	alice.send(t, msg)

	for _, conn := range []*fakeConn{alice, bob} {
		ev := conn.next(t)
		dm, ok := ev.(*protocol.DMMessage)
		require.True(t, ok, "expected dm_message, got %#v", ev)
		assert.Equal(t, h.dm.ID, dm.DMChannelID)
		assert.Equal(t, "hi", dm.Message.Text)
		assert.Equal(t, "n-1", dm.Message.Nonce)
		assert.Equal(t, h.alice.ID, dm.Message.UserID)
		assert.Equal(t, "alice", dm.Message.Username)
	}
	carol.expectNone(t, quiet)
}

func TestChannelMessageReachesMembersOnly(t *testing.T) {
	h := newHarness(t)
	alice := h.connect(t, h.alice)
	bob := h.connect(t, h.bob)
	carol := h.connect(t, h.carol)

	bob.send(t, protocol.NewMessageTo(protocol.ChannelRef(h.channel.ID), "hello channel"))

	for _, conn := range []*fakeConn{alice, bob} {
		ev := conn.next(t)
		cm, ok := ev.(*protocol.ChannelMessage)
		require.True(t, ok, "expected channel_message, got %#v", ev)
		assert.Equal(t, h.channel.ID, cm.ChannelID)
		assert.Equal(t, "hello channel", cm.Message.Text)
	}
	carol.expectNone(t, quiet)
}

func TestOutsiderCannotPost(t *testing.T) {
	h := newHarness(t)
	alice := h.connect(t, h.alice)
	carol := h.connect(t, h.carol)

	carol.send(t, protocol.NewMessageTo(protocol.ChannelRef(h.channel.ID), "let me in"))
	expectError(t, carol, protocol.ErrMsgPermissionDenied)

	carol.send(t, protocol.NewMessageTo(protocol.DMRef(h.dm.ID), "psst"))
	expectError(t, carol, protocol.ErrMsgPermissionDenied)

	alice.expectNone(t, quiet)
}

func TestEditMessageBroadcastsAndKeepsReactions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ref := protocol.ChannelRef(h.channel.ID)

	stored, err := h.db.CreateMessage(ctx, database.NewMessage{Scope: ref, AuthorID: h.alice.ID, Text: "hi"})
	require.NoError(t, err)
	_, err = h.db.ToggleReaction(ctx, stored.ID, h.bob.ID, "👍")
	require.NoError(t, err)

	alice := h.connect(t, h.alice)
	bob := h.connect(t, h.bob)

	alice.send(t, protocol.EditMessageIn(ref, stored.ID, "hi there"))

	for _, conn := range []*fakeConn{alice, bob} {
		ev := conn.next(t)
		edited, ok := ev.(*protocol.MessageEdited)
		require.True(t, ok, "expected message_edited, got %#v", ev)
		assert.Equal(t, stored.ID, edited.MessageID)
		assert.Equal(t, "hi there", edited.Text)
		assert.Equal(t, h.channel.ID, edited.ChannelID)
	}

	after, err := h.db.GetMessage(ctx, stored.ID)
	require.NoError(t, err)
	assert.True(t, after.Edited)
	assert.Equal(t, "hi there", after.Text)
	assert.Equal(t, protocol.Reactions{"👍": {h.bob.ID}}, after.Reactions)
}

func TestDeleteForeignMessageIsSilentNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ref := protocol.ChannelRef(h.channel.ID)

	stored, err := h.db.CreateMessage(ctx, database.NewMessage{Scope: ref, AuthorID: h.bob.ID, Text: "mine"})
	require.NoError(t, err)

	alice := h.connect(t, h.alice)
	bob := h.connect(t, h.bob)

	alice.send(t, protocol.DeleteMessageIn(ref, stored.ID))
	alice.send(t, protocol.EditMessageIn(ref, stored.ID, "not mine"))

	alice.expectNone(t, quiet)
	bob.expectNone(t, quiet)

	after, err := h.db.GetMessage(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "mine", after.Text)
	assert.False(t, after.Edited)
}

func TestDeleteInWrongScopeIsSilentNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stored, err := h.db.CreateMessage(ctx, database.NewMessage{
		Scope: protocol.ChannelRef(h.channel.ID), AuthorID: h.alice.ID, Text: "channel message",
	})
	require.NoError(t, err)

	alice := h.connect(t, h.alice)
	bob := h.connect(t, h.bob)

	// Same id, addressed as if it lived in the DM
	alice.send(t, protocol.DeleteMessageIn(protocol.DMRef(h.dm.ID), stored.ID))
	alice.expectNone(t, quiet)
	bob.expectNone(t, quiet)

	_, err = h.db.GetMessage(ctx, stored.ID)
	require.NoError(t, err)
}

func TestDeleteOwnMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ref := protocol.DMRef(h.dm.ID)

	stored, err := h.db.CreateMessage(ctx, database.NewMessage{Scope: ref, AuthorID: h.bob.ID, Text: "oops"})
	require.NoError(t, err)

	alice := h.connect(t, h.alice)
	bob := h.connect(t, h.bob)

	bob.send(t, protocol.DeleteMessageIn(ref, stored.ID))
	for _, conn := range []*fakeConn{alice, bob} {
		ev := conn.next(t)
		deleted, ok := ev.(*protocol.DMMessageDeleted)
		require.True(t, ok, "expected dm_message_deleted, got %#v", ev)
		assert.Equal(t, stored.ID, deleted.MessageID)
		assert.Equal(t, h.dm.ID, deleted.DMChannelID)
	}

	_, err = h.db.GetMessage(ctx, stored.ID)
	assert.ErrorIs(t, err, database.ErrMessageNotFound)
}

func TestFramesBeforeAuthenticationAreRejected(t *testing.T) {
	h := newHarness(t)
	conn := h.open(t)

	conn.send(t, protocol.NewMessageTo(protocol.ChannelRef(h.channel.ID), "too early"))
	expectError(t, conn, protocol.ErrMsgNotAuthenticated)

	// The connection stays usable
	conn.send(t, &protocol.Authenticate{Token: h.token(t, h.alice)})
	_, ok := conn.next(t).(*protocol.Authenticated)
	assert.True(t, ok)
}

func TestInvalidTokenClosesConnection(t *testing.T) {
	h := newHarness(t)
	conn := h.open(t)

	conn.send(t, &protocol.Authenticate{Token: "garbage"})
	expectError(t, conn, protocol.ErrMsgInvalidToken)
	conn.waitClosed(t)
	assert.Equal(t, CloseAuthFailed, conn.code())
	assert.Equal(t, 0, h.srv.Registry().Count())
}

func TestReauthenticationIsRejected(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, h.alice)

	conn.send(t, &protocol.Authenticate{Token: h.token(t, h.bob)})
	expectError(t, conn, protocol.ErrMsgAlreadyAuthenticated)

	sess, ok := h.srv.Registry().Lookup(h.alice.ID)
	require.True(t, ok)
	id, _ := sess.Identity()
	assert.Equal(t, h.alice.ID, id.UserID)
	_, ok = h.srv.Registry().Lookup(h.bob.ID)
	assert.False(t, ok)
}

func TestSecondConnectionSupersedesFirst(t *testing.T) {
	h := newHarness(t)
	first := h.connect(t, h.alice)
	second := h.connect(t, h.alice)

	first.waitClosed(t)
	assert.Equal(t, CloseSuperseded, first.code())

	// The old session's teardown must not evict the new one
	require.Eventually(t, func() bool {
		sess, ok := h.srv.Registry().Lookup(h.alice.ID)
		return ok && sess.Writable()
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.srv.Registry().Count())

	bob := h.connect(t, h.bob)
	bob.send(t, protocol.NewMessageTo(protocol.DMRef(h.dm.ID), "which one?"))
	_, ok := second.next(t).(*protocol.DMMessage)
	assert.True(t, ok)
}

func TestTypingExcludesSender(t *testing.T) {
	h := newHarness(t)
	alice := h.connect(t, h.alice)
	bob := h.connect(t, h.bob)

	alice.send(t, protocol.TypingIn(protocol.ChannelRef(h.channel.ID)))

	ev := bob.next(t)
	typing, ok := ev.(*protocol.UserTyping)
	require.True(t, ok, "expected user_typing, got %#v", ev)
	assert.Equal(t, h.alice.ID, typing.UserID)
	assert.Equal(t, "alice", typing.Username)
	assert.Equal(t, protocol.ChannelRef(h.channel.ID), typing.Conversation())
	alice.expectNone(t, quiet)
}

func TestPersistenceFailureReportsAndKeepsConnection(t *testing.T) {
	h := newHarness(t)
	alice := h.connect(t, h.alice)
	bob := h.connect(t, h.bob)

	h.db.setFailCreate(errors.New("disk I/O error"))
	alice.send(t, protocol.NewMessageTo(protocol.DMRef(h.dm.ID), "lost"))
	expectError(t, alice, protocol.ErrMsgServerError)
	bob.expectNone(t, quiet)

	h.db.setFailCreate(nil)
	alice.send(t, protocol.NewMessageTo(protocol.DMRef(h.dm.ID), "kept"))
	ev := bob.next(t)
	dm, ok := ev.(*protocol.DMMessage)
	require.True(t, ok, "expected dm_message, got %#v", ev)
	assert.Equal(t, "kept", dm.Message.Text)
}

func TestMalformedFrames(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, h.alice)

	conn.inbound <- []byte("not json")
	expectError(t, conn, protocol.ErrMsgInvalidFormat)

	conn.inbound <- []byte(`{"type":"launch_rockets"}`)
	expectError(t, conn, protocol.ErrMsgUnsupportedType)

	conn.inbound <- []byte(`{"type":"new_message","text":"nowhere"}`)
	expectError(t, conn, protocol.ErrMsgInvalidFormat)
}

func TestMessageTooLong(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageLength = 8
	h := newHarnessWithConfig(t, cfg)
	conn := h.connect(t, h.alice)

	conn.send(t, protocol.NewMessageTo(protocol.ChannelRef(h.channel.ID), "way past the limit"))
	expectError(t, conn, protocol.ErrMsgInvalidFormat)
}

func TestRateLimitedFramesAreDropped(t *testing.T) {
	cfg := testConfig()
	cfg.MessageRateLimit = 0.001
	cfg.MessageBurst = 2 // authenticate plus one frame
	h := newHarnessWithConfig(t, cfg)
	alice := h.connect(t, h.alice)
	bob := h.connect(t, h.bob)

	alice.send(t, protocol.TypingIn(protocol.DMRef(h.dm.ID)))
	_, ok := bob.next(t).(*protocol.UserTyping)
	require.True(t, ok)

	alice.send(t, protocol.TypingIn(protocol.DMRef(h.dm.ID)))
	expectError(t, alice, protocol.ErrMsgRateLimited)
	bob.expectNone(t, quiet)
}

func TestDMBackgroundChangeAnnouncesInConversation(t *testing.T) {
	h := newHarness(t)
	alice := h.connect(t, h.alice)
	bob := h.connect(t, h.bob)

	alice.send(t, &protocol.DMBackgroundChange{DMChannelID: h.dm.ID, Background: "data:image/jpeg;base64,AAAA"})

	for _, conn := range []*fakeConn{alice, bob} {
		ev := conn.next(t)
		changed, ok := ev.(*protocol.DMBackgroundChanged)
		require.True(t, ok, "expected dm_bg_changed, got %#v", ev)
		assert.Equal(t, h.dm.ID, changed.DMChannelID)
		assert.Equal(t, "alice", changed.ChangedBy)
		assert.Equal(t, "data:image/jpeg;base64,AAAA", changed.Background)

		ev = conn.next(t)
		notice, ok := ev.(*protocol.DMMessage)
		require.True(t, ok, "expected dm_message, got %#v", ev)
		assert.True(t, notice.Message.System)
		assert.Equal(t, database.DMBackgroundSetText, notice.Message.Text)
	}
}

func TestChannelBackgroundChange(t *testing.T) {
	h := newHarness(t)
	alice := h.connect(t, h.alice)
	bob := h.connect(t, h.bob)

	bob.send(t, &protocol.ChannelBackgroundChange{ChannelID: h.channel.ID, Background: "data:image/png;base64,BBBB"})

	for _, conn := range []*fakeConn{alice, bob} {
		ev := conn.next(t)
		changed, ok := ev.(*protocol.ChannelBackgroundChanged)
		require.True(t, ok, "expected channel_bg_changed, got %#v", ev)
		assert.Equal(t, "data:image/png;base64,BBBB", changed.Background)
	}
}

func TestServerAestheticsRequireAdmin(t *testing.T) {
	h := newHarness(t)
	alice := h.connect(t, h.alice)
	bob := h.connect(t, h.bob)

	name := "renamed"
	update := &protocol.ServerAestheticsUpdate{
		ServerID:   h.server.ID,
		Aesthetics: json.RawMessage(`{"accent":"#ff00ff"}`),
		Name:       &name,
	}

	bob.send(t, update)
	expectError(t, bob, protocol.ErrMsgPermissionDenied)
	alice.expectNone(t, quiet)

	alice.send(t, update)
	for _, conn := range []*fakeConn{alice, bob} {
		ev := conn.next(t)
		updated, ok := ev.(*protocol.ServerAestheticsUpdated)
		require.True(t, ok, "expected server_aesthetics_updated, got %#v", ev)
		assert.Equal(t, "renamed", updated.Name)
		assert.JSONEq(t, `{"accent":"#ff00ff"}`, string(updated.Aesthetics))
	}
}

func TestProfileUpdateFansOutToOthers(t *testing.T) {
	h := newHarness(t)
	alice := h.connect(t, h.alice)
	bob := h.connect(t, h.bob)
	carol := h.connect(t, h.carol)

	color := "#123456"
	alice.send(t, &protocol.ProfileUpdate{User: protocol.ProfilePatch{Color: &color}})

	for _, conn := range []*fakeConn{bob, carol} {
		ev := conn.next(t)
		updated, ok := ev.(*protocol.ProfileUpdated)
		require.True(t, ok, "expected profile_updated, got %#v", ev)
		assert.Equal(t, h.alice.ID, updated.User.ID)
		assert.Equal(t, color, updated.User.Color)
	}
	alice.expectNone(t, quiet)

	user, err := h.db.GetUser(context.Background(), h.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, color, user.Color)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		message string
		silent  bool
	}{
		{"not owned", database.ErrMessageNotOwned, "", true},
		{"missing message", database.ErrMessageNotFound, "", true},
		{"invalid", invalid(protocol.ErrEmptyMessage), protocol.ErrMsgInvalidFormat, false},
		{"forbidden", errPermissionDenied, protocol.ErrMsgPermissionDenied, false},
		{"not a participant", database.ErrNotMember, protocol.ErrMsgPermissionDenied, false},
		{"unknown channel", database.ErrChannelNotFound, protocol.ErrMsgNotFound, false},
		{"wrapped", errors.Join(errors.New("context"), database.ErrDMNotFound), protocol.ErrMsgNotFound, false},
		{"other", errors.New("boom"), protocol.ErrMsgServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			message, _, silent := classifyError(tt.err)
			assert.Equal(t, tt.message, message)
			assert.Equal(t, tt.silent, silent)
		})
	}
}
