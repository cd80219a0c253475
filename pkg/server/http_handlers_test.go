package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/syntaxy/pkg/database"
	"github.com/aeolun/syntaxy/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (h *harness) api(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(h.srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestAPIRequiresBearerToken(t *testing.T) {
	h := newHarness(t)
	ts := h.api(t)

	resp := doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/channels/%d/messages", ts.URL, h.channel.ID), "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/channels/%d/messages", ts.URL, h.channel.ID), "nope", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPIListConversations(t *testing.T) {
	h := newHarness(t)
	ts := h.api(t)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/conversations", h.token(t, h.bob), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	convs := decode[[]protocol.Conversation](t, resp)
	require.Len(t, convs, 2)
	assert.Equal(t, protocol.ChannelRef(h.channel.ID), convs[0].Ref)
	assert.Equal(t, protocol.DMRef(h.dm.ID), convs[1].Ref)
	assert.Equal(t, "alice", convs[1].Name)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/conversations", h.token(t, h.carol), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]protocol.Conversation](t, resp))
}

func TestAPIPostRoutesToLiveSessions(t *testing.T) {
	h := newHarness(t)
	ts := h.api(t)
	bob := h.connect(t, h.bob)

	resp := doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/dms/%d/messages", ts.URL, h.dm.ID), h.token(t, h.alice),
		protocol.PostMessageRequest{Text: "over rest", Nonce: "rest-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	msg := decode[protocol.Message](t, resp)
	assert.Equal(t, "over rest", msg.Text)
	assert.Equal(t, "rest-1", msg.Nonce)
	assert.Equal(t, h.dm.ID, msg.DMChannelID)

	ev := bob.next(t)
	dm, ok := ev.(*protocol.DMMessage)
	require.True(t, ok, "expected dm_message, got %#v", ev)
	assert.Equal(t, msg.ID, dm.Message.ID)
}

func TestAPIHistoryIsOldestFirst(t *testing.T) {
	h := newHarness(t)
	ts := h.api(t)
	ctx := context.Background()
	ref := protocol.ChannelRef(h.channel.ID)

	for _, text := range []string{"first", "second", "third"} {
		_, err := h.db.CreateMessage(ctx, database.NewMessage{Scope: ref, AuthorID: h.bob.ID, Text: text})
		require.NoError(t, err)
	}

	resp := doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/channels/%d/messages", ts.URL, h.channel.ID), h.token(t, h.alice), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := decode[[]protocol.Message](t, resp)
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Text)
	assert.Equal(t, "third", msgs[2].Text)
	assert.Equal(t, "bob", msgs[0].Username)

	resp = doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/channels/%d/messages", ts.URL, h.channel.ID), h.token(t, h.carol), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAPIEditAndDelete(t *testing.T) {
	h := newHarness(t)
	ts := h.api(t)
	ctx := context.Background()

	stored, err := h.db.CreateMessage(ctx, database.NewMessage{Scope: protocol.ChannelRef(h.channel.ID), AuthorID: h.alice.ID, Text: "draft"})
	require.NoError(t, err)
	url := fmt.Sprintf("%s/api/messages/%d", ts.URL, stored.ID)

	resp := doJSON(t, http.MethodPut, url, h.token(t, h.bob), protocol.EditMessageRequest{Text: "hijack"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, http.MethodPut, url, h.token(t, h.alice), protocol.EditMessageRequest{Text: "final"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msg := decode[protocol.Message](t, resp)
	assert.Equal(t, "final", msg.Text)
	assert.True(t, msg.Edited)

	resp = doJSON(t, http.MethodDelete, url, h.token(t, h.alice), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodDelete, url, h.token(t, h.alice), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIToggleReaction(t *testing.T) {
	h := newHarness(t)
	ts := h.api(t)
	alice := h.connect(t, h.alice)

	stored, err := h.db.CreateMessage(context.Background(), database.NewMessage{Scope: protocol.DMRef(h.dm.ID), AuthorID: h.alice.ID, Text: "react"})
	require.NoError(t, err)
	url := fmt.Sprintf("%s/api/messages/%d/reactions", ts.URL, stored.ID)

	resp := doJSON(t, http.MethodPost, url, h.token(t, h.bob), protocol.ReactionRequest{Emoji: "🎉"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[protocol.ReactionsResponse](t, resp)
	assert.Equal(t, protocol.Reactions{"🎉": {h.bob.ID}}, got.Reactions)

	ev := alice.next(t)
	updated, ok := ev.(*protocol.ReactionsUpdated)
	require.True(t, ok, "expected reactions_updated, got %#v", ev)
	assert.Equal(t, stored.ID, updated.MessageID)

	resp = doJSON(t, http.MethodPost, url, h.token(t, h.bob), protocol.ReactionRequest{Emoji: "🎉"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got = decode[protocol.ReactionsResponse](t, resp)
	assert.Empty(t, got.Reactions, "emoji is dropped once nobody reacts with it")

	resp = doJSON(t, http.MethodPost, url, h.token(t, h.carol), protocol.ReactionRequest{Emoji: "🎉"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAPISaveSettings(t *testing.T) {
	h := newHarness(t)
	ts := h.api(t)

	resp := doJSON(t, http.MethodPut, ts.URL+"/api/users/settings", h.token(t, h.alice),
		protocol.Settings{PersonalUI: json.RawMessage(`{"theme":"dark"}`)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[protocol.Settings](t, resp)
	assert.JSONEq(t, `{"theme":"dark"}`, string(got.PersonalUI))
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	ts := h.api(t)
	h.connect(t, h.alice)

	resp := doJSON(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[map[string]any](t, resp)
	assert.Equal(t, "healthy", health["status"])
	assert.EqualValues(t, 1, health["active_connections"])
}

func TestWebSocketEndToEnd(t *testing.T) {
	h := newHarness(t)
	ts := h.api(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	data, err := protocol.Encode(&protocol.Authenticate{Token: h.token(t, h.alice)})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, reply, err := ws.ReadMessage()
	require.NoError(t, err)
	ev, err := protocol.DecodeServerEvent(reply)
	require.NoError(t, err)
	assert.IsType(t, &protocol.Authenticated{}, ev)

	data, err = protocol.Encode(protocol.NewMessageTo(protocol.ChannelRef(h.channel.ID), "over the wire"))
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))

	_, reply, err = ws.ReadMessage()
	require.NoError(t, err)
	ev, err = protocol.DecodeServerEvent(reply)
	require.NoError(t, err)
	cm, ok := ev.(*protocol.ChannelMessage)
	require.True(t, ok, "expected channel_message, got %#v", ev)
	assert.Equal(t, "over the wire", cm.Message.Text)
}
