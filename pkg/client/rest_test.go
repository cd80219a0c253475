package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aeolun/syntaxy/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIClientSendsBearerAndDecodesErrors(t *testing.T) {
	var gotAuth, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.Method + " " + r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(protocol.APIError{Error: protocol.ErrMsgPermissionDenied})
	}))
	defer ts.Close()

	c := NewAPIClient(ts.URL+"/", "tok")
	_, err := c.PostMessage(context.Background(), protocol.DMRef(7), protocol.PostMessageRequest{Text: "hi"})
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusForbidden))
	assert.Contains(t, err.Error(), protocol.ErrMsgPermissionDenied)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "POST /api/dms/7/messages", gotPath)

	c.SetToken("fresh")
	_ = c.DeleteMessage(context.Background(), 42)
	assert.Equal(t, "Bearer fresh", gotAuth)
	assert.Equal(t, "DELETE /api/messages/42", gotPath)
}

func TestAPIClientNoContent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	c := NewAPIClient(ts.URL, "tok")
	assert.NoError(t, c.DeleteMessage(context.Background(), 1))
}

func TestWebSocketURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:3001":      "ws://localhost:3001/ws",
		"https://chat.example.com/":  "wss://chat.example.com/ws",
		"https://example.com/syntax": "wss://example.com/syntax/ws",
		"ws://localhost:3001":        "ws://localhost:3001/ws",
	}
	for in, want := range cases {
		got, err := WebSocketURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	for _, bad := range []string{"ftp://example.com", "localhost:3001", "http://"} {
		_, err := WebSocketURL(bad)
		assert.Error(t, err, bad)
	}
}
