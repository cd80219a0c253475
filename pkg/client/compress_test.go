package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"

	"github.com/aeolun/syntaxy/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngDataURL(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func decodeJPEGDataURL(t *testing.T, s string) image.Image {
	t.Helper()
	require.True(t, strings.HasPrefix(s, "data:image/jpeg;base64,"), "expected jpeg data url")
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, "data:image/jpeg;base64,"))
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	return img
}

func TestCompressScalesToPolicyWidth(t *testing.T) {
	c := NewCompressor(2, zerolog.Nop())
	out := c.Compress(context.Background(), pngDataURL(t, 1000, 500), MediaAvatar)

	img := decodeJPEGDataURL(t, out)
	assert.Equal(t, 400, img.Bounds().Dx())
	assert.Equal(t, 200, img.Bounds().Dy(), "aspect ratio is kept")
}

func TestCompressKeepsSmallImageSize(t *testing.T) {
	c := NewCompressor(2, zerolog.Nop())
	out := c.Compress(context.Background(), pngDataURL(t, 120, 80), MediaBackground)

	img := decodeJPEGDataURL(t, out)
	assert.Equal(t, 120, img.Bounds().Dx())
	assert.Equal(t, 80, img.Bounds().Dy())
}

func TestCompressPassesThrough(t *testing.T) {
	c := NewCompressor(2, zerolog.Nop())
	ctx := context.Background()

	cases := map[string]string{
		"gif":       "data:image/gif;base64,R0lGODlhAQABAAAAACw=",
		"url":       "https://example.com/avatar.png",
		"empty":     "",
		"bad data":  "data:image/png;base64,!!!not-base64!!!",
		"not image": "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("plain text")),
		"no comma":  "data:image/png;base64",
	}
	for name, in := range cases {
		assert.Equal(t, in, c.Compress(ctx, in, MediaAttachment), name)
	}
}

func TestCompressSnapshotTouchesEveryMediaField(t *testing.T) {
	c := NewCompressor(2, zerolog.Nop())
	wide := pngDataURL(t, 1500, 100)
	gif := "data:image/gif;base64,R0lGODlhAQABAAAAACw="

	snap := Snapshot{
		Users:   []protocol.User{{ID: 1, Avatar: wide, Banner: gif}},
		Servers: []ServerInfo{{ID: 1, IconImg: wide}},
		Conversations: []ConversationState{{
			Conversation: Conversation{Ref: dm7, Background: wide},
			Messages:     []Item{{Message: protocol.Message{ID: 1, Image: wide, Text: "pic"}}},
		}},
	}
	require.NoError(t, c.CompressSnapshot(context.Background(), &snap))

	assert.Equal(t, 400, decodeJPEGDataURL(t, snap.Users[0].Avatar).Bounds().Dx())
	assert.Equal(t, gif, snap.Users[0].Banner)
	assert.Equal(t, 200, decodeJPEGDataURL(t, snap.Servers[0].IconImg).Bounds().Dx())
	assert.Equal(t, 1200, decodeJPEGDataURL(t, snap.Conversations[0].Background).Bounds().Dx())
	assert.Equal(t, 600, decodeJPEGDataURL(t, snap.Conversations[0].Messages[0].Image).Bounds().Dx())
}

func TestCompressMemoizes(t *testing.T) {
	c := NewCompressor(1, zerolog.Nop())
	in := pngDataURL(t, 900, 90)
	first := c.Compress(context.Background(), in, MediaBanner)
	second := c.Compress(context.Background(), in, MediaBanner)
	assert.Equal(t, first, second)
	assert.Len(t, c.memo, 1)
}
