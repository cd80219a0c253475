package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"
)

// MediaKind selects the compression bounds for an embedded image.
type MediaKind int

const (
	MediaAvatar MediaKind = iota
	MediaBanner
	MediaBackground
	MediaServerIcon
	MediaServerBanner
	MediaAttachment
)

// Policy bounds a compressed image: at most MaxWidth pixels wide, encoded at
// Quality (0..1).
type Policy struct {
	MaxWidth int
	Quality  float64
}

// Policies maps each media kind to its bounds.
var Policies = map[MediaKind]Policy{
	MediaAvatar:       {MaxWidth: 400, Quality: 0.8},
	MediaBanner:       {MaxWidth: 800, Quality: 0.7},
	MediaBackground:   {MaxWidth: 1200, Quality: 0.6},
	MediaServerIcon:   {MaxWidth: 200, Quality: 0.8},
	MediaServerBanner: {MaxWidth: 800, Quality: 0.7},
	MediaAttachment:   {MaxWidth: 600, Quality: 0.7},
}

const dataImagePrefix = "data:image/"

var errMalformedDataURL = errors.New("malformed data url")

// Compressor shrinks data-URL images embedded in snapshots. Results are
// memoized so unchanged media is only re-encoded once per process.
type Compressor struct {
	logger zerolog.Logger
	limit  int

	mu   sync.Mutex
	memo map[[32]byte]string
}

// NewCompressor creates a compressor running at most limit encodes at once.
func NewCompressor(limit int, logger zerolog.Logger) *Compressor {
	if limit <= 0 {
		limit = 4
	}
	return &Compressor{logger: logger, limit: limit, memo: make(map[[32]byte]string)}
}

// Compress returns payload scaled down to kind's width bound and re-encoded
// as JPEG. Anything that is not a data:image URL, GIFs (animation), and
// payloads that fail to decode are returned unchanged.
func (c *Compressor) Compress(ctx context.Context, payload string, kind MediaKind) string {
	if !strings.HasPrefix(payload, dataImagePrefix) {
		return payload
	}
	if strings.HasPrefix(payload, dataImagePrefix+"gif") {
		return payload
	}
	if ctx.Err() != nil {
		return payload
	}

	key := sha256.Sum256(append([]byte{byte(kind)}, payload...))
	c.mu.Lock()
	if out, ok := c.memo[key]; ok {
		c.mu.Unlock()
		return out
	}
	c.mu.Unlock()

	out, err := compressDataURL(payload, Policies[kind])
	if err != nil {
		c.logger.Debug().Err(err).Msg("leaving image uncompressed")
		out = payload
	}

	c.mu.Lock()
	c.memo[key] = out
	c.mu.Unlock()
	return out
}

func compressDataURL(payload string, policy Policy) (string, error) {
	comma := strings.IndexByte(payload, ',')
	if comma < 0 || !strings.HasSuffix(payload[:comma], ";base64") {
		return "", errMalformedDataURL
	}
	raw, err := base64.StdEncoding.DecodeString(payload[comma+1:])
	if err != nil {
		return "", err
	}
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", err
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if policy.MaxWidth > 0 && w > policy.MaxWidth {
		h = h * policy.MaxWidth / w
		w = policy.MaxWidth
		if h < 1 {
			h = 1
		}
	}

	// JPEG has no alpha; flatten onto white first.
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var buf bytes.Buffer
	quality := int(policy.Quality * 100)
	if quality < 1 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return "", err
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

type mediaRef struct {
	ptr  *string
	kind MediaKind
}

func collectMedia(snap *Snapshot) []mediaRef {
	var refs []mediaRef
	add := func(p *string, kind MediaKind) {
		if strings.HasPrefix(*p, dataImagePrefix) {
			refs = append(refs, mediaRef{ptr: p, kind: kind})
		}
	}
	for i := range snap.Users {
		add(&snap.Users[i].Avatar, MediaAvatar)
		add(&snap.Users[i].Banner, MediaBanner)
	}
	for i := range snap.Servers {
		add(&snap.Servers[i].IconImg, MediaServerIcon)
		add(&snap.Servers[i].Banner, MediaServerBanner)
		add(&snap.Servers[i].DefChBg, MediaBackground)
	}
	for i := range snap.Conversations {
		cs := &snap.Conversations[i]
		add(&cs.Background, MediaBackground)
		for j := range cs.Messages {
			add(&cs.Messages[j].Image, MediaAttachment)
			add(&cs.Messages[j].Avatar, MediaAvatar)
		}
	}
	return refs
}

// CompressSnapshot compresses every embedded image of snap in place. Each
// field is written by exactly one goroutine.
func (c *Compressor) CompressSnapshot(ctx context.Context, snap *Snapshot) error {
	refs := collectMedia(snap)
	if len(refs) == 0 {
		return nil
	}

	var before, after atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.limit)
	for _, r := range refs {
		g.Go(func() error {
			before.Add(int64(len(*r.ptr)))
			*r.ptr = c.Compress(ctx, *r.ptr, r.kind)
			after.Add(int64(len(*r.ptr)))
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.logger.Debug().
		Int("images", len(refs)).
		Str("before", humanize.Bytes(uint64(before.Load()))).
		Str("after", humanize.Bytes(uint64(after.Load()))).
		Msg("compressed snapshot media")
	return nil
}
