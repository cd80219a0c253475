package server

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/syntaxy/pkg/auth"
	"github.com/aeolun/syntaxy/pkg/database"
	"github.com/aeolun/syntaxy/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const testSecret = "test-secret"

// failingDB wraps a real database and fails message creation when failCreate
// is set.
type failingDB struct {
	*database.DB

	mu         sync.Mutex
	failCreate error
}

func (f *failingDB) setFailCreate(err error) {
	f.mu.Lock()
	f.failCreate = err
	f.mu.Unlock()
}

func (f *failingDB) CreateMessage(ctx context.Context, msg database.NewMessage) (*database.Message, error) {
	f.mu.Lock()
	err := f.failCreate
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.DB.CreateMessage(ctx, msg)
}

// fakeConn is an in-memory Transport. Frames the test sends appear on
// ReadMessage; frames the server writes appear on writes.
type fakeConn struct {
	inbound chan []byte
	writes  chan []byte

	mu        sync.Mutex
	closed    bool
	closeCode int
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 64),
		writes:  make(chan []byte, 256),
		closeCh: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-c.inbound:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, data, nil
	case <-c.closeCh:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return net.ErrClosed
	}
	select {
	case c.writes <- data:
		return nil
	default:
		return io.ErrShortWrite
	}
}

func (c *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		c.mu.Lock()
		c.closeCode = int(binary.BigEndian.Uint16(data[:2]))
		c.mu.Unlock()
	}
	return nil
}

func (c *fakeConn) SetReadLimit(int64)                {}
func (c *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}
func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.closeCh)
	})
	return nil
}

func (c *fakeConn) code() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// send encodes ev and queues it as an inbound frame.
func (c *fakeConn) send(t *testing.T, ev protocol.Event) {
	t.Helper()
	data, err := protocol.Encode(ev)
	if err != nil {
		t.Fatalf("failed to encode %s: %v", ev.EventType(), err)
	}
	c.inbound <- data
}

// next returns the next event written by the server.
func (c *fakeConn) next(t *testing.T) protocol.ServerEvent {
	t.Helper()
	select {
	case data := <-c.writes:
		ev, err := protocol.DecodeServerEvent(data)
		if err != nil {
			t.Fatalf("server wrote undecodable frame %q: %v", data, err)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a server frame")
		return nil
	}
}

// expectNone asserts nothing is written for d.
func (c *fakeConn) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case data := <-c.writes:
		t.Fatalf("expected no frame, got %s", data)
	case <-time.After(d):
	}
}

func (c *fakeConn) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.closeCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for connection close")
	}
}

type harness struct {
	db       *failingDB
	verifier *auth.HMACVerifier
	srv      *Server

	alice, bob, carol *database.User
	server            *database.Server
	channel           *database.Channel
	dm                *database.DMChannel
}

func testConfig() ServerConfig {
	cfg := DefaultConfig()
	cfg.JWTSecret = testSecret
	cfg.PingInterval = 0
	cfg.MessageRateLimit = 1000
	cfg.MessageBurst = 1000
	cfg.MetricsEnabled = false
	return cfg
}

// newHarness starts a server over a fresh database holding alice (owner) and
// bob in one server with one channel, carol as an outsider, and a DM between
// alice and bob.
func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithConfig(t, testConfig())
}

func newHarnessWithConfig(t *testing.T, cfg ServerConfig) *harness {
	t.Helper()
	ctx := context.Background()

	raw, err := database.Open(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { raw.Close() })

	h := &harness{db: &failingDB{DB: raw}}
	mustUser := func(name string) *database.User {
		u, err := raw.CreateUser(ctx, name, "")
		if err != nil {
			t.Fatalf("failed to create user %s: %v", name, err)
		}
		return u
	}
	h.alice = mustUser("alice")
	h.bob = mustUser("bob")
	h.carol = mustUser("carol")

	if h.server, err = raw.CreateServer(ctx, "syntaxy", h.alice.ID); err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	if err := raw.AddServerMember(ctx, h.server.ID, h.bob.ID, false); err != nil {
		t.Fatalf("failed to add member: %v", err)
	}
	if h.channel, err = raw.CreateChannel(ctx, h.server.ID, "general"); err != nil {
		t.Fatalf("failed to create channel: %v", err)
	}
	if h.dm, err = raw.GetOrCreateDM(ctx, h.alice.ID, h.bob.ID); err != nil {
		t.Fatalf("failed to create dm: %v", err)
	}

	if h.verifier, err = auth.NewHMACVerifier(testSecret); err != nil {
		t.Fatalf("failed to create verifier: %v", err)
	}
	h.srv = NewServer(h.db, h.verifier, cfg, nil, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.srv.Stop(ctx)
	})
	return h
}

func (h *harness) token(t *testing.T, u *database.User) string {
	t.Helper()
	tok, err := h.verifier.Issue(auth.Identity{UserID: u.ID, Username: u.Username}, time.Hour)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return tok
}

// open starts a session without authenticating it.
func (h *harness) open(t *testing.T) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	go h.srv.ServeTransport(conn)
	return conn
}

// connect opens a session and authenticates it as u.
func (h *harness) connect(t *testing.T, u *database.User) *fakeConn {
	t.Helper()
	conn := h.open(t)
	conn.send(t, &protocol.Authenticate{Token: h.token(t, u)})
	ev := conn.next(t)
	got, ok := ev.(*protocol.Authenticated)
	if !ok {
		t.Fatalf("expected authenticated, got %#v", ev)
	}
	if got.UserID != u.ID {
		t.Fatalf("authenticated as %d, want %d", got.UserID, u.ID)
	}
	return conn
}
