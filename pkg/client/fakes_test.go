package client

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/syntaxy/pkg/protocol"
	"github.com/gorilla/websocket"
)

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), delay: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs every timer that came due, in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Active returns the delays of timers that have neither fired nor stopped.
func (c *fakeClock) Active() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.delay)
		}
	}
	return out
}

var errFakeClosed = errors.New("fake conn closed")

// fakeConn is a scripted Conn.
type fakeConn struct {
	inbound chan []byte
	fail    chan error
	writes  chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		fail:    make(chan error, 1),
		writes:  make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case err := <-c.fail:
		return 0, nil, err
	case <-c.closed:
		return 0, nil, errFakeClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errFakeClosed
	default:
	}
	if messageType == websocket.TextMessage {
		c.writes <- data
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, ev protocol.ServerEvent) {
	t.Helper()
	data, err := protocol.Encode(ev)
	if err != nil {
		t.Fatalf("encode %s: %v", ev.EventType(), err)
	}
	c.inbound <- data
}

// drop makes the pending ReadMessage fail with err.
func (c *fakeConn) drop(err error) {
	c.fail <- err
}

func (c *fakeConn) nextWrite(t *testing.T) protocol.ClientEvent {
	t.Helper()
	select {
	case data := <-c.writes:
		ev, err := protocol.DecodeClientEvent(data)
		if err != nil {
			t.Fatalf("client wrote undecodable frame %q: %v", data, err)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a client frame")
		return nil
	}
}

type dialResult struct {
	conn Conn
	err  error
}

// fakeDialer hands out one scripted result per Dial call.
type fakeDialer struct {
	results chan dialResult
	mu      sync.Mutex
	calls   int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{results: make(chan dialResult, 8)}
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	select {
	case r := <-d.results:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) succeed() *fakeConn {
	conn := newFakeConn()
	d.results <- dialResult{conn: conn}
	return conn
}

func (d *fakeDialer) failWith(err error) {
	d.results <- dialResult{err: err}
}

func nextUpdate(t *testing.T, g *Gateway) StateUpdate {
	t.Helper()
	select {
	case u := <-g.StateUpdates():
		return u
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a state update (state %s)", g.State())
		return StateUpdate{}
	}
}

func expectState(t *testing.T, g *Gateway, want State) StateUpdate {
	t.Helper()
	u := nextUpdate(t, g)
	if u.State != want {
		t.Fatalf("expected state %s, got %s (err %v)", want, u.State, u.Err)
	}
	return u
}

// recordingNotifier collects notifications.
type recordingNotifier struct {
	mu    sync.Mutex
	notes []string
}

func (n *recordingNotifier) Notify(title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, title+": "+body)
	return nil
}

func (n *recordingNotifier) Notes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.notes...)
}
