package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/syntaxy/pkg/auth"
	"github.com/aeolun/syntaxy/pkg/protocol"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Close codes sent to clients when the server ends a session.
const (
	CloseSuperseded = protocol.CloseSuperseded
	CloseAuthFailed = protocol.CloseAuthFailed
)

// Session is one websocket connection and, once authenticated, the identity
// bound to it.
type Session struct {
	ID   uint64
	conn Transport

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex // serializes all writes to conn

	writeTimeout time.Duration
	limiter      *rate.Limiter

	mu       sync.RWMutex
	identity *auth.Identity

	dropped atomic.Uint64
}

func newSession(id uint64, conn Transport, sendBuffer int, writeTimeout time.Duration, limiter *rate.Limiter) *Session {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &Session{
		ID:           id,
		conn:         conn,
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		limiter:      limiter,
	}
}

// Identity returns the authenticated identity, if any.
func (s *Session) Identity() (auth.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return auth.Identity{}, false
	}
	return *s.identity, true
}

func (s *Session) setIdentity(id auth.Identity) {
	s.mu.Lock()
	s.identity = &id
	s.mu.Unlock()
}

// Writable reports whether the session still accepts frames.
func (s *Session) Writable() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Push queues a frame for the write pump without blocking. It returns false
// when the session is closed or its queue is full; the frame is dropped.
func (s *Session) Push(data []byte) bool {
	if !s.Writable() {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// writeNow writes a frame synchronously, bypassing the queue. Used when the
// frame must be on the wire before the connection is closed.
func (s *Session) writeNow(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with code and reason, then closes the transport.
// Safe to call more than once.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)

		s.writeMu.Lock()
		msg := websocket.FormatCloseMessage(code, reason)
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.writeMu.Unlock()

		s.conn.Close()
	})
}

// allow applies the per-connection inbound rate limit.
func (s *Session) allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}

// writePump drains the send queue and keeps the connection alive with pings.
// It returns when the session is closed or a write fails.
func (s *Session) writePump(pingInterval time.Duration) {
	var tick <-chan time.Time
	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			if err := s.writeNow(data); err != nil {
				s.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-tick:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
			s.writeMu.Unlock()
			if err != nil {
				s.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}
