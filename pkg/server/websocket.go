package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aeolun/syntaxy/pkg/protocol"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

func (s *Server) newUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if s.origins.check(r) {
				return true
			}
			s.logger.Warn().Str("origin", r.Header.Get("Origin")).Msg("blocked websocket from disallowed origin")
			return false
		},
	}
}

// HandleWebSocket upgrades the request and runs the session until the peer
// goes away, the session is superseded, or the server shuts down.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.ServeTransport(ws)
}

// ServeTransport runs a session over an already established connection.
// It blocks until the session ends.
func (s *Server) ServeTransport(conn Transport) {
	limiter := rate.NewLimiter(rate.Limit(s.config.MessageRateLimit), s.config.MessageBurst)
	sess := newSession(s.nextSessionID.Add(1), conn, s.config.SendBuffer, s.config.WriteTimeout, limiter)

	s.connMu.Lock()
	s.conns[sess] = struct{}{}
	s.connMu.Unlock()

	s.metrics.RecordConnectionOpened()
	s.logger.Debug().Uint64("session", sess.ID).Str("remote", conn.RemoteAddr().String()).Msg("websocket connected")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.writePump(s.config.PingInterval)
	}()

	s.readLoop(sess)
}

// readLoop reads frames until the connection fails. Frames are handled one at
// a time, in arrival order.
func (s *Server) readLoop(sess *Session) {
	defer s.disconnect(sess)

	conn := sess.conn
	conn.SetReadLimit(s.config.MaxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Uint64("session", sess.ID).Msg("read failed")
			}
			return
		}
		if !sess.Writable() {
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))

		if msgType != websocket.TextMessage {
			s.sendError(sess, protocol.ErrMsgInvalidFormat)
			continue
		}
		if !sess.allow() {
			s.metrics.RecordRateLimited()
			s.sendError(sess, protocol.ErrMsgRateLimited)
			continue
		}

		s.handleFrame(sess, data)
	}
}

// handleFrame decodes and dispatches one inbound frame.
func (s *Server) handleFrame(sess *Session, data []byte) {
	ev, err := protocol.DecodeClientEvent(data)
	if err != nil {
		kind := "invalid"
		message := protocol.ErrMsgInvalidFormat
		if errors.Is(err, protocol.ErrUnknownType) {
			kind = "unsupported"
			message = protocol.ErrMsgUnsupportedType
		}
		s.metrics.RecordHandlerError("unknown", kind)
		s.logger.Debug().Err(err).Uint64("session", sess.ID).Msg("rejected frame")
		s.sendError(sess, message)
		return
	}

	s.metrics.RecordFrame(ev.EventType())

	ctx, cancel := context.WithTimeout(s.ctx, s.config.HandlerTimeout)
	defer cancel()
	if err := s.handleEvent(ctx, sess, ev); err != nil {
		s.reportError(sess, ev.EventType(), err)
	}
}

// disconnect releases the session's registry slot, unless a newer session
// already took it, and closes the connection.
func (s *Server) disconnect(sess *Session) {
	if id, ok := sess.Identity(); ok {
		if s.registry.Unregister(id.UserID, sess) {
			s.logger.Info().Int64("user_id", id.UserID).Uint64("session", sess.ID).Msg("disconnected")
		}
	}
	sess.Close(websocket.CloseNormalClosure, "")

	s.connMu.Lock()
	delete(s.conns, sess)
	s.connMu.Unlock()
}
