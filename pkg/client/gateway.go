package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aeolun/syntaxy/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// State is a ClientGateway lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingAuth
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transitions lists the legal moves of the gateway state machine.
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateAwaitingAuth, StateDisconnected},
	StateAwaitingAuth: {StateReady, StateDisconnected},
	StateReady:        {StateDisconnected},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	ErrNotReady           = errors.New("gateway is not ready")
	ErrGatewayClosed      = errors.New("gateway is closed")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrSuperseded         = errors.New("connection superseded by another session")
	ErrAuthRejected       = errors.New("server rejected credentials")
	errIllegalTransition  = errors.New("illegal state transition")
	errClosedBeforeReady  = errors.New("connection closed before authentication completed")
)

// StateUpdate is published on every state change. Attempt and Delay describe
// the scheduled reconnect, if any. Exhausted marks the Disconnected update
// after which no reconnect is scheduled until Start.
type StateUpdate struct {
	State     State
	Attempt   int
	Delay     time.Duration
	Err       error
	Exhausted bool
}

// Conn is the subset of *websocket.Conn the gateway needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a transport to the server.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Gateway owns the socket lifecycle: connect, authenticate, dispatch inbound
// events and reconnect with capped exponential backoff.
type Gateway struct {
	dialer      Dialer
	clock       Clock
	logger      zerolog.Logger
	dialTimeout time.Duration
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mu         sync.Mutex
	state      State
	token      string
	conn       Conn
	gen        uint64 // bumped on every attempt; stale callbacks compare against it
	failures   int    // consecutive failed reconnect attempts
	retrying   bool
	exhausted  bool
	timer      Timer
	cancelDial context.CancelFunc
	closed     bool

	writeMu sync.Mutex

	events  chan protocol.ServerEvent
	updates chan StateUpdate
	done    chan struct{}
}

// GatewayOption customizes a Gateway.
type GatewayOption func(*Gateway)

// WithClock replaces the clock driving reconnect timers.
func WithClock(c Clock) GatewayOption {
	return func(g *Gateway) { g.clock = c }
}

// WithBackoff overrides the reconnect schedule. maxAttempts 0 disables
// automatic reconnects.
func WithBackoff(base, max time.Duration, maxAttempts int) GatewayOption {
	return func(g *Gateway) {
		g.baseDelay = base
		g.maxDelay = max
		g.maxAttempts = maxAttempts
	}
}

// WithDialTimeout bounds each connection attempt.
func WithDialTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.dialTimeout = d }
}

// NewGateway creates a gateway in the Disconnected state. Nothing happens
// until Start.
func NewGateway(dialer Dialer, token string, logger zerolog.Logger, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		dialer:      dialer,
		clock:       RealClock(),
		logger:      logger,
		dialTimeout: 10 * time.Second,
		baseDelay:   BaseReconnectDelay,
		maxDelay:    MaxReconnectDelay,
		maxAttempts: MaxReconnectAttempts,
		state:       StateDisconnected,
		token:       token,
		events:      make(chan protocol.ServerEvent, 256),
		updates:     make(chan StateUpdate, 64),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Events delivers inbound server events, including error frames.
func (g *Gateway) Events() <-chan protocol.ServerEvent { return g.events }

// StateUpdates delivers state changes. Updates are dropped if the consumer
// falls behind; State always reports the current value.
func (g *Gateway) StateUpdates() <-chan StateUpdate { return g.updates }

// Done is closed by Close.
func (g *Gateway) Done() <-chan struct{} { return g.done }

// State returns the current state.
func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Exhausted reports whether the gateway gave up reconnecting. It stays set
// until the next Start.
func (g *Gateway) Exhausted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exhausted
}

// SetToken replaces the credential used for the next authentication.
func (g *Gateway) SetToken(token string) {
	g.mu.Lock()
	g.token = token
	g.mu.Unlock()
}

// Start begins connecting. It is a no-op unless the gateway is Disconnected,
// and re-arms the reconnect budget.
func (g *Gateway) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrGatewayClosed
	}
	if g.state != StateDisconnected {
		return nil
	}
	g.failures = 0
	g.retrying = false
	g.exhausted = false
	g.stopTimerLocked()
	g.attemptLocked()
	return nil
}

// Send writes an event on the live connection. It fails with ErrNotReady
// unless the gateway is Ready; callers fall back to REST.
func (g *Gateway) Send(ev protocol.ClientEvent) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}

	g.mu.Lock()
	if g.state != StateReady || g.conn == nil {
		g.mu.Unlock()
		return ErrNotReady
	}
	conn, gen := g.conn, g.gen
	g.mu.Unlock()

	if err := g.write(conn, data); err != nil {
		g.lost(gen, err)
		return fmt.Errorf("failed to send %s: %w", ev.EventType(), err)
	}
	return nil
}

// Close shuts the gateway down. No reconnect is scheduled afterwards.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.gen++
	g.stopTimerLocked()
	if g.cancelDial != nil {
		g.cancelDial()
		g.cancelDial = nil
	}
	conn := g.conn
	g.conn = nil
	if g.state != StateDisconnected {
		g.state = StateDisconnected
		g.publishLocked(StateUpdate{State: StateDisconnected, Err: ErrGatewayClosed})
	}
	g.mu.Unlock()

	if conn != nil {
		g.writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		g.writeMu.Unlock()
		conn.Close()
	}
	close(g.done)
}

func (g *Gateway) write(conn Conn, data []byte) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// setStateLocked moves the machine to next and publishes the change.
func (g *Gateway) setStateLocked(next State, update StateUpdate) {
	if !canTransition(g.state, next) {
		g.logger.Error().
			Stringer("from", g.state).
			Stringer("to", next).
			Err(errIllegalTransition).
			Msg("gateway state machine violation")
		return
	}
	g.logger.Debug().Stringer("from", g.state).Stringer("to", next).Msg("gateway transition")
	g.state = next
	update.State = next
	g.publishLocked(update)
}

func (g *Gateway) publishLocked(u StateUpdate) {
	select {
	case g.updates <- u:
	default:
		g.logger.Warn().Stringer("state", u.State).Msg("state update dropped, consumer is behind")
	}
}

func (g *Gateway) stopTimerLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

// attemptLocked starts one connection attempt.
func (g *Gateway) attemptLocked() {
	g.gen++
	gen := g.gen
	ctx, cancel := context.WithTimeout(context.Background(), g.dialTimeout)
	g.cancelDial = cancel
	g.setStateLocked(StateConnecting, StateUpdate{Attempt: g.failures + 1})
	go g.connect(ctx, gen)
}

func (g *Gateway) connect(ctx context.Context, gen uint64) {
	conn, err := g.dialer.Dial(ctx)

	g.mu.Lock()
	if g.cancelDial != nil {
		g.cancelDial()
		g.cancelDial = nil
	}
	if gen != g.gen || g.closed {
		g.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		g.mu.Unlock()
		g.lost(gen, fmt.Errorf("dial failed: %w", err))
		return
	}
	g.conn = conn
	token := g.token
	g.mu.Unlock()

	data, err := protocol.Encode(&protocol.Authenticate{Token: token})
	if err == nil {
		err = g.write(conn, data)
	}
	if err != nil {
		g.lost(gen, fmt.Errorf("failed to authenticate: %w", err))
		return
	}

	g.mu.Lock()
	if gen != g.gen {
		g.mu.Unlock()
		return
	}
	g.setStateLocked(StateAwaitingAuth, StateUpdate{})
	g.mu.Unlock()

	g.readLoop(conn, gen)
}

// readLoop dispatches inbound frames until the connection fails.
func (g *Gateway) readLoop(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			g.lost(gen, err)
			return
		}

		ev, err := protocol.DecodeServerEvent(data)
		if err != nil {
			g.logger.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}

		if _, ok := ev.(*protocol.Authenticated); ok {
			g.mu.Lock()
			if gen == g.gen && g.state == StateAwaitingAuth {
				g.failures = 0
				g.retrying = false
				g.setStateLocked(StateReady, StateUpdate{})
			}
			g.mu.Unlock()
		}

		select {
		case g.events <- ev:
		case <-g.done:
			return
		}
	}
}

// lost handles the end of connection attempt gen: the transport closed,
// errored, or never opened.
func (g *Gateway) lost(gen uint64, cause error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if gen != g.gen || g.closed {
		return
	}
	g.gen++

	conn := g.conn
	g.conn = nil
	if conn != nil {
		go conn.Close()
	}

	wasReady := g.state == StateReady
	if !wasReady && cause == nil {
		cause = errClosedBeforeReady
	}

	var closeErr *websocket.CloseError
	if errors.As(cause, &closeErr) {
		switch closeErr.Code {
		case protocol.CloseSuperseded:
			g.logger.Info().Msg("connection superseded, not reconnecting")
			g.setStateLocked(StateDisconnected, StateUpdate{Err: ErrSuperseded})
			return
		case protocol.CloseAuthFailed:
			g.logger.Warn().Msg("credentials rejected, not reconnecting")
			g.setStateLocked(StateDisconnected, StateUpdate{Err: ErrAuthRejected})
			return
		}
	}

	if g.retrying {
		g.failures++
	}
	g.retrying = true

	if g.failures >= g.maxAttempts {
		g.logger.Warn().Int("attempts", g.failures).Err(cause).Msg("giving up on reconnect")
		g.exhausted = true
		g.setStateLocked(StateDisconnected, StateUpdate{
			Attempt:   g.failures,
			Err:       ErrReconnectExhausted,
			Exhausted: true,
		})
		return
	}

	delay := Backoff(g.failures, g.baseDelay, g.maxDelay)
	attempt := g.failures + 1
	g.logger.Debug().Err(cause).Int("attempt", attempt).Dur("delay", delay).Msg("scheduling reconnect")

	// Arm before publishing so observers never see Disconnected without
	// the timer in place.
	g.stopTimerLocked()
	next := g.gen
	g.timer = g.clock.AfterFunc(delay, func() { g.reconnect(next) })
	g.setStateLocked(StateDisconnected, StateUpdate{Attempt: attempt, Delay: delay, Err: cause})
}

// reconnect fires when the backoff timer armed at generation gen expires.
func (g *Gateway) reconnect(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if gen != g.gen || g.closed || g.state != StateDisconnected {
		return
	}
	g.timer = nil
	g.attemptLocked()
}
