package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/syntaxy/pkg/auth"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server is the chat gateway: a websocket endpoint for live events and a REST
// surface under /api for history and fallbacks.
type Server struct {
	db       DatabaseStore
	verifier auth.Verifier
	config   ServerConfig
	registry *Registry
	router   *Router
	metrics  *Metrics
	logger   zerolog.Logger

	upgrader *websocket.Upgrader
	origins  originPolicy

	ctx           context.Context
	cancel        context.CancelFunc
	nextSessionID atomic.Uint64
	startTime     time.Time

	connMu sync.Mutex
	conns  map[*Session]struct{} // every open session, authenticated or not

	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup
}

// NewServer creates a server instance. metrics may be nil.
func NewServer(db DatabaseStore, verifier auth.Verifier, config ServerConfig, metrics *Metrics, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	registry := NewRegistry(metrics, logger)
	s := &Server{
		db:        db,
		verifier:  verifier,
		config:    config,
		registry:  registry,
		router:    NewRouter(db, registry, metrics, logger),
		metrics:   metrics,
		logger:    logger,
		origins:   newOriginPolicy(config.AllowedOrigins, logger),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
		conns:     make(map[*Session]struct{}),
	}
	s.upgrader = s.newUpgrader()
	return s
}

// Registry exposes the live session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Handler returns the HTTP handler serving /ws, /api, /healthz and, when
// enabled, /metrics.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.HandleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.HealthHandler).Methods(http.MethodGet)
	if s.config.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	s.registerAPI(r.PathPrefix("/api").Subrouter())
	return r
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.HTTPAddr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("gateway listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("http server stopped")
		}
	}()
	return nil
}

// Addr returns the listening address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes every session and waits for in-flight work to finish.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.registry.CloseAll(websocket.CloseGoingAway, "server shutting down")
	s.connMu.Lock()
	for sess := range s.conns {
		sess.Close(websocket.CloseGoingAway, "server shutting down")
	}
	s.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
