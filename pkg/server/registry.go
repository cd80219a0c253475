package server

import (
	"sync"

	"github.com/rs/zerolog"
)

// Registry maps an authenticated identity to its single live session.
// A new registration for an identity supersedes the previous one, and the
// superseded session is closed.
type Registry struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
	metrics  *Metrics
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(metrics *Metrics, logger zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[int64]*Session),
		metrics:  metrics,
		logger:   logger,
	}
}

// Register binds userID to sess and returns the session it replaced, if any.
// The replaced session is closed after the registry lock is released.
func (r *Registry) Register(userID int64, sess *Session) *Session {
	r.mu.Lock()
	prev := r.sessions[userID]
	r.sessions[userID] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SetActiveConnections(count)

	if prev == nil || prev == sess {
		return nil
	}

	r.metrics.RecordSuperseded()
	r.logger.Debug().
		Int64("user_id", userID).
		Uint64("old_session", prev.ID).
		Uint64("new_session", sess.ID).
		Msg("session superseded")
	prev.Close(CloseSuperseded, "connected from another location")
	return prev
}

// Lookup returns the live session for userID.
func (r *Registry) Lookup(userID int64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[userID]
	return sess, ok
}

// Unregister removes userID's entry only if it still points at sess, so a
// superseded session's close path cannot evict its replacement.
func (r *Registry) Unregister(userID int64, sess *Session) bool {
	r.mu.Lock()
	current, ok := r.sessions[userID]
	removed := ok && current == sess
	if removed {
		delete(r.sessions, userID)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if removed {
		r.metrics.SetActiveConnections(count)
	}
	return removed
}

// Identities returns a snapshot of every registered identity.
func (r *Registry) Identities() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of registered identities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every registered session. Used on shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[int64]*Session)
	r.mu.Unlock()

	r.metrics.SetActiveConnections(0)
	for _, sess := range sessions {
		sess.Close(code, reason)
	}
}
