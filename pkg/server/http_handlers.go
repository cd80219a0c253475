package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aeolun/syntaxy/pkg/auth"
	"github.com/aeolun/syntaxy/pkg/database"
	"github.com/aeolun/syntaxy/pkg/protocol"
	"github.com/gorilla/mux"
)

type identityKey struct{}

// IdentityFrom returns the identity the bearer middleware attached to ctx.
func IdentityFrom(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(auth.Identity)
	return id, ok
}

func (s *Server) registerAPI(r *mux.Router) {
	r.Use(s.bearerAuth)

	r.HandleFunc("/conversations", s.conversationsHandler).Methods(http.MethodGet)
	r.HandleFunc("/channels/{id:[0-9]+}/messages", s.listMessagesHandler(false)).Methods(http.MethodGet)
	r.HandleFunc("/channels/{id:[0-9]+}/messages", s.postMessageHandler(false)).Methods(http.MethodPost)
	r.HandleFunc("/dms/{id:[0-9]+}/messages", s.listMessagesHandler(true)).Methods(http.MethodGet)
	r.HandleFunc("/dms/{id:[0-9]+}/messages", s.postMessageHandler(true)).Methods(http.MethodPost)

	r.HandleFunc("/messages/{id:[0-9]+}", s.editMessageHandler).Methods(http.MethodPut)
	r.HandleFunc("/messages/{id:[0-9]+}", s.deleteMessageHandler).Methods(http.MethodDelete)
	r.HandleFunc("/messages/{id:[0-9]+}/reactions", s.reactionHandler).Methods(http.MethodPost)

	r.HandleFunc("/users/settings", s.settingsHandler).Methods(http.MethodPut)
}

// bearerAuth rejects requests without a valid bearer token.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.verifier.Verify(r.Header.Get("Authorization"))
		if err != nil {
			s.metrics.RecordAuth("failure")
			writeJSONError(w, http.StatusUnauthorized, protocol.ErrMsgInvalidToken)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func refFor(dm bool, id int64) protocol.ConversationRef {
	if dm {
		return protocol.DMRef(id)
	}
	return protocol.ChannelRef(id)
}

func (s *Server) conversationsHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	convs, err := s.db.ListConversations(r.Context(), id.UserID)
	if err != nil {
		s.writeHandlerError(w, err)
		return
	}
	if convs == nil {
		convs = []protocol.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) listMessagesHandler(dm bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := IdentityFrom(r.Context())
		convID, err := pathID(r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, protocol.ErrMsgInvalidFormat)
			return
		}
		ref := refFor(dm, convID)
		if _, err := s.authorize(r.Context(), ref, id.UserID); err != nil {
			s.writeHandlerError(w, err)
			return
		}

		rows, err := s.db.ListMessages(r.Context(), ref, s.config.HistoryLimit)
		if err != nil {
			s.writeHandlerError(w, err)
			return
		}
		out := make([]protocol.Message, 0, len(rows))
		for _, row := range rows {
			out = append(out, row.ToProtocol())
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) postMessageHandler(dm bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := IdentityFrom(r.Context())
		convID, err := pathID(r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, protocol.ErrMsgInvalidFormat)
			return
		}
		var req protocol.PostMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, protocol.ErrMsgInvalidFormat)
			return
		}

		msg, err := s.postMessage(r.Context(), id, refFor(dm, convID), req.Text, req.Image, req.ReplyTo, req.Nonce)
		if err != nil {
			s.writeHandlerError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	}
}

// editMessageHandler edits a message in the scope it was stored under.
func (s *Server) editMessageHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	messageID, err := pathID(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, protocol.ErrMsgInvalidFormat)
		return
	}
	var req protocol.EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, protocol.ErrMsgInvalidFormat)
		return
	}

	existing, err := s.db.GetMessage(r.Context(), messageID)
	if err != nil {
		s.writeHandlerError(w, err)
		return
	}
	msg, err := s.editMessage(r.Context(), id, existing.Scope(), messageID, req.Text)
	if err != nil {
		s.writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) deleteMessageHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	messageID, err := pathID(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, protocol.ErrMsgInvalidFormat)
		return
	}

	existing, err := s.db.GetMessage(r.Context(), messageID)
	if err != nil {
		s.writeHandlerError(w, err)
		return
	}
	if err := s.deleteMessage(r.Context(), id, existing.Scope(), messageID); err != nil {
		s.writeHandlerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reactionHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	messageID, err := pathID(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, protocol.ErrMsgInvalidFormat)
		return
	}
	var req protocol.ReactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, protocol.ErrMsgInvalidFormat)
		return
	}

	reactions, err := s.toggleReaction(r.Context(), id, messageID, req.Emoji)
	if err != nil {
		s.writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.ReactionsResponse{MessageID: messageID, Reactions: reactions})
}

func (s *Server) settingsHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	var req protocol.Settings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, protocol.ErrMsgInvalidFormat)
		return
	}

	saved, err := s.db.SaveSettings(r.Context(), id.UserID, database.Settings{
		Gallery:    req.Gallery,
		PersonalUI: req.PersonalUI,
	})
	if err != nil {
		s.writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.Settings{Gallery: saved.Gallery, PersonalUI: saved.PersonalUI})
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	health := map[string]any{
		"status":             "healthy",
		"uptime_seconds":     int64(time.Since(s.startTime).Seconds()),
		"active_connections": s.registry.Count(),
		"database":           "ok",
	}
	if err := s.db.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		health["status"] = "degraded"
		health["database"] = err.Error()
	}
	writeJSON(w, status, health)
}

// writeHandlerError maps a shared handler error onto an HTTP status. Unlike
// the socket, REST callers are told when a target is missing or not theirs.
func (s *Server) writeHandlerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrMessageNotFound):
		writeJSONError(w, http.StatusNotFound, protocol.ErrMsgNotFound)
	case errors.Is(err, database.ErrMessageNotOwned):
		writeJSONError(w, http.StatusForbidden, protocol.ErrMsgPermissionDenied)
	default:
		message, kind, _ := classifyError(err)
		status := http.StatusInternalServerError
		switch kind {
		case "invalid":
			status = http.StatusBadRequest
		case "forbidden":
			status = http.StatusForbidden
		case "not_found":
			status = http.StatusNotFound
		default:
			s.logger.Error().Err(err).Msg("api request failed")
		}
		writeJSONError(w, status, message)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, protocol.APIError{Error: message})
}
