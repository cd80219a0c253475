package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aeolun/syntaxy/pkg/auth"
	"github.com/aeolun/syntaxy/pkg/database"
	"github.com/aeolun/syntaxy/pkg/protocol"
)

var (
	errInvalidPayload   = errors.New("invalid payload")
	errPermissionDenied = errors.New("permission denied")
	errUnsupported      = errors.New("unsupported event")
)

func invalid(err error) error {
	return fmt.Errorf("%w: %v", errInvalidPayload, err)
}

// handleEvent dispatches a decoded client event. Every event except
// authenticate requires a bound identity.
func (s *Server) handleEvent(ctx context.Context, sess *Session, ev protocol.ClientEvent) error {
	if msg, ok := ev.(*protocol.Authenticate); ok {
		return s.handleAuthenticate(sess, msg)
	}

	id, ok := sess.Identity()
	if !ok {
		s.sendError(sess, protocol.ErrMsgNotAuthenticated)
		return nil
	}

	switch ev := ev.(type) {
	case *protocol.NewMessage:
		return s.handleNewMessage(ctx, id, ev)
	case *protocol.EditMessage:
		return s.handleEditMessage(ctx, id, ev)
	case *protocol.DeleteMessage:
		return s.handleDeleteMessage(ctx, id, ev)
	case *protocol.Typing:
		return s.handleTyping(ctx, id, ev)
	case *protocol.ProfileUpdate:
		return s.handleProfileUpdate(ctx, id, ev)
	case *protocol.DMBackgroundChange:
		return s.handleDMBackgroundChange(ctx, id, ev)
	case *protocol.ChannelBackgroundChange:
		return s.handleChannelBackgroundChange(ctx, id, ev)
	case *protocol.ServerAestheticsUpdate:
		return s.handleServerAestheticsUpdate(ctx, id, ev)
	default:
		return fmt.Errorf("%w: %s", errUnsupported, ev.EventType())
	}
}

// handleAuthenticate binds the session to the identity in the token. A bad
// token gets an error frame and the connection is closed.
func (s *Server) handleAuthenticate(sess *Session, msg *protocol.Authenticate) error {
	if _, ok := sess.Identity(); ok {
		s.sendError(sess, protocol.ErrMsgAlreadyAuthenticated)
		return nil
	}

	id, err := s.verifier.Verify(msg.Token)
	if err != nil {
		s.metrics.RecordAuth("failure")
		s.logger.Debug().Err(err).Uint64("session", sess.ID).Msg("authentication failed")
		if data, encErr := protocol.Encode(&protocol.Error{Message: protocol.ErrMsgInvalidToken}); encErr == nil {
			sess.writeNow(data)
		}
		sess.Close(CloseAuthFailed, protocol.ErrMsgInvalidToken)
		return nil
	}

	sess.setIdentity(id)
	s.registry.Register(id.UserID, sess)
	s.metrics.RecordAuth("success")
	s.logger.Info().
		Int64("user_id", id.UserID).
		Str("username", id.Username).
		Uint64("session", sess.ID).
		Msg("authenticated")

	s.send(sess, &protocol.Authenticated{UserID: id.UserID, Username: id.Username})
	return nil
}

// authorize checks userID may act in ref and returns the scope to route to.
func (s *Server) authorize(ctx context.Context, ref protocol.ConversationRef, userID int64) (Scope, error) {
	if !ref.Valid() {
		return nil, invalid(protocol.ErrMissingConversation)
	}

	if ref.DM {
		dm, err := s.db.GetDM(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		if !dm.Has(userID) {
			return nil, errPermissionDenied
		}
		return DirectScope{UserA: dm.User1ID, UserB: dm.User2ID}, nil
	}

	member, err := s.db.IsMember(ctx, ref, userID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, errPermissionDenied
	}
	return ChannelScope{ChannelID: ref.ID}, nil
}

func (s *Server) checkText(text string) error {
	if len(text) > s.config.MaxMessageLength {
		return invalid(fmt.Errorf("message is %d bytes, limit is %d", len(text), s.config.MaxMessageLength))
	}
	return nil
}

// postMessage stores a message and routes it to its scope. Shared by the
// socket handler and the REST fallback.
func (s *Server) postMessage(ctx context.Context, id auth.Identity, ref protocol.ConversationRef, text, image string, replyTo int64, nonce string) (*protocol.Message, error) {
	if strings.TrimSpace(text) == "" && image == "" {
		return nil, invalid(protocol.ErrEmptyMessage)
	}
	if err := s.checkText(text); err != nil {
		return nil, err
	}

	scope, err := s.authorize(ctx, ref, id.UserID)
	if err != nil {
		return nil, err
	}

	stored, err := s.db.CreateMessage(ctx, database.NewMessage{
		Scope:    ref,
		AuthorID: id.UserID,
		Text:     text,
		Image:    image,
		ReplyTo:  replyTo,
		Nonce:    nonce,
	})
	if err != nil {
		return nil, err
	}

	msg := stored.ToProtocol()
	if _, err := s.router.Route(ctx, protocol.MessageCreated(msg), scope); err != nil {
		// The message is durable; peers will see it on their next history fetch
		s.logger.Warn().Err(err).Int64("message_id", msg.ID).Msg("failed to route new message")
	}
	return &msg, nil
}

// editMessage changes the text of a message the requester wrote in ref.
func (s *Server) editMessage(ctx context.Context, id auth.Identity, ref protocol.ConversationRef, messageID int64, text string) (*protocol.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, invalid(protocol.ErrEmptyMessage)
	}
	if err := s.checkText(text); err != nil {
		return nil, err
	}

	scope, err := s.authorize(ctx, ref, id.UserID)
	if err != nil {
		return nil, err
	}

	stored, err := s.db.EditMessage(ctx, ref, messageID, id.UserID, text)
	if err != nil {
		return nil, err
	}

	if _, err := s.router.Route(ctx, protocol.MessageEditedIn(ref, stored.ID, stored.Text), scope); err != nil {
		s.logger.Warn().Err(err).Int64("message_id", stored.ID).Msg("failed to route edit")
	}
	msg := stored.ToProtocol()
	return &msg, nil
}

// deleteMessage removes a message the requester wrote in ref.
func (s *Server) deleteMessage(ctx context.Context, id auth.Identity, ref protocol.ConversationRef, messageID int64) error {
	scope, err := s.authorize(ctx, ref, id.UserID)
	if err != nil {
		return err
	}

	deleted, err := s.db.DeleteMessage(ctx, ref, messageID, id.UserID)
	if err != nil {
		return err
	}

	if _, err := s.router.Route(ctx, protocol.MessageDeletedIn(ref, deleted.ID), scope); err != nil {
		s.logger.Warn().Err(err).Int64("message_id", deleted.ID).Msg("failed to route delete")
	}
	return nil
}

// toggleReaction flips the requester's reaction on a message. Any participant
// of the message's scope may react.
func (s *Server) toggleReaction(ctx context.Context, id auth.Identity, messageID int64, emoji string) (protocol.Reactions, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || len(emoji) > 64 {
		return nil, invalid(errors.New("emoji is required"))
	}

	existing, err := s.db.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	ref := existing.Scope()
	scope, err := s.authorize(ctx, ref, id.UserID)
	if err != nil {
		return nil, err
	}

	updated, err := s.db.ToggleReaction(ctx, messageID, id.UserID, emoji)
	if err != nil {
		return nil, err
	}

	reactions := updated.Reactions.Clone()
	if reactions == nil {
		reactions = protocol.Reactions{}
	}
	if _, err := s.router.Route(ctx, protocol.ReactionsUpdatedIn(ref, messageID, reactions), scope); err != nil {
		s.logger.Warn().Err(err).Int64("message_id", messageID).Msg("failed to route reactions")
	}
	return reactions, nil
}

// handleNewMessage handles new_message
func (s *Server) handleNewMessage(ctx context.Context, id auth.Identity, msg *protocol.NewMessage) error {
	if err := msg.Validate(); err != nil {
		return invalid(err)
	}
	_, err := s.postMessage(ctx, id, msg.Conversation(), msg.Text, msg.Image, msg.ReplyTo, msg.Nonce)
	return err
}

// handleEditMessage handles edit_message
func (s *Server) handleEditMessage(ctx context.Context, id auth.Identity, msg *protocol.EditMessage) error {
	if err := msg.Validate(); err != nil {
		return invalid(err)
	}
	_, err := s.editMessage(ctx, id, msg.Conversation(), msg.MessageID, msg.Text)
	return err
}

// handleDeleteMessage handles delete_message
func (s *Server) handleDeleteMessage(ctx context.Context, id auth.Identity, msg *protocol.DeleteMessage) error {
	if err := msg.Validate(); err != nil {
		return invalid(err)
	}
	return s.deleteMessage(ctx, id, msg.Conversation(), msg.MessageID)
}

// handleTyping relays a typing indicator to the rest of the scope. Nothing is stored.
func (s *Server) handleTyping(ctx context.Context, id auth.Identity, msg *protocol.Typing) error {
	if err := msg.Validate(); err != nil {
		return invalid(err)
	}
	ref := msg.Conversation()
	scope, err := s.authorize(ctx, ref, id.UserID)
	if err != nil {
		return err
	}
	_, err = s.router.Route(ctx, protocol.UserTypingIn(ref, id.UserID, id.Username), scope, id.UserID)
	return err
}

// handleProfileUpdate stores the requester's profile changes and tells every
// other connected user.
func (s *Server) handleProfileUpdate(ctx context.Context, id auth.Identity, msg *protocol.ProfileUpdate) error {
	if msg.User.Empty() {
		return invalid(errors.New("profile update has no fields"))
	}
	if msg.User.DisplayName != nil {
		if err := s.checkText(*msg.User.DisplayName); err != nil {
			return err
		}
	}

	user, err := s.db.UpdateProfile(ctx, id.UserID, msg.User)
	if err != nil {
		return err
	}

	_, err = s.router.Route(ctx, &protocol.ProfileUpdated{User: user.ToProtocol()}, EveryoneScope{}, id.UserID)
	return err
}

// handleDMBackgroundChange handles dm_bg_change. Both participants get the
// change and the system message announcing it.
func (s *Server) handleDMBackgroundChange(ctx context.Context, id auth.Identity, msg *protocol.DMBackgroundChange) error {
	if err := msg.Validate(); err != nil {
		return invalid(err)
	}
	scope, err := s.authorize(ctx, protocol.DMRef(msg.DMChannelID), id.UserID)
	if err != nil {
		return err
	}

	dm, notice, err := s.db.SetDMBackground(ctx, msg.DMChannelID, id.UserID, msg.Background)
	if err != nil {
		return err
	}

	changed := &protocol.DMBackgroundChanged{
		DMChannelID: dm.ID,
		Background:  dm.Background,
		ChangedBy:   id.Username,
	}
	if _, err := s.router.Route(ctx, changed, scope); err != nil {
		return err
	}
	_, err = s.router.Route(ctx, protocol.MessageCreated(notice.ToProtocol()), scope)
	return err
}

// handleChannelBackgroundChange handles channel_bg_change
func (s *Server) handleChannelBackgroundChange(ctx context.Context, id auth.Identity, msg *protocol.ChannelBackgroundChange) error {
	if err := msg.Validate(); err != nil {
		return invalid(err)
	}
	scope, err := s.authorize(ctx, protocol.ChannelRef(msg.ChannelID), id.UserID)
	if err != nil {
		return err
	}

	ch, err := s.db.SetChannelBackground(ctx, msg.ChannelID, msg.Background)
	if err != nil {
		return err
	}

	_, err = s.router.Route(ctx, &protocol.ChannelBackgroundChanged{ChannelID: ch.ID, Background: ch.Background}, scope)
	return err
}

// handleServerAestheticsUpdate handles server_aesthetics_update. Only server
// admins may change a server's look.
func (s *Server) handleServerAestheticsUpdate(ctx context.Context, id auth.Identity, msg *protocol.ServerAestheticsUpdate) error {
	if err := msg.Validate(); err != nil {
		return invalid(err)
	}
	admin, err := s.db.IsServerAdmin(ctx, msg.ServerID, id.UserID)
	if err != nil {
		return err
	}
	if !admin {
		return errPermissionDenied
	}

	srv, err := s.db.UpdateServerAesthetics(ctx, msg.ServerID, *msg)
	if err != nil {
		return err
	}

	updated := &protocol.ServerAestheticsUpdated{
		ServerID:   srv.ID,
		Aesthetics: srv.Aesthetics,
		Name:       srv.Name,
		IconImg:    srv.IconImg,
		Banner:     srv.Banner,
		DefChBg:    srv.DefChBg,
	}
	_, err = s.router.Route(ctx, updated, ServerScope{ServerID: srv.ID})
	return err
}

// classifyError maps a handler error to the error frame text the client sees
// and a metrics label. silent means the client gets no frame at all.
func classifyError(err error) (message, kind string, silent bool) {
	switch {
	case errors.Is(err, database.ErrMessageNotFound), errors.Is(err, database.ErrMessageNotOwned):
		// Foreign or missing targets are ignored without feedback
		return "", "noop", true
	case errors.Is(err, errInvalidPayload):
		return protocol.ErrMsgInvalidFormat, "invalid", false
	case errors.Is(err, errPermissionDenied), errors.Is(err, database.ErrNotMember):
		return protocol.ErrMsgPermissionDenied, "forbidden", false
	case errors.Is(err, database.ErrChannelNotFound), errors.Is(err, database.ErrDMNotFound),
		errors.Is(err, database.ErrServerNotFound), errors.Is(err, database.ErrUserNotFound):
		return protocol.ErrMsgNotFound, "not_found", false
	case errors.Is(err, errUnsupported):
		return protocol.ErrMsgUnsupportedType, "unsupported", false
	default:
		return protocol.ErrMsgServerError, "internal", false
	}
}

// reportError logs a handler failure and tells the client, unless the failure
// is one that is ignored silently.
func (s *Server) reportError(sess *Session, eventType string, err error) {
	message, kind, silent := classifyError(err)
	s.metrics.RecordHandlerError(eventType, kind)

	log := s.logger.Debug()
	if kind == "internal" {
		log = s.logger.Error()
	}
	log.Err(err).Uint64("session", sess.ID).Str("type", eventType).Str("kind", kind).Msg("handler failed")

	if !silent {
		s.sendError(sess, message)
	}
}

// send queues an event on one session.
func (s *Server) send(sess *Session, ev protocol.ServerEvent) {
	data, err := protocol.Encode(ev)
	if err != nil {
		s.logger.Error().Err(err).Str("type", ev.EventType()).Msg("failed to encode event")
		return
	}
	if !sess.Push(data) {
		s.metrics.RecordDropped()
	}
}

// sendError sends an error frame to one session.
func (s *Server) sendError(sess *Session, message string) {
	s.send(sess, &protocol.Error{Message: message})
}
