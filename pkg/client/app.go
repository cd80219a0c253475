package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aeolun/syntaxy/pkg/protocol"
	"github.com/gen2brain/beeep"
	"github.com/rs/zerolog"
)

// RESTClient is the request/response surface the app falls back to.
// *APIClient implements it.
type RESTClient interface {
	SettingsSyncer
	ListConversations(ctx context.Context) ([]protocol.Conversation, error)
	ListMessages(ctx context.Context, ref protocol.ConversationRef) ([]protocol.Message, error)
	PostMessage(ctx context.Context, ref protocol.ConversationRef, req protocol.PostMessageRequest) (*protocol.Message, error)
	EditMessage(ctx context.Context, messageID int64, text string) (*protocol.Message, error)
	DeleteMessage(ctx context.Context, messageID int64) error
	ToggleReaction(ctx context.Context, messageID int64, emoji string) (protocol.Reactions, error)
}

var _ RESTClient = (*APIClient)(nil)

// Notifier raises a user-visible notification.
type Notifier interface {
	Notify(title, body string) error
}

// DesktopNotifier shows notifications through the OS notification service.
type DesktopNotifier struct {
	Icon string
}

func (n DesktopNotifier) Notify(title, body string) error {
	return beeep.Notify(title, body, n.Icon)
}

// AppDeps are the collaborators of an App. Cache and Notifier are optional.
type AppDeps struct {
	Gateway  *Gateway
	API      RESTClient
	Engine   *Engine
	Cache    *Cache
	Notifier Notifier
}

// App ties the gateway, the REST fallback, the reconciliation engine and
// the persistence cache together. UIs read state from Engine and wait on
// Changes for redraws.
type App struct {
	gateway  *Gateway
	api      RESTClient
	engine   *Engine
	cache    *Cache
	notifier Notifier
	logger   zerolog.Logger

	changes chan struct{}

	mu        sync.Mutex
	status    StateUpdate
	serverErr string
}

// NewApp creates an App. Nothing connects until Start.
func NewApp(deps AppDeps, logger zerolog.Logger) *App {
	return &App{
		gateway:  deps.Gateway,
		api:      deps.API,
		engine:   deps.Engine,
		cache:    deps.Cache,
		notifier: deps.Notifier,
		logger:   logger,
		changes:  make(chan struct{}, 1),
		status:   StateUpdate{State: StateDisconnected},
	}
}

// Engine exposes the conversation state.
func (a *App) Engine() *Engine { return a.engine }

// Changes receives a value whenever visible state may have changed.
// Notifications coalesce; a reader always sees the latest state.
func (a *App) Changes() <-chan struct{} { return a.changes }

// Status returns the last gateway state update.
func (a *App) Status() StateUpdate {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// LastServerError returns the message of the most recent error frame.
func (a *App) LastServerError() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.serverErr
}

func (a *App) changed() {
	select {
	case a.changes <- struct{}{}:
	default:
	}
}

func (a *App) persist() {
	if a.cache != nil {
		a.cache.ScheduleSave()
	}
}

// Start restores the cached snapshot, refreshes the conversation list and
// starts the gateway. A failed refresh is logged; the cached list stays.
func (a *App) Start(ctx context.Context) error {
	if a.cache != nil {
		if _, err := a.cache.LoadSnapshot(); err != nil {
			a.logger.Warn().Err(err).Msg("ignoring unreadable snapshot")
		}
	}
	if err := a.refreshConversations(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("could not refresh conversations")
	}
	a.changed()
	return a.gateway.Start()
}

func (a *App) refreshConversations(ctx context.Context) error {
	convs, err := a.api.ListConversations(ctx)
	if err != nil {
		return err
	}
	a.engine.SetConversations(convs)
	if ref, ok := a.engine.Current(); ok {
		if err := a.loadHistory(ctx, ref); err != nil {
			a.logger.Warn().Err(err).Stringer("conversation", ref).Msg("history load failed")
		}
	}
	a.changed()
	a.persist()
	return nil
}

func (a *App) loadHistory(ctx context.Context, ref protocol.ConversationRef) error {
	msgs, err := a.api.ListMessages(ctx, ref)
	if err != nil {
		return err
	}
	a.engine.LoadHistory(ref, msgs)
	return nil
}

// Run consumes gateway events and state changes until ctx ends or the
// gateway is closed.
func (a *App) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.gateway.Done():
			return nil
		case ev := <-a.gateway.Events():
			a.handleEvent(ctx, ev)
		case u := <-a.gateway.StateUpdates():
			a.handleState(u)
		}
	}
}

func (a *App) handleEvent(ctx context.Context, ev protocol.ServerEvent) {
	switch ev := ev.(type) {
	case *protocol.Error:
		a.logger.Warn().Str("message", ev.Message).Msg("server reported an error")
		a.mu.Lock()
		a.serverErr = ev.Message
		a.mu.Unlock()
		a.changed()
		return

	case *protocol.Authenticated:
		a.engine.Apply(ev)
		// Live events were unavailable while disconnected; catch up over REST.
		if err := a.refreshConversations(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("could not refresh conversations after connect")
		}
		return

	case *protocol.ChannelMessage:
		a.confirmed(ev.Message)
		return

	case *protocol.DMMessage:
		a.confirmed(ev.Message)
		return

	case *protocol.UserTyping:
		if a.engine.Apply(ev) {
			a.changed()
		}
		return
	}

	if a.engine.Apply(ev) {
		a.changed()
		a.persist()
	}
}

func (a *App) confirmed(msg protocol.Message) {
	outcome := a.engine.ApplyConfirmed(msg)
	if outcome == OutcomeIgnored {
		return
	}
	a.changed()
	a.persist()

	if outcome == OutcomeUnread && a.notifier != nil {
		from := msg.DisplayName
		if from == "" {
			from = msg.Username
		}
		body := msg.Text
		if body == "" && msg.Image != "" {
			body = "sent an image"
		}
		if err := a.notifier.Notify(from, body); err != nil {
			a.logger.Debug().Err(err).Msg("notification failed")
		}
	}
}

func (a *App) handleState(u StateUpdate) {
	a.mu.Lock()
	a.status = u
	a.mu.Unlock()
	a.changed()

	if u.Exhausted {
		a.logger.Error().Int("attempts", u.Attempt).Msg("reconnect attempts exhausted")
		if a.notifier != nil {
			if err := a.notifier.Notify("Disconnected", "Could not reach the server. Reconnect manually to try again."); err != nil {
				a.logger.Debug().Err(err).Msg("notification failed")
			}
		}
	}
}

// Open selects a conversation, loading its history on first view.
func (a *App) Open(ctx context.Context, ref protocol.ConversationRef) error {
	needsHistory := a.engine.Open(ref)
	a.changed()
	a.persist()
	if !needsHistory {
		return nil
	}
	if err := a.loadHistory(ctx, ref); err != nil {
		return err
	}
	a.changed()
	return nil
}

// Send renders the message optimistically and delivers it over the socket,
// or over REST when the socket is not Ready. When both fail the echo is
// marked failed and stays visible.
func (a *App) Send(ctx context.Context, ref protocol.ConversationRef, text, image string, replyTo int64) (Item, error) {
	it := a.engine.Echo(ref, text, image, replyTo)
	a.changed()
	a.persist()
	return it, a.deliver(ctx, ref, it)
}

// Retry resends a failed echo with its original nonce.
func (a *App) Retry(ctx context.Context, ref protocol.ConversationRef, tempID string) error {
	it, ok := a.engine.Retry(ref, tempID)
	if !ok {
		return fmt.Errorf("no failed message %s in %s", tempID, ref)
	}
	a.changed()
	return a.deliver(ctx, ref, it)
}

func (a *App) deliver(ctx context.Context, ref protocol.ConversationRef, it Item) error {
	ev := protocol.NewMessageTo(ref, it.Text)
	ev.Image = it.Image
	ev.ReplyTo = it.ReplyTo
	ev.Nonce = it.TempID

	sockErr := a.gateway.Send(ev)
	if sockErr == nil {
		return nil
	}

	msg, err := a.api.PostMessage(ctx, ref, protocol.PostMessageRequest{
		Text:    it.Text,
		Image:   it.Image,
		ReplyTo: it.ReplyTo,
		Nonce:   it.TempID,
	})
	if err != nil {
		a.engine.MarkFailed(ref, it.TempID)
		a.changed()
		a.persist()
		return errors.Join(sockErr, err)
	}
	a.confirmed(*msg)
	return nil
}

// Edit changes the text of an own message.
func (a *App) Edit(ctx context.Context, ref protocol.ConversationRef, messageID int64, text string) error {
	if err := a.gateway.Send(protocol.EditMessageIn(ref, messageID, text)); err == nil {
		return nil
	}
	msg, err := a.api.EditMessage(ctx, messageID, text)
	if err != nil {
		return err
	}
	if a.engine.ApplyEdit(ref, msg.ID, msg.Text) {
		a.changed()
		a.persist()
	}
	return nil
}

// Delete removes an own message.
func (a *App) Delete(ctx context.Context, ref protocol.ConversationRef, messageID int64) error {
	if err := a.gateway.Send(protocol.DeleteMessageIn(ref, messageID)); err == nil {
		return nil
	}
	if err := a.api.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	if a.engine.ApplyDelete(ref, messageID) {
		a.changed()
		a.persist()
	}
	return nil
}

// React toggles the caller's reaction on a message.
func (a *App) React(ctx context.Context, ref protocol.ConversationRef, messageID int64, emoji string) error {
	reactions, err := a.api.ToggleReaction(ctx, messageID, emoji)
	if err != nil {
		return err
	}
	if a.engine.ApplyReactions(ref, messageID, reactions) {
		a.changed()
		a.persist()
	}
	return nil
}

// Typing announces typing in ref. It is dropped when the socket is not Ready.
func (a *App) Typing(ref protocol.ConversationRef) {
	if err := a.gateway.Send(protocol.TypingIn(ref)); err != nil && !errors.Is(err, ErrNotReady) {
		a.logger.Debug().Err(err).Msg("typing notification not sent")
	}
}

// UpdateSettings queues settings for the debounced server sync.
func (a *App) UpdateSettings(s protocol.Settings) {
	if a.cache != nil {
		a.cache.ScheduleSettingsSync(s)
	}
}

// SetToken installs a fresh credential on the socket and REST paths.
func (a *App) SetToken(token string) {
	a.gateway.SetToken(token)
	if t, ok := a.api.(interface{ SetToken(string) }); ok {
		t.SetToken(token)
	}
}

// Reconnect restarts the gateway after exhaustion or a rejected credential.
func (a *App) Reconnect() error {
	return a.gateway.Start()
}

// Close stops the gateway and flushes the cache.
func (a *App) Close() error {
	a.gateway.Close()
	if a.cache != nil {
		return a.cache.Close()
	}
	return nil
}
