package client

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/aeolun/syntaxy/pkg/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TypingTimeout is how long a typing indicator stays visible without a
// fresh user_typing event.
const TypingTimeout = 5 * time.Second

// snapshotMessageLimit bounds the messages kept per conversation in a snapshot.
const snapshotMessageLimit = 100

// Status is the delivery state of a visible message.
type Status int

const (
	StatusConfirmed Status = iota
	StatusPending          // optimistic echo awaiting confirmation
	StatusFailed           // both socket and REST sends failed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	default:
		return "confirmed"
	}
}

// Item is one entry of a conversation's visible message list: either a
// confirmed message or a local echo identified by TempID.
type Item struct {
	protocol.Message
	TempID string `json:"temp_id,omitempty"`
	Status Status `json:"status"`
}

// Echo reports whether the item is an unconfirmed local send.
func (it *Item) Echo() bool { return it.Status != StatusConfirmed }

func (it Item) clone() Item {
	it.Reactions = it.Reactions.Clone()
	return it
}

// Conversation is the list-level state of a channel or DM.
type Conversation struct {
	Ref          protocol.ConversationRef `json:"ref"`
	Name         string                   `json:"name"`
	ServerID     int64                    `json:"server_id,omitempty"`
	ServerName   string                   `json:"server_name,omitempty"`
	PeerID       int64                    `json:"peer_id,omitempty"`
	Background   string                   `json:"background,omitempty"`
	Unread       int                      `json:"unread"`
	LastActivity time.Time                `json:"last_activity"`
	Pinned       bool                     `json:"pinned,omitempty"`
	Loaded       bool                     `json:"-"`
}

// ServerInfo mirrors the presentation fields of a server.
type ServerInfo struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	IconImg    string `json:"icon_img,omitempty"`
	Banner     string `json:"banner,omitempty"`
	DefChBg    string `json:"def_ch_bg,omitempty"`
	Aesthetics []byte `json:"aesthetics,omitempty"`
}

// Outcome describes what ApplyConfirmed did with a message.
type Outcome int

const (
	OutcomeIgnored    Outcome = iota
	OutcomeReplaced           // same id already visible, replaced in place
	OutcomeReconciled         // matched a local echo
	OutcomeAppended           // appended to the open conversation or as own message
	OutcomeUnread             // stored in a background conversation, unread bumped
)

type typingEntry struct {
	name    string
	expires time.Time
}

type conversation struct {
	Conversation
	items []Item
}

// Engine holds the client's view of every conversation and reconciles
// optimistic sends with server confirmations. It is safe for concurrent use.
type Engine struct {
	clock  Clock
	logger zerolog.Logger

	mu      sync.Mutex
	self    int64
	convs   map[protocol.ConversationRef]*conversation
	open    protocol.ConversationRef
	hasOpen bool
	typing  map[protocol.ConversationRef]map[int64]typingEntry
	users   map[int64]protocol.User
	servers map[int64]ServerInfo
}

// NewEngine creates an empty engine for the user selfID (0 if not yet known).
func NewEngine(selfID int64, clock Clock, logger zerolog.Logger) *Engine {
	if clock == nil {
		clock = RealClock()
	}
	return &Engine{
		clock:   clock,
		logger:  logger,
		self:    selfID,
		convs:   make(map[protocol.ConversationRef]*conversation),
		typing:  make(map[protocol.ConversationRef]map[int64]typingEntry),
		users:   make(map[int64]protocol.User),
		servers: make(map[int64]ServerInfo),
	}
}

// SetSelf records the local identity.
func (e *Engine) SetSelf(userID int64) {
	e.mu.Lock()
	e.self = userID
	e.mu.Unlock()
}

// Self returns the local identity.
func (e *Engine) Self() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.self
}

func (e *Engine) convLocked(ref protocol.ConversationRef) *conversation {
	c, ok := e.convs[ref]
	if !ok {
		c = &conversation{Conversation: Conversation{Ref: ref, Name: ref.String()}}
		e.convs[ref] = c
	}
	return c
}

func (e *Engine) sortedLocked() []*conversation {
	out := make([]*conversation, 0, len(e.convs))
	for _, c := range e.convs {
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Pinned != b.Pinned {
			return a.Pinned
		}
		if !a.LastActivity.Equal(b.LastActivity) {
			return a.LastActivity.After(b.LastActivity)
		}
		if a.Ref.DM != b.Ref.DM {
			return !a.Ref.DM
		}
		return a.Ref.ID < b.Ref.ID
	})
	return out
}

// ensureOpenLocked falls back to the first conversation when the selection
// is missing or no longer exists.
func (e *Engine) ensureOpenLocked() {
	if e.hasOpen {
		if _, ok := e.convs[e.open]; ok {
			return
		}
	}
	e.hasOpen = false
	if sorted := e.sortedLocked(); len(sorted) > 0 {
		e.open = sorted[0].Ref
		e.hasOpen = true
		sorted[0].Unread = 0
	}
}

// SetConversations reconciles the known conversation list with the
// server's. Local state of surviving conversations is kept, vanished ones
// are dropped and the selection falls back to the first conversation if its
// target disappeared.
func (e *Engine) SetConversations(list []protocol.Conversation) {
	e.mu.Lock()
	defer e.mu.Unlock()

	keep := make(map[protocol.ConversationRef]bool, len(list))
	for _, pc := range list {
		keep[pc.Ref] = true
		c := e.convLocked(pc.Ref)
		c.Name = pc.Name
		c.ServerID = pc.ServerID
		c.ServerName = pc.ServerName
		c.PeerID = pc.PeerID
		c.Background = pc.Background
	}
	for ref := range e.convs {
		if !keep[ref] {
			delete(e.convs, ref)
			delete(e.typing, ref)
		}
	}
	e.ensureOpenLocked()
}

// Echo renders a local send immediately. The returned item's TempID doubles
// as the nonce the server echoes back on the confirmed message.
func (e *Engine) Echo(ref protocol.ConversationRef, text, image string, replyTo int64) Item {
	e.mu.Lock()
	defer e.mu.Unlock()

	tempID := uuid.NewString()
	now := e.clock.Now()
	it := Item{
		Message: protocol.Message{
			UserID:    e.self,
			Text:      text,
			Image:     image,
			ReplyTo:   replyTo,
			CreatedAt: now,
			Nonce:     tempID,
		},
		TempID: tempID,
		Status: StatusPending,
	}
	if ref.DM {
		it.DMChannelID = ref.ID
	} else {
		it.ChannelID = ref.ID
	}
	if u, ok := e.users[e.self]; ok {
		it.Username = u.Username
		it.DisplayName = u.DisplayName
	}

	c := e.convLocked(ref)
	c.items = append(c.items, it)
	if now.After(c.LastActivity) {
		c.LastActivity = now
	}
	return it.clone()
}

// MarkFailed flags a pending echo whose send failed on every path. The echo
// stays visible.
func (e *Engine) MarkFailed(ref protocol.ConversationRef, tempID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.convs[ref]
	if !ok {
		return false
	}
	for i := range c.items {
		if c.items[i].TempID == tempID && c.items[i].Status == StatusPending {
			c.items[i].Status = StatusFailed
			return true
		}
	}
	return false
}

// Retry moves a failed echo back to pending and returns it for resending.
func (e *Engine) Retry(ref protocol.ConversationRef, tempID string) (Item, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.convs[ref]
	if !ok {
		return Item{}, false
	}
	for i := range c.items {
		if c.items[i].TempID == tempID && c.items[i].Status == StatusFailed {
			c.items[i].Status = StatusPending
			return c.items[i].clone(), true
		}
	}
	return Item{}, false
}

// matchEchoLocked finds the echo a confirmed own message resolves. Messages
// carrying a nonce match only the echo with that TempID; messages without
// one fall back to the first pending echo with identical text.
func matchEchoLocked(items []Item, msg *protocol.Message) int {
	if msg.Nonce != "" {
		for i := range items {
			if items[i].Echo() && items[i].TempID == msg.Nonce {
				return i
			}
		}
		return -1
	}
	for i := range items {
		if items[i].Status == StatusPending && items[i].Text == msg.Text {
			return i
		}
	}
	return -1
}

// ApplyConfirmed folds a server-confirmed message into its conversation.
// Applying the same message id twice leaves one visible copy.
func (e *Engine) ApplyConfirmed(msg protocol.Message) Outcome {
	ref := msg.Conversation()
	if !ref.Valid() {
		return OutcomeIgnored
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.convLocked(ref)
	it := Item{Message: msg, Status: StatusConfirmed}
	it.Reactions = msg.Reactions.Clone()

	for i := range c.items {
		if !c.items[i].Echo() && c.items[i].ID == msg.ID {
			c.items[i] = it
			return OutcomeReplaced
		}
	}

	at := msg.CreatedAt
	if at.IsZero() {
		at = e.clock.Now()
	}
	if at.After(c.LastActivity) {
		c.LastActivity = at
	}

	if msg.Nonce != "" {
		if i := matchEchoLocked(c.items, &msg); i >= 0 {
			if e.self == 0 {
				e.self = msg.UserID
			}
			c.items[i] = it
			return OutcomeReconciled
		}
	}

	if msg.UserID == e.self && e.self != 0 {
		if i := matchEchoLocked(c.items, &msg); i >= 0 {
			c.items[i] = it
			return OutcomeReconciled
		}
		c.items = append(c.items, it)
		return OutcomeAppended
	}

	if typers, ok := e.typing[ref]; ok {
		delete(typers, msg.UserID)
	}
	c.items = append(c.items, it)
	if e.hasOpen && e.open == ref {
		return OutcomeAppended
	}
	c.Unread++
	return OutcomeUnread
}

// ApplyEdit replaces the text of a confirmed message. It is a no-op when
// the message is not loaded.
func (e *Engine) ApplyEdit(ref protocol.ConversationRef, messageID int64, text string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.convs[ref]
	if !ok {
		return false
	}
	for i := range c.items {
		if !c.items[i].Echo() && c.items[i].ID == messageID {
			c.items[i].Text = text
			c.items[i].Edited = true
			return true
		}
	}
	return false
}

// ApplyDelete removes a confirmed message.
func (e *Engine) ApplyDelete(ref protocol.ConversationRef, messageID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.convs[ref]
	if !ok {
		return false
	}
	for i := range c.items {
		if !c.items[i].Echo() && c.items[i].ID == messageID {
			c.items = slices.Delete(c.items, i, i+1)
			return true
		}
	}
	return false
}

// ApplyReactions replaces a message's reaction set.
func (e *Engine) ApplyReactions(ref protocol.ConversationRef, messageID int64, reactions protocol.Reactions) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.convs[ref]
	if !ok {
		return false
	}
	for i := range c.items {
		if !c.items[i].Echo() && c.items[i].ID == messageID {
			c.items[i].Reactions = reactions.Clone()
			return true
		}
	}
	return false
}

// ApplyTyping records that userID is typing in ref.
func (e *Engine) ApplyTyping(ref protocol.ConversationRef, userID int64, username string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if userID == e.self {
		return false
	}
	typers, ok := e.typing[ref]
	if !ok {
		typers = make(map[int64]typingEntry)
		e.typing[ref] = typers
	}
	name := username
	if u, ok := e.users[userID]; ok {
		name = u.Name()
	}
	typers[userID] = typingEntry{name: name, expires: e.clock.Now().Add(TypingTimeout)}
	return true
}

// Typing returns the names of users currently typing in ref, sorted.
func (e *Engine) Typing(ref protocol.ConversationRef) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	var names []string
	for id, t := range e.typing[ref] {
		if !now.Before(t.expires) {
			delete(e.typing[ref], id)
			continue
		}
		names = append(names, t.name)
	}
	sort.Strings(names)
	return names
}

// LoadHistory replaces the confirmed contents of ref with fetched history.
// Confirmed messages newer than the newest history id survive, since they
// may have arrived live while the fetch was in flight. Anything else inside
// the window that history no longer returns was deleted server-side and is
// dropped. Local echoes are kept after the confirmed items.
func (e *Engine) LoadHistory(ref protocol.ConversationRef, history []protocol.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.convLocked(ref)
	seen := make(map[int64]bool, len(history))
	var newest int64
	items := make([]Item, 0, len(history)+len(c.items))
	for _, m := range history {
		seen[m.ID] = true
		newest = max(newest, m.ID)
		it := Item{Message: m, Status: StatusConfirmed}
		it.Reactions = m.Reactions.Clone()
		items = append(items, it)
		if m.CreatedAt.After(c.LastActivity) {
			c.LastActivity = m.CreatedAt
		}
	}
	var echoes []Item
	for _, it := range c.items {
		if it.Echo() {
			if it.Nonce != "" && slices.ContainsFunc(history, func(m protocol.Message) bool { return m.Nonce == it.Nonce }) {
				continue
			}
			echoes = append(echoes, it)
			continue
		}
		if !seen[it.ID] && it.ID > newest {
			items = append(items, it)
		}
	}
	c.items = append(items, echoes...)
	c.Loaded = true
}

// Open selects ref as the visible conversation and clears its unread count.
// It reports whether the conversation still needs its history loaded.
func (e *Engine) Open(ref protocol.ConversationRef) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.convLocked(ref)
	e.open = ref
	e.hasOpen = true
	c.Unread = 0
	return !c.Loaded
}

// Current returns the open conversation.
func (e *Engine) Current() (protocol.ConversationRef, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open, e.hasOpen
}

// Pin pins or unpins a conversation.
func (e *Engine) Pin(ref protocol.ConversationRef, pinned bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.convs[ref]; ok {
		c.Pinned = pinned
	}
}

// Unread returns ref's unread count.
func (e *Engine) Unread(ref protocol.ConversationRef) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.convs[ref]; ok {
		return c.Unread
	}
	return 0
}

// Conversations returns the conversation list: pinned first, then by most
// recent activity.
func (e *Engine) Conversations() []Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	sorted := e.sortedLocked()
	out := make([]Conversation, len(sorted))
	for i, c := range sorted {
		out[i] = c.Conversation
	}
	return out
}

// Messages returns a copy of ref's visible messages.
func (e *Engine) Messages(ref protocol.ConversationRef) []Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.convs[ref]
	if !ok {
		return nil
	}
	out := make([]Item, len(c.items))
	for i, it := range c.items {
		out[i] = it.clone()
	}
	return out
}

// User returns the cached profile of userID.
func (e *Engine) User(userID int64) (protocol.User, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.users[userID]
	return u, ok
}

// Server returns the cached presentation of a server.
func (e *Engine) Server(serverID int64) (ServerInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.servers[serverID]
	return s, ok
}

func (e *Engine) applyProfile(u protocol.User) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.users[u.ID] = u
	for _, c := range e.convs {
		if c.Ref.DM && c.PeerID == u.ID {
			c.Name = u.Name()
		}
	}
	return true
}

func (e *Engine) applyBackground(ref protocol.ConversationRef, background string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.convs[ref]
	if !ok {
		return false
	}
	c.Background = background
	return true
}

func (e *Engine) applyServer(ev *protocol.ServerAestheticsUpdated) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.servers[ev.ServerID] = ServerInfo{
		ID:         ev.ServerID,
		Name:       ev.Name,
		IconImg:    ev.IconImg,
		Banner:     ev.Banner,
		DefChBg:    ev.DefChBg,
		Aesthetics: slices.Clone([]byte(ev.Aesthetics)),
	}
	for _, c := range e.convs {
		if c.ServerID == ev.ServerID {
			c.ServerName = ev.Name
		}
	}
	return true
}

// Apply folds an inbound server event into the engine and reports whether
// visible state changed.
func (e *Engine) Apply(ev protocol.ServerEvent) bool {
	switch ev := ev.(type) {
	case *protocol.Authenticated:
		e.SetSelf(ev.UserID)
		return true
	case *protocol.ChannelMessage:
		return e.ApplyConfirmed(ev.Message) != OutcomeIgnored
	case *protocol.DMMessage:
		return e.ApplyConfirmed(ev.Message) != OutcomeIgnored
	case *protocol.MessageEdited:
		return e.ApplyEdit(protocol.ChannelRef(ev.ChannelID), ev.MessageID, ev.Text)
	case *protocol.DMMessageEdited:
		return e.ApplyEdit(protocol.DMRef(ev.DMChannelID), ev.MessageID, ev.Text)
	case *protocol.MessageDeleted:
		return e.ApplyDelete(protocol.ChannelRef(ev.ChannelID), ev.MessageID)
	case *protocol.DMMessageDeleted:
		return e.ApplyDelete(protocol.DMRef(ev.DMChannelID), ev.MessageID)
	case *protocol.ReactionsUpdated:
		return e.ApplyReactions(ev.Conversation(), ev.MessageID, ev.Reactions)
	case *protocol.UserTyping:
		return e.ApplyTyping(ev.Conversation(), ev.UserID, ev.Username)
	case *protocol.ProfileUpdated:
		return e.applyProfile(ev.User)
	case *protocol.DMBackgroundChanged:
		return e.applyBackground(protocol.DMRef(ev.DMChannelID), ev.Background)
	case *protocol.ChannelBackgroundChanged:
		return e.applyBackground(protocol.ChannelRef(ev.ChannelID), ev.Background)
	case *protocol.ServerAestheticsUpdated:
		return e.applyServer(ev)
	case *protocol.Error:
		return false
	default:
		e.logger.Warn().Str("type", ev.EventType()).Msg("unhandled server event")
		return false
	}
}

// Snapshot is the persisted form of the engine.
type Snapshot struct {
	SelfID        int64                     `json:"self_id"`
	Open          *protocol.ConversationRef `json:"open,omitempty"`
	Conversations []ConversationState       `json:"conversations"`
	Users         []protocol.User           `json:"users,omitempty"`
	Servers       []ServerInfo              `json:"servers,omitempty"`
}

// ConversationState is one conversation in a Snapshot.
type ConversationState struct {
	Conversation
	Messages []Item `json:"messages,omitempty"`
}

// Snapshot captures the engine state. Each conversation keeps its most
// recent messages only.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{SelfID: e.self}
	if e.hasOpen {
		open := e.open
		snap.Open = &open
	}
	for _, c := range e.sortedLocked() {
		items := c.items
		if len(items) > snapshotMessageLimit {
			items = items[len(items)-snapshotMessageLimit:]
		}
		cs := ConversationState{Conversation: c.Conversation, Messages: make([]Item, len(items))}
		for i, it := range items {
			cs.Messages[i] = it.clone()
		}
		snap.Conversations = append(snap.Conversations, cs)
	}
	for _, u := range e.users {
		snap.Users = append(snap.Users, u)
	}
	sort.Slice(snap.Users, func(i, j int) bool { return snap.Users[i].ID < snap.Users[j].ID })
	for _, s := range e.servers {
		snap.Servers = append(snap.Servers, s)
	}
	sort.Slice(snap.Servers, func(i, j int) bool { return snap.Servers[i].ID < snap.Servers[j].ID })
	return snap
}

// Restore replaces the engine state with snap. Echoes that were still
// pending when the snapshot was taken are marked failed, and a selection
// that points at a missing conversation falls back to the first one.
func (e *Engine) Restore(snap Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if snap.SelfID != 0 {
		e.self = snap.SelfID
	}
	e.convs = make(map[protocol.ConversationRef]*conversation, len(snap.Conversations))
	e.typing = make(map[protocol.ConversationRef]map[int64]typingEntry)
	for _, cs := range snap.Conversations {
		c := &conversation{Conversation: cs.Conversation}
		c.Loaded = false
		c.items = make([]Item, len(cs.Messages))
		for i, it := range cs.Messages {
			if it.Status == StatusPending {
				it.Status = StatusFailed
			}
			c.items[i] = it.clone()
		}
		e.convs[c.Ref] = c
	}
	e.users = make(map[int64]protocol.User, len(snap.Users))
	for _, u := range snap.Users {
		e.users[u.ID] = u
	}
	e.servers = make(map[int64]ServerInfo, len(snap.Servers))
	for _, s := range snap.Servers {
		e.servers[s.ID] = s
	}

	e.hasOpen = snap.Open != nil
	if snap.Open != nil {
		e.open = *snap.Open
	}
	e.ensureOpenLocked()
}
