// Package ui is the terminal front end of the chat client.
package ui

import (
	"context"
	"time"

	"github.com/aeolun/syntaxy/pkg/client"
	"github.com/aeolun/syntaxy/pkg/protocol"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

const (
	listWidth      = 28
	typingInterval = 3 * time.Second
	maxInputLength = 4000
)

// Backend is the part of client.App the UI drives.
type Backend interface {
	Engine() *client.Engine
	Changes() <-chan struct{}
	Status() client.StateUpdate
	LastServerError() string
	Open(ctx context.Context, ref protocol.ConversationRef) error
	Send(ctx context.Context, ref protocol.ConversationRef, text, image string, replyTo int64) (client.Item, error)
	Retry(ctx context.Context, ref protocol.ConversationRef, tempID string) error
	Typing(ref protocol.ConversationRef)
	Reconnect() error
}

var _ Backend = (*client.App)(nil)

// Options control message rendering.
type Options struct {
	ShowTimestamps bool
	AbsoluteTimes  bool
}

type focus int

const (
	focusComposer focus = iota
	focusList
)

// Model is the bubbletea model: a conversation list on the left, the open
// conversation on the right, a status line and a composer.
type Model struct {
	ctx     context.Context
	backend Backend
	opts    Options
	now     func() time.Time

	width    int
	height   int
	focus    focus
	cursor   int
	input    textinput.Model
	messages viewport.Model

	lastTyping   time.Time
	errorMessage string
}

// Messages
type changedMsg struct{}

type tickMsg time.Time

type actionDoneMsg struct {
	err error
}

// NewModel creates the UI model. ctx bounds the network calls the UI makes.
func NewModel(ctx context.Context, backend Backend, opts Options) Model {
	in := textinput.New()
	in.Placeholder = "Message (/retry, /pin, /reconnect, /quit)"
	in.CharLimit = maxInputLength
	in.Prompt = "> "
	in.Focus()

	return Model{
		ctx:      ctx,
		backend:  backend,
		opts:     opts,
		now:      time.Now,
		input:    in,
		messages: viewport.New(0, 0),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		waitForChanges(m.backend.Changes()),
		textinput.Blink,
		tickCmd(),
	)
}

// waitForChanges blocks until the backend reports a change.
func waitForChanges(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return changedMsg{}
	}
}

// tickCmd redraws relative timestamps and expires typing indicators.
func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) current() (protocol.ConversationRef, bool) {
	return m.backend.Engine().Current()
}

func (m *Model) bodyHeight() int {
	// header, status line, composer
	h := m.height - 3
	if h < 3 {
		h = 3
	}
	return h
}

func (m *Model) resize() {
	w := m.width - listWidth - 4 - 4
	if w < 10 {
		w = 10
	}
	m.messages.Width = w
	m.messages.Height = m.bodyHeight() - 2
	m.input.Width = m.width - len(m.input.Prompt) - 1
}

// refresh re-reads engine state into the list cursor and the viewport.
func (m *Model) refresh() {
	convs := m.backend.Engine().Conversations()
	if m.cursor >= len(convs) {
		m.cursor = len(convs) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}

	atBottom := m.messages.AtBottom()
	m.messages.SetContent(m.renderMessages())
	if atBottom {
		m.messages.GotoBottom()
	}
}
