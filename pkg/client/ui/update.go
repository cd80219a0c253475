package ui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aeolun/syntaxy/pkg/client"
	"github.com/aeolun/syntaxy/pkg/protocol"
	tea "github.com/charmbracelet/bubbletea"
)

// Update handles incoming messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.refresh()
		return m, nil

	case changedMsg:
		m.refresh()
		return m, waitForChanges(m.backend.Changes())

	case tickMsg:
		m.refresh()
		return m, tickCmd()

	case actionDoneMsg:
		if msg.err != nil {
			m.errorMessage = msg.err.Error()
		} else {
			m.errorMessage = ""
		}
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		return m.handleKeyPress(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "tab":
		if m.focus == focusComposer {
			m.focus = focusList
			m.input.Blur()
			m.syncCursor()
		} else {
			m.focus = focusComposer
			m.input.Focus()
		}
		return m, nil
	case "ctrl+r":
		return m, m.reconnect()
	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.messages, cmd = m.messages.Update(msg)
		return m, cmd
	}

	if m.focus == focusList {
		return m.handleListKeys(msg)
	}
	return m.handleComposerKeys(msg)
}

// syncCursor moves the list cursor onto the open conversation.
func (m *Model) syncCursor() {
	ref, ok := m.current()
	if !ok {
		return
	}
	for i, c := range m.backend.Engine().Conversations() {
		if c.Ref == ref {
			m.cursor = i
			return
		}
	}
}

func (m Model) handleListKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	convs := m.backend.Engine().Conversations()
	switch msg.String() {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(convs)-1 {
			m.cursor++
		}
	case "p":
		if m.cursor < len(convs) {
			c := convs[m.cursor]
			m.backend.Engine().Pin(c.Ref, !c.Pinned)
			m.refresh()
			m.cursor = indexOf(m.backend.Engine().Conversations(), c.Ref)
		}
	case "enter", "l":
		if m.cursor < len(convs) {
			ref := convs[m.cursor].Ref
			m.focus = focusComposer
			m.input.Focus()
			return m, m.open(ref)
		}
	case "q":
		return m, tea.Quit
	}
	return m, nil
}

func indexOf(convs []client.Conversation, ref protocol.ConversationRef) int {
	for i, c := range convs {
		if c.Ref == ref {
			return i
		}
	}
	return 0
}

func (m Model) handleComposerKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyEnter {
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return m, nil
		}
		m.input.Reset()
		if strings.HasPrefix(text, "/") {
			return m.runCommand(text)
		}
		return m, m.send(text)
	}

	before := m.input.Value()
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	if m.input.Value() != before && m.input.Value() != "" {
		if typing := m.typing(); typing != nil {
			cmd = tea.Batch(cmd, typing)
		}
	}
	return m, cmd
}

func (m Model) runCommand(text string) (tea.Model, tea.Cmd) {
	name := strings.Fields(text)[0]
	switch name {
	case "/quit":
		return m, tea.Quit
	case "/reconnect":
		return m, m.reconnect()
	case "/pin":
		if ref, ok := m.current(); ok {
			pinned := false
			for _, c := range m.backend.Engine().Conversations() {
				if c.Ref == ref {
					pinned = c.Pinned
				}
			}
			m.backend.Engine().Pin(ref, !pinned)
			m.refresh()
		}
		return m, nil
	case "/retry":
		return m, m.retryLast()
	}
	m.errorMessage = fmt.Sprintf("Unknown command %s", name)
	return m, nil
}

func (m *Model) open(ref protocol.ConversationRef) tea.Cmd {
	ctx, backend := m.ctx, m.backend
	return func() tea.Msg {
		return actionDoneMsg{err: backend.Open(ctx, ref)}
	}
}

func (m *Model) send(text string) tea.Cmd {
	ref, ok := m.current()
	if !ok {
		m.errorMessage = "Open a conversation first"
		return nil
	}
	ctx, backend := m.ctx, m.backend
	return func() tea.Msg {
		_, err := backend.Send(ctx, ref, text, "", 0)
		return actionDoneMsg{err: err}
	}
}

// retryLast resends the most recent failed message of the open conversation.
func (m *Model) retryLast() tea.Cmd {
	ref, ok := m.current()
	if !ok {
		return nil
	}
	items := m.backend.Engine().Messages(ref)
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Status == client.StatusFailed {
			tempID := items[i].TempID
			ctx, backend := m.ctx, m.backend
			return func() tea.Msg {
				return actionDoneMsg{err: backend.Retry(ctx, ref, tempID)}
			}
		}
	}
	m.errorMessage = "Nothing to retry"
	return nil
}

func (m *Model) reconnect() tea.Cmd {
	backend := m.backend
	return func() tea.Msg {
		err := backend.Reconnect()
		if errors.Is(err, client.ErrGatewayClosed) {
			return tea.Quit()
		}
		return actionDoneMsg{err: err}
	}
}

// typing announces typing at most once per typingInterval.
func (m *Model) typing() tea.Cmd {
	ref, ok := m.current()
	if !ok {
		return nil
	}
	now := m.now()
	if now.Sub(m.lastTyping) < typingInterval {
		return nil
	}
	m.lastTyping = now
	backend := m.backend
	return func() tea.Msg {
		backend.Typing(ref)
		return nil
	}
}
