package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/aeolun/syntaxy/pkg/client"
	"github.com/charmbracelet/lipgloss"
)

// View renders the whole screen.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	body := lipgloss.JoinHorizontal(lipgloss.Top,
		m.renderConversationList(),
		m.renderMessagePane(),
	)
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		body,
		m.renderStatusLine(),
		m.input.View(),
	)
}

func (m Model) renderHeader() string {
	title := HeaderStyle.Render("syntaxy")
	ref, ok := m.backend.Engine().Current()
	if !ok {
		return title
	}
	for _, c := range m.backend.Engine().Conversations() {
		if c.Ref != ref {
			continue
		}
		name := c.Name
		if ref.DM {
			name = "@" + name
		} else {
			name = "#" + name
		}
		if c.ServerName != "" {
			name = c.ServerName + " / " + name
		}
		return title + StatusStyle.Render(name)
	}
	return title
}

func (m Model) renderConversationList() string {
	convs := m.backend.Engine().Conversations()
	open, _ := m.backend.Engine().Current()
	inner := listWidth - 2

	var b strings.Builder
	if len(convs) == 0 {
		b.WriteString(StatusStyle.Render("No conversations"))
	}
	for i, c := range convs {
		prefix := "  "
		if c.Pinned {
			prefix = "* "
		}
		sigil := "#"
		if c.Ref.DM {
			sigil = "@"
		}
		name := prefix + sigil + c.Name
		badge := formatUnread(c.Unread)
		if room := inner - len(badge) - 1; lipgloss.Width(name) > room && room > 3 {
			name = truncate(name, room)
		}

		style := UnselectedItemStyle
		switch {
		case m.focus == focusList && i == m.cursor:
			style = SelectedItemStyle
		case c.Ref == open:
			style = OpenItemStyle
		}
		line := style.Render(name)
		if badge != "" {
			line += " " + UnreadBadgeStyle.Render(badge)
		}
		b.WriteString(line)
		if i < len(convs)-1 {
			b.WriteString("\n")
		}
	}

	pane := ListPaneStyle
	if m.focus == focusList {
		pane = FocusedListPaneStyle
	}
	return pane.Width(listWidth).Height(m.bodyHeight() - 2).Render(b.String())
}

func (m Model) renderMessagePane() string {
	return MessagePaneStyle.
		Width(m.messages.Width + 2).
		Height(m.bodyHeight() - 2).
		Render(m.messages.View())
}

// renderMessages builds the viewport content for the open conversation.
func (m Model) renderMessages() string {
	ref, ok := m.backend.Engine().Current()
	if !ok {
		return StatusStyle.Render("Select a conversation with tab")
	}
	items := m.backend.Engine().Messages(ref)
	if len(items) == 0 {
		return StatusStyle.Render("No messages yet")
	}

	self := m.backend.Engine().Self()
	now := m.now()
	width := m.messages.Width
	if width <= 0 {
		width = 60
	}

	blocks := make([]string, 0, len(items))
	for _, item := range items {
		blocks = append(blocks, renderItem(item, self, now, m.opts, width))
	}
	return strings.Join(blocks, "\n\n")
}

func renderItem(item client.Item, self int64, now time.Time, opts Options, width int) string {
	header, body, footer := formatItem(item, now, opts)

	author := MessageAuthorStyle
	if item.UserID == self {
		author = OwnAuthorStyle
	}
	name := authorName(item)
	lines := []string{author.Render(name) + MessageTimestampStyle.Render(strings.TrimPrefix(header, name))}

	content := MessageContentStyle
	if item.Status == client.StatusPending {
		content = PendingStyle
	}
	if body != "" {
		lines = append(lines, content.Width(width).Render(body))
	}

	if footer != "" {
		tag := MessageTimestampStyle
		switch item.Status {
		case client.StatusFailed:
			tag = FailedStyle
		case client.StatusConfirmed:
			if len(item.Reactions) > 0 {
				tag = ReactionStyle
			}
		}
		lines = append(lines, tag.Render(footer))
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderStatusLine() string {
	status := m.backend.Status()
	text := formatStatus(status)

	style := DisconnectedStyle
	switch status.State {
	case client.StateReady:
		style = ConnectedStyle
	case client.StateConnecting, client.StateAwaitingAuth:
		style = ReconnectingStyle
	case client.StateDisconnected:
		if status.Delay > 0 {
			style = ReconnectingStyle
		}
	}
	parts := []string{style.Render(text)}

	if ref, ok := m.backend.Engine().Current(); ok {
		if typing := formatTyping(m.backend.Engine().Typing(ref)); typing != "" {
			parts = append(parts, TypingStyle.Render(typing))
		}
	}
	switch {
	case m.errorMessage != "":
		parts = append(parts, ErrorStyle.Render(m.errorMessage))
	case m.backend.LastServerError() != "":
		parts = append(parts, ErrorStyle.Render(fmt.Sprintf("server: %s", m.backend.LastServerError())))
	}
	return StatusStyle.Render(strings.Join(parts, "  "))
}

func truncate(s string, width int) string {
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	return string(runes[:width-1]) + "…"
}
