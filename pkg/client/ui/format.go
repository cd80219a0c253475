package ui

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aeolun/syntaxy/pkg/client"
	"github.com/dustin/go-humanize"
)

// formatTimestamp renders a message time either relative to now or as a
// wall-clock time. Messages from today omit the date in absolute mode.
func formatTimestamp(t, now time.Time, absolute bool) string {
	if t.IsZero() {
		return ""
	}
	if absolute {
		t = t.Local()
		y1, m1, d1 := t.Date()
		y2, m2, d2 := now.Local().Date()
		if y1 == y2 && m1 == m2 && d1 == d2 {
			return t.Format("15:04")
		}
		return t.Format("Jan 2 15:04")
	}
	if d := now.Sub(t); d >= 0 && d < time.Minute {
		return "just now"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

// formatStatus describes the gateway state for the status line.
func formatStatus(u client.StateUpdate) string {
	switch u.State {
	case client.StateReady:
		return "connected"
	case client.StateConnecting:
		if u.Attempt > 0 {
			return fmt.Sprintf("connecting (attempt %d)", u.Attempt)
		}
		return "connecting"
	case client.StateAwaitingAuth:
		return "authenticating"
	}

	switch {
	case u.Exhausted:
		return "offline, press ctrl+r to reconnect"
	case errors.Is(u.Err, client.ErrSuperseded):
		return "signed in from another client"
	case errors.Is(u.Err, client.ErrAuthRejected):
		return "token rejected"
	case u.Delay > 0:
		return fmt.Sprintf("reconnecting in %s (attempt %d)", u.Delay.Round(time.Second), u.Attempt)
	}
	return "disconnected"
}

func formatTyping(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing..."
	case 2:
		return names[0] + " and " + names[1] + " are typing..."
	}
	return "several people are typing..."
}

func formatUnread(n int) string {
	if n <= 0 {
		return ""
	}
	if n > 99 {
		return "99+"
	}
	return humanize.Comma(int64(n))
}

func formatReactions(item client.Item) string {
	if len(item.Reactions) == 0 {
		return ""
	}
	emojis := make([]string, 0, len(item.Reactions))
	for emoji, users := range item.Reactions {
		if len(users) > 0 {
			emojis = append(emojis, emoji)
		}
	}
	sort.Strings(emojis)
	parts := make([]string, len(emojis))
	for i, emoji := range emojis {
		parts[i] = fmt.Sprintf("%s %d", emoji, len(item.Reactions[emoji]))
	}
	return strings.Join(parts, "  ")
}

func authorName(item client.Item) string {
	if item.DisplayName != "" {
		return item.DisplayName
	}
	if item.Username != "" {
		return item.Username
	}
	return fmt.Sprintf("user %d", item.UserID)
}

// formatItem renders one message as plain text parts; the view applies
// styles around them.
func formatItem(item client.Item, now time.Time, opts Options) (header, body, footer string) {
	header = authorName(item)
	if opts.ShowTimestamps {
		if ts := formatTimestamp(item.CreatedAt, now, opts.AbsoluteTimes); ts != "" {
			header += "  " + ts
		}
	}

	body = item.Text
	if item.Image != "" {
		if body != "" {
			body += " "
		}
		body += "[image]"
	}

	var tags []string
	switch item.Status {
	case client.StatusPending:
		tags = append(tags, "sending...")
	case client.StatusFailed:
		tags = append(tags, "failed, /retry to resend")
	}
	if item.Edited {
		tags = append(tags, "edited")
	}
	if r := formatReactions(item); r != "" {
		tags = append(tags, r)
	}
	footer = strings.Join(tags, "  ")
	return header, body, footer
}
