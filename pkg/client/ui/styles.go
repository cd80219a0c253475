package ui

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	PrimaryColor   = lipgloss.Color("39")  // Blue
	SecondaryColor = lipgloss.Color("213") // Pink
	SuccessColor   = lipgloss.Color("42")  // Green
	ErrorColor     = lipgloss.Color("196") // Red
	WarningColor   = lipgloss.Color("214") // Orange
	MutedColor     = lipgloss.Color("243") // Gray
	BorderColor    = lipgloss.Color("238") // Dark gray

	BaseStyle = lipgloss.NewStyle()

	HeaderStyle = BaseStyle.
			Bold(true).
			Foreground(PrimaryColor).
			Padding(0, 1)

	StatusStyle = BaseStyle.
			Foreground(MutedColor).
			Padding(0, 1)

	// Conversation list
	ListPaneStyle = BaseStyle.
			Border(lipgloss.RoundedBorder()).
			BorderForeground(BorderColor).
			Padding(0, 1)

	FocusedListPaneStyle = ListPaneStyle.
				BorderForeground(PrimaryColor)

	SelectedItemStyle = BaseStyle.
				Foreground(PrimaryColor).
				Bold(true)

	UnselectedItemStyle = BaseStyle.
				Foreground(lipgloss.Color("252"))

	OpenItemStyle = BaseStyle.
			Foreground(SecondaryColor)

	UnreadBadgeStyle = BaseStyle.
				Foreground(WarningColor).
				Bold(true)

	ServerLabelStyle = BaseStyle.
				Foreground(MutedColor).
				Italic(true)

	// Messages
	MessagePaneStyle = BaseStyle.
				Border(lipgloss.RoundedBorder()).
				BorderForeground(BorderColor).
				Padding(0, 1)

	MessageAuthorStyle = BaseStyle.
				Foreground(SecondaryColor).
				Bold(true)

	OwnAuthorStyle = BaseStyle.
			Foreground(SuccessColor).
			Bold(true)

	MessageTimestampStyle = BaseStyle.
				Foreground(MutedColor)

	MessageContentStyle = BaseStyle.
				Foreground(lipgloss.Color("252"))

	PendingStyle = BaseStyle.
			Foreground(MutedColor).
			Italic(true)

	FailedStyle = BaseStyle.
			Foreground(ErrorColor)

	ReactionStyle = BaseStyle.
			Foreground(WarningColor)

	// Status line
	ConnectedStyle = BaseStyle.
			Foreground(SuccessColor)

	DisconnectedStyle = BaseStyle.
				Foreground(ErrorColor)

	ReconnectingStyle = BaseStyle.
				Foreground(WarningColor)

	TypingStyle = BaseStyle.
			Foreground(MutedColor).
			Italic(true)

	ErrorStyle = BaseStyle.
			Foreground(ErrorColor).
			Bold(true)
)
