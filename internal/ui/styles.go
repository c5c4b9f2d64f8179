package ui

import (
	"fmt"
	"strings"
	"time"
)

// ANSI256 color codes matching the Ayu palette.
const (
	colorNew     = 114 // green
	colorChanged = 179 // amber
	colorAccent  = 74  // blue
	colorMuted   = 245 // medium gray
)

var noColor bool

func paint(code int, s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", code, s)
}

// RenderAccent returns s in the accent (blue) color.
func RenderAccent(s string) string { return paint(colorAccent, s) }

// RenderMuted returns s in the muted (gray) color.
func RenderMuted(s string) string { return paint(colorMuted, s) }

// RenderChannel colors a notification channel name: green for new records,
// amber for changed ones, accent for anything else.
func RenderChannel(channel string) string {
	switch {
	case strings.HasPrefix(channel, "new"):
		return paint(colorNew, channel)
	case strings.HasPrefix(channel, "changed"):
		return paint(colorChanged, channel)
	default:
		return RenderAccent(channel)
	}
}

// NotificationLine formats one watched notification as
// "<time> <channel> <payload>".
func NotificationLine(at time.Time, channel, payload string) string {
	padded := fmt.Sprintf("%-14s", channel)
	return RenderMuted(at.UTC().Format(time.RFC3339)) + " " + RenderChannel(padded) + " " + payload
}

// ForceNoColor disables color output globally.
func ForceNoColor() {
	noColor = true
}
