package alert

import (
	"strings"
	"unicode/utf8"
)

const (
	// MaxSMSLength is the single-segment SMS limit, counted in characters.
	MaxSMSLength = 160

	ellipsis         = "..."
	maxAppNameLength = 20
	unknownSender    = "Unknown"
)

// FormatMessage renders an alert for a mobile-app notification as
// "APP: sender - text", never longer than MaxSMSLength. The app prefix and the
// sender always survive; the text is truncated first.
func FormatMessage(sourceApp, sender, text string) string {
	prefix := ""
	if app := collapseWhitespace(sourceApp); app != "" {
		prefix = truncate(strings.ToUpper(app), maxAppNameLength) + ": "
	}
	return compose(prefix, sender, " - ", text)
}

// FormatEmailMessage renders an alert for an email as "URGENT from sender: subject".
func FormatEmailMessage(sender, subject string) string {
	return compose("URGENT from ", sender, ": ", subject)
}

func compose(prefix, sender, separator, text string) string {
	sender = collapseWhitespace(sender)
	if sender == "" {
		sender = unknownSender
	}
	text = collapseWhitespace(text)

	budget := MaxSMSLength - utf8.RuneCountInString(prefix)
	senderLength := utf8.RuneCountInString(sender)
	if text == "" || senderLength+utf8.RuneCountInString(separator)+len(ellipsis) >= budget {
		return prefix + truncate(sender, budget)
	}
	remaining := budget - senderLength - utf8.RuneCountInString(separator)
	return prefix + sender + separator + truncate(text, remaining)
}

func truncate(value string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	if limit <= len(ellipsis) {
		return string(runes[:limit])
	}
	return string(runes[:limit-len(ellipsis)]) + ellipsis
}

func collapseWhitespace(value string) string {
	return strings.Join(strings.Fields(value), " ")
}
