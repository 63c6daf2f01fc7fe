// Package utils holds small text helpers for untrusted generator output.
package utils

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Length limits for generated recommendation text.
const (
	MaxTitleLength       = 200
	MaxDescriptionLength = 2000
	MaxExampleLength     = 300
	MaxExamples          = 10
)

// Control characters except tab, newline and carriage return.
var controlCharPattern = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)

// CleanText strips control characters, trims surrounding space and truncates to
// maxLen runes, ending truncated text with "...".
func CleanText(text string, maxLen int) string {
	text = controlCharPattern.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)
	return TruncateText(text, maxLen)
}

// CleanLine is CleanText for single-line fields: newlines become spaces.
func CleanLine(text string, maxLen int) string {
	text = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(text)
	return CleanText(text, maxLen)
}

// CleanList cleans each entry, drops empty ones and keeps at most maxItems.
func CleanList(items []string, maxItems, maxLen int) []string {
	if len(items) == 0 {
		return nil
	}
	out := make([]string, 0, min(len(items), maxItems))
	for _, item := range items {
		if len(out) == maxItems {
			break
		}
		if item = CleanLine(item, maxLen); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// TruncateText cuts text to maxLen runes, never splitting a UTF-8 sequence.
func TruncateText(text string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if utf8.RuneCountInString(text) <= maxLen {
		return text
	}
	if maxLen <= 3 {
		return strings.Repeat(".", maxLen)
	}
	runes := []rune(text)
	return strings.TrimRight(string(runes[:maxLen-3]), " ") + "..."
}

// EscapeForLogging truncates text and escapes line breaks for single-line logging.
func EscapeForLogging(text string, maxLen int) string {
	text = TruncateText(text, maxLen)
	return strings.NewReplacer("\n", `\n`, "\r", `\r`, "\t", `\t`).Replace(text)
}
