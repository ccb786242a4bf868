// Package stringutil bounds text destined for mission titles, chat
// posts, and outbound notices.
package stringutil

import "unicode/utf8"

// Truncate cuts s to at most max runes. Model output is arbitrary
// UTF-8, so the cut counts runes rather than bytes to avoid splitting
// a character.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

// Ellipsize cuts s to at most max runes, marking the cut with "...".
// Strings at or under the cap come back untouched; caps too small to
// fit the marker fall back to a plain cut.
func Ellipsize(s string, max int) string {
	if max < 4 {
		return Truncate(s, max)
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max-3]) + "..."
}
