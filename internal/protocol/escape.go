// Package protocol implements the line-oriented text codec spoken over
// stdin/stdout: request decoding, entry line encoding and decoding, and a
// serialized response writer.
//
// Every path and name crossing the wire is escaped so that it fits on one
// line: a newline becomes the two characters `\n` and a backslash becomes
// `\\`. Length prefixes count characters (UTF-8 runes) of the escaped text.
package protocol

import (
	"strings"
	"unicode/utf8"
)

// Escape replaces newlines and backslashes with their two-character escapes.
func Escape(s string) string {
	if !strings.ContainsAny(s, "\n\\") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\n':
			b.WriteString(`\n`)
		case '\\':
			b.WriteString(`\\`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Unescape reverses Escape. Unknown escape sequences are kept verbatim.
func Unescape(s string) string {
	if strings.IndexByte(s, '\\') < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case 'n':
				b.WriteByte('\n')
				i++
				continue
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// CharLen returns the number of characters in s as counted by length
// prefixes on the wire.
func CharLen(s string) int {
	return utf8.RuneCountInString(s)
}

// takeChars returns the byte length of the first n characters of s, or
// false if s holds fewer than n characters.
func takeChars(s string, n int) (int, bool) {
	pos := 0
	for i := 0; i < n; i++ {
		if pos >= len(s) {
			return 0, false
		}
		_, size := utf8.DecodeRuneInString(s[pos:])
		pos += size
	}
	return pos, true
}
