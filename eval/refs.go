package eval

import (
	"strings"
	"unicode"
)

// SplitDefinition splits a cell of the form "name = expr" into its bound name
// and expression. Sources without a leading assignment bind nothing and are
// returned whole as the body.
func SplitDefinition(source string) (name, body string) {
	for i := 0; i < len(source); i++ {
		if source[i] != '=' {
			continue
		}
		if i+1 < len(source) && source[i+1] == '=' {
			return "", strings.TrimSpace(source)
		}
		if i > 0 && strings.ContainsRune("=!<>", rune(source[i-1])) {
			return "", strings.TrimSpace(source)
		}
		lhs := strings.TrimSpace(source[:i])
		if !isIdentifier(lhs) {
			return "", strings.TrimSpace(source)
		}
		return lhs, strings.TrimSpace(source[i+1:])
	}
	return "", strings.TrimSpace(source)
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return true
}

// Identifiers returns the distinct identifier-shaped tokens of body in order
// of first appearance. The scan knows nothing about the grammar: names inside
// string literals or after a dot are reported too, so callers linking items
// by these tokens may over-link. That is accepted; it never under-links.
func Identifiers(body string) []string {
	var out []string
	seen := make(map[string]bool)
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		tok := body[start:end]
		start = -1
		if !seen[tok] {
			seen[tok] = true
			out = append(out, tok)
		}
	}
	for i, r := range body {
		switch {
		case r == '_' || unicode.IsLetter(r):
			if start < 0 {
				start = i
			}
		case unicode.IsDigit(r):
			// Digits continue an identifier but never start one.
		default:
			flush(i)
		}
	}
	flush(len(body))
	return out
}

// References returns the identifiers used by the expression part of source.
func References(source string) []string {
	_, body := SplitDefinition(source)
	return Identifiers(body)
}
