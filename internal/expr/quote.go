// Package expr holds the SQL text primitives shared by the dialect builders.
package expr

import (
	"errors"
	"strconv"
	"strings"
)

// ErrBuild marks a malformed predicate, buffer or identifier input.
var ErrBuild = errors.New("expression build")

// Ident double-quotes an identifier. Embedded quotes are doubled; case is kept.
func Ident(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Qualified quotes every non-empty part and joins them with dots.
func Qualified(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		out = append(out, Ident(p))
	}
	return strings.Join(out, ".")
}

// Literal single-quotes a string value.
func Literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func Int(n int64) string {
	return strconv.FormatInt(n, 10)
}

// Float renders a float without exponent so every dialect parses it.
func Float(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Unquote strips one level of double quotes from an identifier, if present.
func Unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
	}
	return s
}

// Paren wraps s in parentheses unless it already is one balanced group.
func Paren(s string) string {
	s = strings.TrimSpace(s)
	if wrapped(s) {
		return s
	}
	return "(" + s + ")"
}

func wrapped(s string) bool {
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return false
	}
	depth := 0
	inStr, inIdent := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inStr:
			if c == '\'' {
				inStr = false
			}
		case inIdent:
			if c == '"' {
				inIdent = false
			}
		case c == '\'':
			inStr = true
		case c == '"':
			inIdent = true
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 && i != len(s)-1 {
				return false
			}
		}
	}
	return depth == 0
}
