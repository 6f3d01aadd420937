// Package bufexpr parses per-feature buffer distance expressions and renders
// them for a specific SQL construct or evaluates them client-side.
package bufexpr

import (
	"fmt"
	"strings"
	"unicode"
)

type tokKind int

const (
	tokEOF tokKind = iota
	tokNum
	tokStr
	tokIdent
	tokQuoted
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var out []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			out = append(out, token{tokLParen, "(", i})
			i++
		case c == ')':
			out = append(out, token{tokRParen, ")", i})
			i++
		case c == ',':
			out = append(out, token{tokComma, ",", i})
			i++
		case c == '\'':
			s, n, err := scanQuoted(src[i:], '\'')
			if err != nil {
				return nil, fmt.Errorf("string at %d: %w", i, err)
			}
			out = append(out, token{tokStr, s, i})
			i += n
		case c == '"':
			s, n, err := scanQuoted(src[i:], '"')
			if err != nil {
				return nil, fmt.Errorf("identifier at %d: %w", i, err)
			}
			out = append(out, token{tokQuoted, s, i})
			i += n
		case unicode.IsDigit(c) || (c == '.' && i+1 < len(src) && unicode.IsDigit(rune(src[i+1]))):
			j := i
			seenDot, seenExp := false, false
			for j < len(src) {
				d := src[j]
				switch {
				case d >= '0' && d <= '9':
				case d == '.' && !seenDot && !seenExp:
					seenDot = true
				case (d == 'e' || d == 'E') && !seenExp && j+1 < len(src):
					seenExp = true
					if src[j+1] == '-' || src[j+1] == '+' {
						j++
					}
				default:
					goto done
				}
				j++
			}
		done:
			out = append(out, token{tokNum, src[i:j], i})
			i = j
		case c == '_' || unicode.IsLetter(c):
			j := i
			for j < len(src) && (src[j] == '_' || unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j]))) {
				j++
			}
			out = append(out, token{tokIdent, src[i:j], i})
			i = j
		default:
			op := ""
			for _, cand := range []string{">=", "<=", "<>", "!=", "==", "=", "<", ">", "+", "-", "*", "/", "%"} {
				if strings.HasPrefix(src[i:], cand) {
					op = cand
					break
				}
			}
			if op == "" {
				return nil, fmt.Errorf("unexpected character %q at %d", c, i)
			}
			width := len(op)
			if op == "==" {
				op = "="
			}
			out = append(out, token{tokOp, op, i})
			i += width
		}
	}
	out = append(out, token{tokEOF, "", len(src)})
	return out, nil
}

// scanQuoted reads a quote-delimited token where a doubled quote is an escape.
func scanQuoted(s string, q byte) (string, int, error) {
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		if s[i] == q {
			if i+1 < len(s) && s[i+1] == q {
				b.WriteByte(q)
				i++
				continue
			}
			return b.String(), i + 1, nil
		}
		b.WriteByte(s[i])
	}
	return "", 0, fmt.Errorf("unterminated %c", q)
}
