// Package sql parses the statements understood by the juicydb shell.
//
// The parser is a cursor over a token slice. Alternatives are tried by
// saving the cursor with mark and rewinding with reset; errors are returned
// as values, never panics.
package sql

import (
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// ErrSyntax reports input the parser does not accept.
var ErrSyntax = errors.New("syntax error")

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokKeyword
	tokInt
	tokString
	tokBlob
	tokSymbol
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of input"
	case tokIdent:
		return "identifier"
	case tokKeyword:
		return "keyword"
	case tokInt:
		return "integer"
	case tokString:
		return "string"
	case tokBlob:
		return "blob"
	default:
		return "symbol"
	}
}

type token struct {
	kind tokenKind
	text string // keywords upper-cased, strings unquoted, blobs decoded
	pos  int
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of input"
	case tokString:
		return "'" + t.text + "'"
	default:
		return t.text
	}
}

var keywords = map[string]bool{
	"AND": true, "CREATE": true, "DELETE": true, "DROP": true, "FROM": true,
	"INDEX": true, "INSERT": true, "INTO": true, "KEY": true, "NOT": true,
	"NULL": true, "ON": true, "OR": true, "PRIMARY": true, "SELECT": true,
	"TABLE": true, "VALUES": true, "WHERE": true,
}

// lex splits input into tokens, ending with a tokEOF.
func lex(input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		c := rune(input[i])
		switch {
		case unicode.IsSpace(c):
			i++

		case c == '-' && i+1 < len(input) && input[i+1] == '-':
			for i < len(input) && input[i] != '\n' {
				i++
			}

		case (c == 'x' || c == 'X') && i+1 < len(input) && input[i+1] == '\'':
			start := i
			s, next, err := lexQuoted(input, i+1)
			if err != nil {
				return nil, err
			}
			b, err := hex.DecodeString(s)
			if err != nil {
				return nil, errors.Wrapf(ErrSyntax, "invalid blob literal at %d", start)
			}
			toks = append(toks, token{kind: tokBlob, text: string(b), pos: start})
			i = next

		case c == '_' || unicode.IsLetter(c):
			start := i
			for i < len(input) && (input[i] == '_' || unicode.IsLetter(rune(input[i])) || unicode.IsDigit(rune(input[i]))) {
				i++
			}
			word := input[start:i]
			if upper := strings.ToUpper(word); keywords[upper] {
				toks = append(toks, token{kind: tokKeyword, text: upper, pos: start})
			} else {
				toks = append(toks, token{kind: tokIdent, text: word, pos: start})
			}

		case unicode.IsDigit(c):
			start := i
			for i < len(input) && unicode.IsDigit(rune(input[i])) {
				i++
			}
			toks = append(toks, token{kind: tokInt, text: input[start:i], pos: start})

		case c == '\'':
			start := i
			s, next, err := lexQuoted(input, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: s, pos: start})
			i = next

		default:
			sym := input[i : i+1]
			if i+1 < len(input) {
				switch two := input[i : i+2]; two {
				case "<=", ">=", "!=", "<>":
					sym = two
				}
			}
			if !strings.Contains("(),;*=<>-", sym) && len(sym) == 1 {
				return nil, errors.Wrapf(ErrSyntax, "unexpected character %q at %d", c, i)
			}
			toks = append(toks, token{kind: tokSymbol, text: sym, pos: i})
			i += len(sym)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(input)}), nil
}

// lexQuoted reads a single-quoted string starting at input[i] == '\''.
// A doubled quote stands for one quote.
func lexQuoted(input string, i int) (string, int, error) {
	var b strings.Builder
	for j := i + 1; j < len(input); j++ {
		if input[j] != '\'' {
			b.WriteByte(input[j])
			continue
		}
		if j+1 < len(input) && input[j+1] == '\'' {
			b.WriteByte('\'')
			j++
			continue
		}
		return b.String(), j + 1, nil
	}
	return "", 0, errors.Wrapf(ErrSyntax, "unterminated string at %d", i)
}
