package engine

import (
	"fmt"
	"strings"
	"unicode"
)

// SplitStatements splits a SQL script into its statements, dropping empty
// ones and the terminating semicolons. Semicolons inside string literals,
// quoted identifiers, comments and CREATE TRIGGER bodies do not split.
func SplitStatements(script string) ([]string, error) {
	var (
		stmts    []string
		start    int
		hasText  bool
		words    []string // leading keywords of the current statement
		word     strings.Builder
		trigger  bool
		depth    int // BEGIN/CASE nesting inside a trigger body
		sawBegin bool
	)

	endWord := func() {
		if word.Len() == 0 {
			return
		}
		w := strings.ToUpper(word.String())
		word.Reset()
		if len(words) < 4 {
			words = append(words, w)
			if words[0] == "CREATE" && w == "TRIGGER" {
				trigger = true
			}
		}
		if !trigger {
			return
		}
		switch w {
		case "BEGIN":
			depth++
			sawBegin = true
		case "CASE":
			depth++
		case "END":
			if depth > 0 {
				depth--
			}
		}
	}

	flush := func(end int) {
		if hasText {
			if s := strings.TrimSpace(script[start:end]); s != "" {
				stmts = append(stmts, s)
			}
		}
		start = end + 1
		hasText = false
		words = words[:0]
		trigger = false
		depth = 0
		sawBegin = false
	}

	n := len(script)
	for i := 0; i < n; i++ {
		c := script[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			endWord()
			hasText = true
			j, err := skipQuoted(script, i, c)
			if err != nil {
				return nil, err
			}
			i = j
		case c == '[':
			endWord()
			hasText = true
			j := strings.IndexByte(script[i+1:], ']')
			if j < 0 {
				return nil, fmt.Errorf("engine: unterminated identifier at offset %d", i)
			}
			i += j + 1
		case c == '-' && i+1 < n && script[i+1] == '-':
			endWord()
			j := strings.IndexByte(script[i:], '\n')
			if j < 0 {
				i = n
			} else {
				i += j
			}
		case c == '/' && i+1 < n && script[i+1] == '*':
			endWord()
			j := strings.Index(script[i+2:], "*/")
			if j < 0 {
				i = n
			} else {
				i += j + 3
			}
		case c == ';':
			endWord()
			if trigger && (!sawBegin || depth > 0) {
				continue
			}
			flush(i)
		case isWordByte(c):
			hasText = true
			word.WriteByte(c)
		default:
			endWord()
			if !unicode.IsSpace(rune(c)) {
				hasText = true
			}
		}
	}
	endWord()
	flush(n)
	return stmts, nil
}

func isWordByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c >= 0x80
}

// skipQuoted returns the index of the quote closing the literal opened at
// i. A doubled quote character is an escaped quote.
func skipQuoted(s string, i int, q byte) (int, error) {
	for j := i + 1; j < len(s); j++ {
		if s[j] != q {
			continue
		}
		if j+1 < len(s) && s[j+1] == q {
			j++
			continue
		}
		return j, nil
	}
	return 0, fmt.Errorf("engine: unterminated quoted text at offset %d", i)
}
