package background

import (
	"errors"
	"strings"
)

// Tokenization errors.
var (
	ErrEmptyCommand      = errors.New("command is empty")
	ErrUnterminatedQuote = errors.New("unterminated quote in command")
	ErrTrailingBackslash = errors.New("trailing backslash in command")
)

// Tokenize splits a command string into an argument vector without
// invoking a shell. Single and double quotes group words, backslash
// escapes the next character (inside double quotes only for \" and \\),
// and shell metacharacters (;, |, `, $, <, >, &) have no special
// meaning: they pass through as literal argument text. That closes the
// shell-injection class by construction.
func Tokenize(command string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inWord  bool
		quote   rune // 0, '\'' or '"'
		escaped bool
	)

	for _, r := range command {
		switch {
		case escaped:
			if quote == '"' && r != '"' && r != '\\' {
				// Inside double quotes a backslash stays literal unless
				// it escapes a quote or another backslash.
				cur.WriteRune('\\')
			}
			cur.WriteRune(r)
			inWord = true
			escaped = false

		case r == '\\' && quote != '\'':
			escaped = true
			inWord = true

		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}

		case r == '\'' || r == '"':
			quote = r
			inWord = true

		case r == ' ' || r == '\t' || r == '\n':
			if inWord {
				args = append(args, cur.String())
				cur.Reset()
				inWord = false
			}

		default:
			cur.WriteRune(r)
			inWord = true
		}
	}

	if escaped {
		return nil, ErrTrailingBackslash
	}
	if quote != 0 {
		return nil, ErrUnterminatedQuote
	}
	if inWord {
		args = append(args, cur.String())
	}
	if len(args) == 0 {
		return nil, ErrEmptyCommand
	}
	return args, nil
}
