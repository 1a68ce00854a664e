package router

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

func newReqID() string {
	return uuid.NewString()[:8]
}

// tokenize splits a command line on whitespace; quotes group words.
//
//	/teacher "Иванов И" -> ["/teacher", "Иванов И"]
func tokenize(s string) []string {
	var (
		out  []string
		buf  strings.Builder
		quot rune
		esc  bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for _, r := range strings.TrimSpace(s) {
		switch {
		case esc:
			buf.WriteRune(r)
			esc = false
		case r == '\\':
			esc = true
		case quot != 0:
			if r == quot {
				quot = 0
				continue
			}
			buf.WriteRune(r)
		case r == '"' || r == '\'':
			quot = r
		case unicode.IsSpace(r):
			flush()
		default:
			buf.WriteRune(r)
		}
	}
	flush()
	return out
}

// sanitizeCommand maps a name onto Telegram's [a-z0-9_]{1,32} command alphabet.
func sanitizeCommand(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}
