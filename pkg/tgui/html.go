package tgui

import (
	"html"
	"strings"
)

// H is HTML that is safe to pass to Telegram when ParseMode="HTML".
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

// Raw marks a string as already-safe HTML. Use sparingly.
func Raw(s string) H { return H(s) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H    { return wrap("b", Esc(s)) }
func I(s string) H    { return wrap("i", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

// JoinH joins non-blank parts with sep.
func JoinH(sep string, parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) == "" {
			continue
		}
		ss = append(ss, p.String())
	}
	return H(strings.Join(ss, sep))
}

// Builder accumulates HTML fragments.
type Builder struct {
	sb strings.Builder
}

// Text appends escaped text.
func (b *Builder) Text(s string) *Builder {
	b.sb.WriteString(html.EscapeString(s))
	return b
}

// HTML appends safe fragments verbatim.
func (b *Builder) HTML(parts ...H) *Builder {
	for _, p := range parts {
		b.sb.WriteString(string(p))
	}
	return b
}

func (b *Builder) Len() int { return b.sb.Len() }

func (b *Builder) H() H { return H(b.sb.String()) }
