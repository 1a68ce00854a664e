package router

import (
	"html"
	"strings"

	kit "timetablebot/internal/transport"
)

// HelpText lists visible commands; owner-only ones only for owners.
func (m *Router) HelpText(owner bool) string {
	m.mu.RLock()
	cmds := m.ordered
	m.mu.RUnlock()

	var b strings.Builder
	b.WriteString("📚 <b>Команды</b>\n\n")
	for _, c := range cmds {
		if c.Hidden || (c.Access == AccessOwnerOnly && !owner) {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		b.WriteString("• <code>" + html.EscapeString(usage) + "</code>")
		if c.Description != "" {
			b.WriteString(" - " + html.EscapeString(c.Description))
		}
		if c.Access == AccessOwnerOnly {
			b.WriteString(" 🔒")
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// buildMenu keeps registration order and skips hidden and owner-only commands.
func buildMenu(cmds []Command) []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		if c.Hidden || c.Access == AccessOwnerOnly {
			continue
		}
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = c.Name
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: desc})
		if len(out) == 100 {
			break
		}
	}
	return out
}
