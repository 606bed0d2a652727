package router

import (
	"strings"

	"github.com/BruceKZ/cfreminder-bot/pkg/tgui"
)

// helpText renders help in HTML parse mode. Owner-only commands are listed
// only for owners.
func (m *CommandManager) helpText(from int64, args []string) tgui.H {
	owner := m.isOwner(from)
	if len(args) > 0 {
		name := strings.ToLower(strings.TrimPrefix(args[0], "/"))
		c, ok := m.lookup(name)
		if !ok || (c.Access == AccessOwnerOnly && !owner) {
			return tgui.Lines(
				tgui.Raw("❓ ")+tgui.B("Unknown command"),
				tgui.Raw("Type ")+tgui.Code("/help")+tgui.Raw(" to see the list."),
			)
		}
		return commandHelp(c)
	}

	lines := []tgui.H{
		tgui.Raw("📚 ") + tgui.B("Commands"),
		tgui.Raw("Type ") + tgui.Code("/help <command>") + tgui.Raw(" for details."),
		"",
	}
	for _, c := range m.commands() {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		line := tgui.Raw("• ") + tgui.Code("/"+c.Name)
		if c.Access == AccessOwnerOnly {
			line = tgui.Raw("• 🔒 ") + tgui.Code("/"+c.Name)
		}
		if d := strings.TrimSpace(c.Description); d != "" {
			line += tgui.Raw(" - ") + tgui.Esc(d)
		}
		lines = append(lines, line)
	}
	return tgui.Lines(lines...)
}

func commandHelp(c *Command) tgui.H {
	lines := []tgui.H{tgui.Raw("📚 ") + tgui.B("Help") + " " + tgui.Code("/"+c.Name)}
	if d := strings.TrimSpace(c.Description); d != "" {
		lines = append(lines, tgui.Esc(d))
	}
	if c.Access == AccessOwnerOnly {
		lines = append(lines, tgui.Raw("🔒 ")+tgui.I("owner only"))
	}
	if c.Scope == ScopePrivate {
		lines = append(lines, tgui.Raw("💬 ")+tgui.I("private chat only"))
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		lines = append(lines, tgui.B("Usage")+" "+tgui.Code(u))
	}
	if len(c.Aliases) > 0 {
		parts := make([]tgui.H, 0, len(c.Aliases))
		for _, a := range c.Aliases {
			parts = append(parts, tgui.Code("/"+a))
		}
		lines = append(lines, tgui.B("Aliases")+" "+tgui.JoinH(", ", parts...))
	}
	return tgui.Lines(lines...)
}
