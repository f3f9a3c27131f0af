package router

import (
	"context"
	"html"
	"sort"
	"strings"
	"time"
)

const generalSection = "General"

// maxHintChoices bounds how many argument values help lists for one command.
const maxHintChoices = 20

// helpText renders help for path in Telegram HTML.
func (m *CommandManager) helpText(ctx context.Context, path []string) string {
	m.mu.RLock()
	root, alias := m.root, m.alias
	m.mu.RUnlock()

	if len(path) == 0 {
		return helpIndex(root)
	}
	cur := root
	for _, tok := range path {
		next, ok := cur.child(tok)
		if !ok {
			break
		}
		cur = next
	}
	if cur == root {
		leaf := alias[path[0]]
		if leaf == nil || leaf.cmd == nil {
			return "❓ unknown command, see /help"
		}
		cur = leaf
	}
	return helpCommand(ctx, cur)
}

// helpIndex lists every command under its section, owner-only ones marked.
func helpIndex(root *cmdNode) string {
	bySection := map[string][]Command{}
	for _, c := range root.leaves() {
		s := strings.TrimSpace(c.Section)
		if s == "" {
			s = generalSection
		}
		bySection[s] = append(bySection[s], c)
	}
	sections := make([]string, 0, len(bySection))
	for s := range bySection {
		if s != generalSection {
			sections = append(sections, s)
		}
	}
	sort.Strings(sections)
	if _, ok := bySection[generalSection]; ok {
		sections = append(sections, generalSection)
	}

	var b strings.Builder
	b.WriteString("📚 <b>Commands</b>\n<code>/help &lt;cmd&gt;</code> shows details.")
	for _, s := range sections {
		b.WriteString("\n\n<b>" + html.EscapeString(s) + "</b>")
		for _, c := range bySection[s] {
			b.WriteString("\n" + commandLine(c))
		}
	}
	return b.String()
}

func commandLine(c Command) string {
	line := "• "
	if c.Access == AccessOwnerOnly {
		line += "🔒 "
	}
	call := "/" + c.Route
	if args := usageArgs(c); args != "" {
		call += " " + args
	}
	line += "<code>" + html.EscapeString(call) + "</code>"
	if d := strings.TrimSpace(c.Description); d != "" {
		line += " " + html.EscapeString(d)
	}
	return line
}

// helpCommand describes one node: its own command when it has one, the
// accepted argument values, shortcuts and the commands below it.
func helpCommand(ctx context.Context, n *cmdNode) string {
	var lines []string
	below := n.leaves()
	if c := n.cmd; c != nil {
		below = below[1:]
		lines = append(lines, "📚 <b>/"+html.EscapeString(c.Route)+"</b>")
		if d := strings.TrimSpace(c.Description); d != "" {
			lines = append(lines, html.EscapeString(d))
		}
		if c.Access == AccessOwnerOnly {
			lines = append(lines, "🔒 <i>owner only</i>")
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
		}
		if choices := hintChoices(ctx, *c); len(choices) > 0 {
			lines = append(lines, "", "<b>"+html.EscapeString(argName(*c))+"</b>", html.EscapeString(strings.Join(choices, ", ")))
		}
		if short := shortcuts(*c); len(short) > 0 {
			lines = append(lines, "", "<b>Shortcuts</b>", "<code>/"+strings.Join(short, "</code> <code>/")+"</code>")
		}
	} else {
		lines = append(lines, "📚 <b>/"+html.EscapeString(n.name)+"</b>")
		if n.ownerOnly() {
			lines = append(lines, "🔒 <i>owner only</i>")
		}
	}
	if len(below) > 0 {
		lines = append(lines, "", "<b>Subcommands</b>")
		for _, c := range below {
			lines = append(lines, commandLine(c))
		}
	}
	return strings.Join(lines, "\n")
}

// argName is the first placeholder of the usage line, "<task>" -> "task".
func argName(c Command) string {
	args := strings.Fields(usageArgs(c))
	if len(args) == 0 {
		return "Choices"
	}
	return strings.Trim(args[0], "<>[].")
}

func hintChoices(ctx context.Context, c Command) []string {
	if c.Hint == nil {
		return nil
	}
	hctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	choices := c.Hint(hctx)
	if len(choices) > maxHintChoices {
		choices = append(choices[:maxHintChoices:maxHintChoices], "…")
	}
	return choices
}

// shortcuts are the other names a command answers to.
func shortcuts(c Command) []string {
	seen := map[string]bool{c.Route: true}
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	add(menuName(c.Route))
	for _, a := range c.Aliases {
		if a = strings.TrimSpace(a); !strings.Contains(a, " ") {
			add(a)
			add(menuName(a))
		}
	}
	sort.Strings(out)
	return out
}
