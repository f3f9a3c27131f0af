package router

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	kit "fleetbot/internal/transport"
)

// cmdNode is one token of a command route; a node with cmd set is invocable.
type cmdNode struct {
	name     string
	cmd      *Command
	children map[string]*cmdNode
}

func newRoot() *cmdNode {
	return &cmdNode{children: map[string]*cmdNode{}}
}

func splitRoute(route string) []string {
	return strings.Fields(route)
}

func (n *cmdNode) add(route []string, c Command) {
	cur := n
	for _, tok := range route {
		next, ok := cur.children[tok]
		if !ok {
			next = &cmdNode{name: tok, children: map[string]*cmdNode{}}
			cur.children[tok] = next
		}
		cur = next
	}
	cur.cmd = &c
}

func (n *cmdNode) find(path []string) *cmdNode {
	cur := n
	for _, tok := range path {
		if cur = cur.children[tok]; cur == nil {
			return nil
		}
	}
	return cur
}

func (n *cmdNode) child(name string) (*cmdNode, bool) {
	c, ok := n.children[name]
	return c, ok
}

func (n *cmdNode) childNames() []string {
	out := make([]string, 0, len(n.children))
	for k := range n.children {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// leaves returns every command at or below n, ordered by route.
func (n *cmdNode) leaves() []Command {
	var out []Command
	var walk func(x *cmdNode)
	walk = func(x *cmdNode) {
		if x.cmd != nil {
			out = append(out, *x.cmd)
		}
		for _, name := range x.childNames() {
			walk(x.children[name])
		}
	}
	walk(n)
	return out
}

// ownerOnly reports whether nothing at or below n is open to everyone.
func (n *cmdNode) ownerOnly() bool {
	for _, c := range n.leaves() {
		if c.Access == AccessEveryone {
			return false
		}
	}
	return true
}

var menuUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// menuName maps a route or alias to a bot command name, [a-z0-9_]{1,32}
// starting with a letter: "proxies check" becomes "proxies_check".
func menuName(s string) string {
	s = strings.Trim(menuUnsafe.ReplaceAllString(strings.ToLower(s), "_"), "_")
	if s == "" {
		return ""
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "cmd_" + s
	}
	if len(s) > 32 {
		s = strings.TrimRight(s[:32], "_")
	}
	return s
}

// usageArgs is the argument part of a command's usage line:
// "/run <task>" yields "<task>".
func usageArgs(c Command) string {
	u := strings.TrimPrefix(strings.TrimSpace(c.Usage), "/")
	return strings.TrimSpace(strings.TrimPrefix(u, c.Route))
}

// menuCommands lists one bot command per invocable route, with the argument
// hint folded into the description so the client shows what to type.
func menuCommands(root *cmdNode) []kit.BotCommand {
	const maxCommands, maxDesc = 100, 256

	seen := map[string]bool{}
	out := make([]kit.BotCommand, 0, len(root.children))
	for _, c := range root.leaves() {
		name := menuName(c.Route)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		desc := strings.TrimSpace(strings.ReplaceAll(c.Description, "\n", " "))
		if args := usageArgs(c); args != "" {
			desc = strings.TrimSpace(desc + " " + args)
		}
		if c.Access == AccessOwnerOnly {
			desc = "🔒 " + desc
		}
		if desc == "" {
			desc = name
		}
		for utf8.RuneCountInString(desc) > maxDesc {
			_, size := utf8.DecodeLastRuneInString(desc)
			desc = desc[:len(desc)-size]
		}
		out = append(out, kit.BotCommand{Command: name, Description: desc})
		if len(out) == maxCommands {
			break
		}
	}
	return out
}
