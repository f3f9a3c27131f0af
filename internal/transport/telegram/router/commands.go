// Package router turns chat updates into command and callback invocations.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "fleetbot/internal/runtime/supervisor"
	kit "fleetbot/internal/transport"
	logx "fleetbot/pkg/logx"
)

type Access int

const (
	AccessOwnerOnly Access = iota
	AccessEveryone
)

type Command struct {
	// Route is a space-separated command path, e.g. "tasks" or "proxies check".
	Route       string
	Aliases     []string // root-level aliases
	Description string
	Usage       string
	Access      Access
	// Section groups the command in /help; empty means General.
	Section string
	// Hint lists values accepted by the first argument, shown in /help.
	Hint func(ctx context.Context) []string

	Timeout time.Duration // optional per-command override
	Handle  HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackRoute handles button data of the form "<Group>:<Action>[:payload]".
type CallbackRoute struct {
	Group       string
	Action      string
	Description string
	Access      Access
	Timeout     time.Duration
	Handle      CallbackHandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Path    []string // matched command path tokens
	Command string   // route, or "cb:<group>:<action>"
	Args    []string
	Payload string // callback payload

	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends text back to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return r.Adapter.SendText(ctx, r.Chat, text, opt)
}

// Arg returns the i-th positional argument or "".
func (r *Request) Arg(i int) string {
	if i < 0 || i >= len(r.Args) {
		return ""
	}
	return r.Args[i]
}

func (r *Request) log(fallback logx.Logger) logx.Logger {
	if r == nil || r.Logger.IsZero() {
		return fallback
	}
	return r.Logger
}

type CommandManager struct {
	mu    sync.RWMutex
	root  *cmdNode
	alias map[string]*cmdNode // alias -> leaf node

	cbMu      sync.RWMutex
	callbacks map[string]map[string]CallbackRoute // group -> action -> route

	owners []int64

	log     logx.Logger
	adapter kit.Adapter

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, owners []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandManager{
		root:      newRoot(),
		alias:     map[string]*cmdNode{},
		callbacks: map[string]map[string]CallbackRoute{},
		log:       log.With(logx.String("comp", "telegram.router")),
		adapter:   adapter,
		owners:    append([]int64(nil), owners...),
		jobs:      make(chan func(), 256),
	}
}

// Supervisor returns the dispatcher's supervisor (nil if not running).
func (m *CommandManager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *rtsup.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue tolerates the jobs channel being closed during shutdown.
func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetOwners replaces the owner list; safe during hot reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) ownersSnapshot() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int64(nil), m.owners...)
}

// IsOwner reports whether id may run owner-only commands.
func (m *CommandManager) IsOwner(id int64) bool {
	return isOwner(id, m.ownersSnapshot())
}

// SetRegistry installs commands and callbacks. A /help command is always added.
// The platform menu is refreshed in the background when the adapter supports it.
func (m *CommandManager) SetRegistry(ctx context.Context, cmds []Command, cbs []CallbackRoute) {
	helper := Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "show help",
		Usage:       "/help [cmd] [sub...]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			_, err := req.Reply(ctx, m.helpText(ctx, req.Args), &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
			return err
		},
	}
	cmds = append(cmds, helper)

	root := newRoot()
	alias := map[string]*cmdNode{}

	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		root.add(route, c)

		leaf := root.find(route)
		// Telegram menu commands are [a-z0-9_]{1,32}; "proxies check" is
		// reachable as /proxies_check. The canonical single token is not
		// aliased or it would shadow its own subcommands.
		if menu := menuName(c.Route); menu != "" {
			if len(route) > 1 || menu != route[0] {
				if _, exists := alias[menu]; !exists {
					alias[menu] = leaf
				}
			}
		}
		for _, a := range c.Aliases {
			a = strings.TrimSpace(a)
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			alias[a] = leaf
			if sa := menuName(a); sa != "" {
				if _, exists := alias[sa]; !exists {
					alias[sa] = leaf
				}
			}
		}
	}

	cb := map[string]map[string]CallbackRoute{}
	for _, r := range cbs {
		g := strings.TrimSpace(r.Group)
		a := strings.TrimSpace(r.Action)
		if g == "" || a == "" || r.Handle == nil {
			continue
		}
		if cb[g] == nil {
			cb[g] = map[string]CallbackRoute{}
		}
		cb[g][a] = r
	}

	m.mu.Lock()
	m.root = root
	m.alias = alias
	m.mu.Unlock()

	m.cbMu.Lock()
	m.callbacks = cb
	m.cbMu.Unlock()

	if up, ok := m.adapter.(kit.CommandMenuUpdater); ok {
		menu := menuCommands(root)
		go func() {
			uctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(uctx, menu); err != nil {
				m.log.Warn("menu update failed", logx.Err(err))
			}
		}()
	}
}

// DispatchLoop routes updates to a bounded worker pool until ctx ends or
// updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(runtime.NumCPU(), 2)

	sup := rtsup.New(ctx, rtsup.WithLogger(m.log), rtsup.WithCancelOnError(false))
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			m.setSupervisor(sup, false)
			close(m.jobs)
		})
	}

	for i := range workers {
		name := "command.worker." + strconv.Itoa(i)
		sup.GoRestart(name, func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					m.runJob(i, job)
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.routeUpdate(ctx, up)
		}
	}
}

func (m *CommandManager) runJob(worker int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (m *CommandManager) routeUpdate(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(ctx, up)
	case kit.UpdateCallback:
		m.routeCallback(ctx, up)
	}
}

func (m *CommandManager) routeMessage(ctx context.Context, up kit.Update) {
	if up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := parts[1:]
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	m.mu.RLock()
	rootNode := m.root
	aliasMap := m.alias
	m.mu.RUnlock()

	if leaf, ok := aliasMap[word]; ok && leaf != nil && leaf.cmd != nil {
		cmd := *leaf.cmd
		m.enqueueCommand(ctx, up, cmd, splitRoute(cmd.Route), args)
		return
	}

	cur, ok := rootNode.child(word)
	if !ok {
		_, _ = m.adapter.SendText(ctx, chat, "unknown command, try /help", nil)
		return
	}
	path := []string{word}
	for len(args) > 0 {
		nxt := args[0]
		if strings.HasPrefix(nxt, "-") {
			break
		}
		child, ok := cur.child(nxt)
		if !ok {
			break
		}
		cur = child
		path = append(path, nxt)
		args = args[1:]
	}

	// A group without its own handler answers with its help.
	if cur.cmd == nil {
		_, _ = m.adapter.SendText(ctx, chat, m.helpText(ctx, path), &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
		return
	}
	m.enqueueCommand(ctx, up, *cur.cmd, path, args)
}

func (m *CommandManager) enqueueCommand(ctx context.Context, up kit.Update, cmd Command, path []string, raw []string) {
	msg := up.Message
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if cmd.Access == AccessOwnerOnly && !m.IsOwner(msg.FromID) {
		m.log.Warn("unauthorized command", logx.Int64("from_id", msg.FromID), logx.String("cmd", cmd.Route))
		_, _ = m.adapter.SendText(ctx, chat, "⛔ unauthorized", nil)
		return
	}

	pos, flags, bools := parseFlags(raw)
	rid := newReqID()
	req := &Request{
		Update:    up,
		Chat:      chat,
		FromID:    msg.FromID,
		Path:      path,
		Command:   cmd.Route,
		Args:      pos,
		RawArgs:   raw,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Adapter:   m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
	}

	final := Chain(
		cmd.Handle,
		MWRequestLog(m.log),
		MWReplyError(),
		MWPanicRecover(m.log),
		MWTimeout(cmd.Timeout),
	)
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, chat, "busy, try again", nil)
	}
}

func (m *CommandManager) routeCallback(ctx context.Context, up kit.Update) {
	if up.Callback == nil {
		return
	}
	cb := up.Callback
	parts := strings.SplitN(strings.TrimSpace(cb.Data), ":", 3)
	if len(parts) < 2 {
		return
	}
	group, action := parts[0], parts[1]
	payload := ""
	if len(parts) == 3 {
		payload = parts[2]
	}

	m.cbMu.RLock()
	route, ok := m.callbacks[group][action]
	m.cbMu.RUnlock()
	if !ok {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	if route.Access == AccessOwnerOnly && !m.IsOwner(cb.FromID) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}

	rid := newReqID()
	command := "cb:" + group + ":" + action
	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		FromID:  cb.FromID,
		Command: command,
		Payload: payload,
		ReqID:   rid,
		Adapter: m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", cb.ChatID),
			logx.Int64("from_id", cb.FromID),
			logx.String("cmd", command),
		),
	}

	h := func(ctx context.Context, r *Request) error { return route.Handle(ctx, r, payload) }
	final := Chain(
		h,
		MWRequestLog(m.log),
		MWReplyError(),
		MWPanicRecover(m.log),
		MWTimeout(route.Timeout),
	)
	if !m.tryEnqueue(func() {
		_ = final(ctx, req)
		// Clears the client's loading indicator.
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
	}) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "busy")
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
