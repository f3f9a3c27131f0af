package control

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"fleetbot/internal/proxy"
	"fleetbot/internal/safety"
	"fleetbot/internal/task"
	"fleetbot/internal/task/engine"
	kit "fleetbot/internal/transport"
	"fleetbot/internal/transport/telegram/router"
	logx "fleetbot/pkg/logx"
)

func (c *Controller) cmdTasks(ctx context.Context, req *router.Request) error {
	tasks, err := c.deps.Store.ListTasks(ctx)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		_, err := req.Reply(ctx, "no tasks", nil)
		return err
	}
	lines := make([]string, 0, len(tasks)+1)
	lines = append(lines, fmt.Sprintf("📋 tasks (%d)", len(tasks)))
	for _, t := range tasks {
		line := fmt.Sprintf("%s %s · %s · %d accounts", c.taskIcon(t), t.Name, actionLabel(t.Action), len(t.Accounts))
		if s := strings.TrimSpace(t.Settings.Schedule); s != "" {
			line += " · ⏰ " + s
		}
		lines = append(lines, line)
	}
	_, err = req.Reply(ctx, strings.Join(lines, "\n"), nil)
	return err
}

func (c *Controller) taskIcon(t task.Task) string {
	switch {
	case c.deps.Engine.IsRunning(t.Name):
		return "▶️"
	case t.Status == task.StatusRunning:
		// persisted as running without a live run
		return "⚠️"
	default:
		return "⏸"
	}
}

func actionLabel(a task.Action) string {
	if a.IsZero() {
		return "no action"
	}
	return a.String()
}

func (c *Controller) cmdActive(ctx context.Context, req *router.Request) error {
	runs := c.deps.Engine.Active()
	if len(runs) == 0 {
		_, err := req.Reply(ctx, "no active runs", nil)
		return err
	}
	now := c.deps.Now()
	var b strings.Builder
	for i, r := range runs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "▶️ %s (%s) · %s\n", r.Task, r.Action, shortDuration(now.Sub(r.Started)))
		fmt.Fprintf(&b, "workers %d/%d · accounts %d", r.InUse, r.Workers, r.Accounts)
		if r.Stopping {
			b.WriteString(" · stopping")
		}
		if s := formatStates(r.States); s != "" {
			b.WriteString("\n" + s)
		}
	}
	_, err := req.Reply(ctx, b.String(), nil)
	return err
}

func formatStates(states map[string]int) string {
	keys := make([]string, 0, len(states))
	for k := range states {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s %d", k, states[k]))
	}
	return strings.Join(parts, ", ")
}

func shortDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return d.Round(time.Second).String()
	case d < time.Hour:
		return d.Round(time.Minute).String()
	default:
		return d.Round(time.Hour).String()
	}
}

func taskArg(req *router.Request, usage string) (string, error) {
	name := strings.TrimSpace(req.Arg(0))
	if name == "" {
		return "", usageError(usage)
	}
	return name, nil
}

// stopButtons returns the inline Stop button, or nil when the callback data
// would exceed the platform's 64 byte limit.
func stopButtons(name string) [][]kit.Button {
	data := "run:stop:" + name
	if len(data) > 64 {
		return nil
	}
	return [][]kit.Button{{{Text: "⏹ Stop", Data: data}}}
}

func (c *Controller) cmdRun(ctx context.Context, req *router.Request) error {
	name, err := taskArg(req, "/run <task>")
	if err != nil {
		return err
	}
	r, err := c.deps.Engine.Start(ctx, name)
	c.audit(ctx, req, "run", name, err)
	if errors.Is(err, engine.ErrRejected) {
		_, rerr := req.Reply(ctx, rejectionText(name, err), nil)
		return rerr
	}
	if err != nil {
		return err
	}
	text := fmt.Sprintf("▶️ %s started\nrun %s · %d accounts", name, shortID(r.ID), len(r.Accounts()))
	_, err = req.Reply(ctx, text, &kit.SendOptions{Buttons: stopButtons(name)})
	return err
}

// rejectionText names every account that kept a run from starting.
func rejectionText(name string, err error) string {
	lines := []string{"⛔ " + name + " not started, blocked by:"}
	var kind task.Kind
	for _, e := range leafErrors(err) {
		var rej *safety.Rejection
		if errors.As(e, &rej) {
			kind = rej.Kind
			lines = append(lines, "• "+rej.Account+": "+rej.Reason)
			continue
		}
		if !errors.Is(e, engine.ErrRejected) {
			lines = append(lines, "• "+e.Error())
		}
	}
	if kind != "" {
		lines = append(lines, "details: /safety "+string(kind))
	}
	return strings.Join(lines, "\n")
}

// leafErrors flattens joined errors. A single-wrapped error stays whole
// unless a join sits below it.
func leafErrors(err error) []error {
	if u, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range u.Unwrap() {
			out = append(out, leafErrors(e)...)
		}
		return out
	}
	if u, ok := err.(interface{ Unwrap() error }); ok {
		if inner := u.Unwrap(); inner != nil {
			if leaves := leafErrors(inner); len(leaves) > 1 {
				return leaves
			}
		}
	}
	return []error{err}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (c *Controller) cmdStop(ctx context.Context, req *router.Request) error {
	name, err := taskArg(req, "/stop <task>")
	if err != nil {
		return err
	}
	return c.stop(ctx, req, name)
}

func (c *Controller) cbStop(ctx context.Context, req *router.Request, payload string) error {
	if strings.TrimSpace(payload) == "" {
		return nil
	}
	return c.stop(ctx, req, payload)
}

func (c *Controller) stop(ctx context.Context, req *router.Request, name string) error {
	if !c.deps.Engine.Stop(name) {
		_, err := req.Reply(ctx, name+" is not running", nil)
		return err
	}
	c.audit(ctx, req, "stop", name, nil)
	_, err := req.Reply(ctx, "⏹ stopping "+name+"; the report follows once every account has disconnected", nil)
	return err
}

func (c *Controller) cmdReport(ctx context.Context, req *router.Request) error {
	name, err := taskArg(req, "/report <task>")
	if err != nil {
		return err
	}
	rep, err := c.deps.Engine.Report(ctx, name)
	if err != nil {
		return err
	}
	title := "📄 " + name
	if c.deps.Engine.IsRunning(name) {
		title += " (live)"
	}
	_, err = req.Reply(ctx, title+"\n"+rep, nil)
	return err
}

func (c *Controller) cmdDelete(ctx context.Context, req *router.Request) error {
	name, err := taskArg(req, "/delete <task>")
	if err != nil {
		return err
	}
	err = c.deps.Engine.Delete(ctx, name)
	c.audit(ctx, req, "delete", name, err)
	if err != nil {
		return err
	}
	if c.deps.Scheduler != nil {
		c.deps.Scheduler.Remove(name)
	}
	_, err = req.Reply(ctx, "🗑 deleted "+name, nil)
	return err
}

func (c *Controller) cmdAccounts(ctx context.Context, req *router.Request) error {
	accs, err := c.deps.Store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	if len(accs) == 0 {
		_, err := req.Reply(ctx, "no accounts", nil)
		return err
	}
	now := c.deps.Now()
	lines := []string{fmt.Sprintf("👤 accounts (%d)", len(accs))}
	for _, a := range accs {
		line := fmt.Sprintf("%s · %s", a.ID, safety.BucketFor(a.CreatedAt, now))
		if a.Status != "" {
			line += " · " + a.Status
		}
		if !a.WarmedUpAt.IsZero() {
			line += " · warmed"
		}
		if c.deps.Governor != nil {
			act := c.deps.Governor.Activity(a.ID, "")
			if act.RecentErrors > 0 {
				line += fmt.Sprintf(" · %d recent errors", act.RecentErrors)
			}
			if act.Blocked != "" {
				line += " · ⛔ " + act.Blocked
			}
		}
		lines = append(lines, line)
	}
	_, err = req.Reply(ctx, strings.Join(lines, "\n"), nil)
	return err
}

func proxyIcon(s proxy.Status) string {
	switch s {
	case proxy.StatusWorking:
		return "✅"
	case proxy.StatusNotWorking:
		return "❌"
	default:
		return "❔"
	}
}

func redact(raw string) string {
	ep, err := proxy.ParseEndpoint(raw)
	if err != nil {
		return "(invalid)"
	}
	return ep.Redacted()
}

const maxProxyLines = 50

func (c *Controller) cmdProxies(ctx context.Context, req *router.Request) error {
	recs, err := c.deps.Store.ListProxies(ctx)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return errNoProxies
	}
	counts := map[proxy.Status]int{}
	for _, r := range recs {
		counts[r.Status]++
	}
	lines := []string{fmt.Sprintf("🌐 proxies: %d · ✅ %d · ❌ %d · ❔ %d",
		len(recs), counts[proxy.StatusWorking], counts[proxy.StatusNotWorking], counts[proxy.StatusUntested])}
	for i, r := range recs {
		if i == maxProxyLines {
			lines = append(lines, fmt.Sprintf("… and %d more", len(recs)-maxProxyLines))
			break
		}
		line := proxyIcon(r.Status) + " " + redact(r.Endpoint)
		if r.Latency != "" {
			line += " " + r.Latency
		}
		lines = append(lines, line)
	}
	_, err = req.Reply(ctx, strings.Join(lines, "\n"), nil)
	return err
}

func (c *Controller) cmdProxiesCheck(ctx context.Context, req *router.Request) error {
	if c.deps.Checker == nil {
		return fmt.Errorf("proxy check: %w", errUnavailable)
	}
	recs, err := c.deps.Store.ListProxies(ctx)
	if err != nil {
		return err
	}
	eps := make([]proxy.Endpoint, 0, len(recs))
	for _, r := range recs {
		if ep, err := proxy.ParseEndpoint(r.Endpoint); err == nil {
			eps = append(eps, ep)
		}
	}
	if len(eps) == 0 {
		return errNoProxies
	}

	ref, err := req.Reply(ctx, fmt.Sprintf("🔎 checking %d proxies…", len(eps)), nil)
	if err != nil {
		return err
	}
	var done atomic.Int64
	every := rate.Sometimes{Interval: 3 * time.Second}
	results := c.deps.Checker.Check(ctx, eps, func(proxy.Result) {
		n := done.Add(1)
		every.Do(func() {
			_ = req.Adapter.EditText(ctx, ref, fmt.Sprintf("🔎 checked %d/%d…", n, len(eps)), nil)
		})
	})

	out := proxy.Records(results, c.deps.Now().UTC())
	if err := c.deps.Store.SaveProxies(ctx, out); err != nil {
		return err
	}
	working := 0
	for _, r := range out {
		if r.Status == proxy.StatusWorking {
			working++
		}
	}
	c.audit(ctx, req, "proxies_check", fmt.Sprintf("%d proxies", len(out)), nil)
	c.log.Info("proxies checked", logx.Int("total", len(out)), logx.Int("working", working))
	text := fmt.Sprintf("🔎 checked %d proxies · ✅ %d working · ❌ %d not working", len(out), working, len(out)-working)
	if len(out) < len(eps) {
		text += fmt.Sprintf("\n⚠️ %d not checked (cancelled)", len(eps)-len(out))
	}
	return req.Adapter.EditText(ctx, ref, text, nil)
}

func (c *Controller) cmdProxiesPrune(ctx context.Context, req *router.Request) error {
	recs, err := c.deps.Store.ListProxies(ctx)
	if err != nil {
		return err
	}
	var errs []error
	removed := 0
	for _, ep := range proxy.Prunable(recs) {
		if err := c.deps.Store.DeleteProxy(ctx, ep); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	err = errors.Join(errs...)
	c.audit(ctx, req, "proxies_prune", fmt.Sprintf("%d removed", removed), err)
	if err != nil {
		return err
	}
	_, err = req.Reply(ctx, fmt.Sprintf("🧹 removed %d not-working proxies, %d left", removed, len(recs)-removed), nil)
	return err
}

func (c *Controller) cmdSafety(ctx context.Context, req *router.Request) error {
	raw := req.Arg(0)
	if raw == "" {
		return usageError("/safety <kind> [account...]")
	}
	a, err := task.ParseAction(raw)
	if err != nil {
		return err
	}
	kind := a.Kind
	rec := safety.Recommended(kind)
	lines := []string{
		"🛡 " + string(kind),
		fmt.Sprintf("recommended: ≤ %d workers · delay %s-%s · ≤ %d per day",
			rec.MaxWorkers, rec.MinDelay, rec.MaxDelay, rec.DailyLimit),
	}
	if rec.Warning != "" {
		lines = append(lines, "⚠️ "+rec.Warning)
	}

	if c.deps.Governor == nil {
		_, err := req.Reply(ctx, strings.Join(lines, "\n"), nil)
		return err
	}
	ids := req.Args[1:]
	if len(ids) == 0 {
		accs, err := c.deps.Store.ListAccounts(ctx)
		if err != nil {
			return err
		}
		for _, acc := range accs {
			ids = append(ids, acc.ID)
		}
	}
	if len(ids) > 0 {
		lines = append(lines, "")
	}
	var blocking []string
	for _, id := range ids {
		v, err := c.deps.Governor.CheckStart(ctx, id, kind)
		if err != nil {
			blocking = append(blocking, id)
			lines = append(lines, fmt.Sprintf("❔ %s: %v", id, err))
			continue
		}
		if !v.Allowed {
			blocking = append(blocking, id)
			lines = append(lines, fmt.Sprintf("⛔ %s (%s): %s", id, v.Bucket, v.Reason))
			continue
		}
		line := fmt.Sprintf("✅ %s (%s) · %d/%d today · delay %s-%s",
			id, v.Bucket, v.Usage, v.Policy.MaxPerDay, v.Policy.MinDelay, v.Policy.MaxDelay)
		if v.Pace > 1 {
			line += fmt.Sprintf(" ×%.1f", v.Pace)
		}
		lines = append(lines, line)
	}
	switch {
	case len(blocking) > 0:
		lines = append(lines, "", "a run with these accounts is refused; blocked by "+strings.Join(blocking, ", "))
	case len(ids) > 0:
		lines = append(lines, "", "all listed accounts may start")
	}
	_, err = req.Reply(ctx, strings.Join(lines, "\n"), nil)
	return err
}

func (c *Controller) cmdSchedule(ctx context.Context, req *router.Request) error {
	if c.deps.Scheduler == nil {
		return fmt.Errorf("scheduler: %w", errUnavailable)
	}
	snap := c.deps.Scheduler.Snapshot()
	state := "disabled"
	if snap.Enabled {
		state = "enabled"
	}
	lines := []string{fmt.Sprintf("⏰ scheduler %s · %s", state, snap.Timezone)}
	if len(snap.Schedules) == 0 {
		lines = append(lines, "no scheduled tasks")
	}
	for _, s := range snap.Schedules {
		line := s.Task + " · " + s.Schedule
		if !s.Next.IsZero() {
			line += " · next " + s.Next.Format("2006-01-02 15:04")
		}
		lines = append(lines, line)
	}
	_, err := req.Reply(ctx, strings.Join(lines, "\n"), nil)
	return err
}
