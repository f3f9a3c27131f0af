// Package control implements the operator chat commands and the live run
// status messages.
package control

import (
	"context"
	"errors"
	"time"

	"fleetbot/internal/proxy"
	"fleetbot/internal/safety"
	"fleetbot/internal/storage"
	"fleetbot/internal/task"
	"fleetbot/internal/task/engine"
	"fleetbot/internal/task/scheduler"
	"fleetbot/internal/transport/telegram/router"
	logx "fleetbot/pkg/logx"
)

// Engine is the orchestrator surface the commands drive. *engine.Service
// implements it.
type Engine interface {
	Start(ctx context.Context, name string) (*engine.Run, error)
	Stop(name string) bool
	IsRunning(name string) bool
	Active() []engine.RunInfo
	Report(ctx context.Context, name string) (string, error)
	Delete(ctx context.Context, name string) error
}

// Schedules is the scheduler surface used by /schedule and /delete.
type Schedules interface {
	Snapshot() scheduler.Snapshot
	Remove(name string) bool
}

type Deps struct {
	Store    storage.Store
	Engine   Engine
	Governor *safety.Governor
	// Checker and Scheduler are optional; their commands report unavailability.
	Checker   *proxy.Checker
	Scheduler Schedules
	Now       func() time.Time
}

type Controller struct {
	deps Deps
	log  logx.Logger
}

var (
	errUnavailable = errors.New("not available in this configuration")
	errNoProxies   = errors.New("no proxies configured")
)

type usageError string

func (e usageError) Error() string { return "usage: " + string(e) }

func New(deps Deps, log logx.Logger) *Controller {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{deps: deps, log: log.With(logx.String("comp", "control"))}
}

func (c *Controller) Commands() []router.Command {
	const tasks, fleet = "Tasks", "Fleet"
	return []router.Command{
		{Route: "tasks", Section: tasks, Description: "list tasks", Usage: "/tasks", Handle: c.cmdTasks},
		{Route: "active", Section: tasks, Description: "live runs", Usage: "/active", Handle: c.cmdActive},
		{Route: "run", Section: tasks, Description: "start a task", Usage: "/run <task>", Aliases: []string{"start"}, Hint: c.stoppedTasks, Handle: c.cmdRun},
		{Route: "stop", Section: tasks, Description: "stop a running task", Usage: "/stop <task>", Hint: c.runningTasks, Handle: c.cmdStop},
		{Route: "report", Section: tasks, Description: "live or last report", Usage: "/report <task>", Hint: c.taskNames, Handle: c.cmdReport},
		{Route: "delete", Section: tasks, Description: "delete a stopped task", Usage: "/delete <task>", Hint: c.stoppedTasks, Handle: c.cmdDelete},
		{Route: "schedule", Section: tasks, Description: "scheduled task starts", Usage: "/schedule", Handle: c.cmdSchedule},
		{Route: "accounts", Section: fleet, Description: "accounts with age bucket and health", Usage: "/accounts", Handle: c.cmdAccounts},
		{Route: "safety", Section: fleet, Description: "limits for an action", Usage: "/safety <kind> [account...]", Hint: kindNames, Handle: c.cmdSafety},
		{Route: "proxies", Section: fleet, Description: "proxy list and health", Usage: "/proxies", Handle: c.cmdProxies},
		{
			Route:       "proxies check",
			Section:     fleet,
			Description: "test every proxy and store the result",
			Usage:       "/proxies check",
			Aliases:     []string{"check_proxies"},
			Timeout:     5 * time.Minute,
			Handle:      c.cmdProxiesCheck,
		},
		{
			Route:       "proxies prune",
			Section:     fleet,
			Description: "remove proxies whose last check failed",
			Usage:       "/proxies prune",
			Aliases:     []string{"prune_proxies"},
			Handle:      c.cmdProxiesPrune,
		},
	}
}

// Argument hints for /help.

func (c *Controller) taskNames(ctx context.Context) []string {
	return c.tasksWhere(ctx, func(string) bool { return true })
}

func (c *Controller) runningTasks(ctx context.Context) []string {
	return c.tasksWhere(ctx, c.deps.Engine.IsRunning)
}

func (c *Controller) stoppedTasks(ctx context.Context) []string {
	return c.tasksWhere(ctx, func(name string) bool { return !c.deps.Engine.IsRunning(name) })
}

func (c *Controller) tasksWhere(ctx context.Context, keep func(name string) bool) []string {
	list, err := c.deps.Store.ListTasks(ctx)
	if err != nil {
		c.log.Debug("task hint failed", logx.Err(err))
		return nil
	}
	var out []string
	for _, t := range list {
		if keep(t.Name) {
			out = append(out, t.Name)
		}
	}
	return out
}

func kindNames(context.Context) []string {
	out := make([]string, len(task.Kinds))
	for i, k := range task.Kinds {
		out[i] = string(k)
	}
	return out
}

func (c *Controller) Callbacks() []router.CallbackRoute {
	return []router.CallbackRoute{
		{Group: "run", Action: "stop", Description: "stop a run from its status message", Handle: c.cbStop},
	}
}

// audit records an operator action; failures are only logged.
func (c *Controller) audit(ctx context.Context, req *router.Request, action, target string, err error) {
	e := storage.AuditEntry{At: c.deps.Now().UTC(), ActorID: req.FromID, Action: action, Target: target, OK: 1}
	if err != nil {
		e.OK, e.Fail, e.Error = 0, 1, err.Error()
	}
	if aerr := c.deps.Store.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil {
		c.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}
