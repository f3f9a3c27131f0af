package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"strings"
	"time"

	"fleetbot/internal/action"
	"fleetbot/internal/proxy"
	"fleetbot/internal/remote"
	"fleetbot/internal/safety"
	"fleetbot/internal/task"
	"fleetbot/internal/workqueue"
	logx "fleetbot/pkg/logx"
)

// worker runs one account of a run and implements action.Env for its handler.
type worker struct {
	svc     *Service
	run     *Run
	account string
	spec    action.Spec
	opts    Options
	rng     *rand.Rand
	log     logx.Logger

	client   remote.Client
	minDelay time.Duration
	maxDelay time.Duration
	last     string
}

var _ action.Env = (*worker)(nil)

// pacing widens the task's delay bounds to at least the policy bounds.
func pacing(s task.Settings, pol safety.Policy) (time.Duration, time.Duration) {
	lo, hi := s.DelayMin.Std(), s.DelayMax.Std()
	if lo < pol.MinDelay {
		lo = pol.MinDelay
	}
	if hi < pol.MaxDelay {
		hi = pol.MaxDelay
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// exec drives the worker state machine:
// queued → connecting → (connected | connect-failed) → executing ⇄ retry-wait
// → (finished | error) → disconnected.
func (w *worker) exec(ctx context.Context) {
	kind := string(w.run.Task.Action.Kind)
	outcome := OutcomeError
	defer func() {
		if r := recover(); r != nil {
			outcome = OutcomeError
			w.log.Error("account worker panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			w.run.update(w.account, StateError, "❌ panic: "+describe(fmt.Errorf("%v", r)))
		}
		w.run.setOutcome(w.account, outcome)
		w.svc.metrics.outcome(kind, outcome)
		w.run.update(w.account, StateDisconnected, "")
	}()

	queuedAt := time.Now()
	release, err := w.run.limiter.acquire(ctx)
	if err != nil {
		outcome = OutcomeStopped
		w.run.update(w.account, StateFinished, "⏹ stopped before start")
		return
	}
	w.svc.metrics.admitted(time.Since(queuedAt).Seconds())
	defer func() {
		release()
		w.svc.metrics.released()
	}()

	w.run.update(w.account, StateConnecting, "🔌 connecting")
	lease, ok := w.run.pool.Acquire()
	if ok {
		defer lease.Release()
	}
	w.svc.metrics.proxy(ok)
	if err := w.connect(ctx, lease); err != nil {
		if ctx.Err() != nil {
			outcome = OutcomeStopped
			w.run.update(w.account, StateConnectFailed, "⏹ stopped while connecting")
			return
		}
		w.connectFailed(err)
		return
	}
	defer w.disconnect()

	w.run.update(w.account, StateConnected, "✅ connected")
	w.run.update(w.account, StateExecuting, "▶️ running")

	err = w.invoke(ctx)
	switch {
	case err == nil && !w.run.Stopping():
		outcome = OutcomeFinished
		if w.last == "" {
			w.last = "✅ done"
		}
		w.run.update(w.account, StateFinished, w.last)
	case w.run.Stopping() && (err == nil || remote.IsCancel(err)):
		outcome = OutcomeStopped
		w.run.update(w.account, StateFinished, stoppedStatus(w.last))
	default:
		w.run.update(w.account, StateError, errorStatus(err))
		w.log.Warn("account worker failed", logx.Err(err))
	}
}

// connect resolves credentials and dials, through lease when it is non-nil.
// The caller owns the lease.
func (w *worker) connect(ctx context.Context, lease *proxy.Lease) error {
	acc, err := w.svc.deps.Store.LoadAccount(ctx, w.account)
	if err != nil {
		return remote.Auth("load_account", err)
	}
	creds := remote.Credentials{
		Account:        acc.ID,
		APIID:          acc.APIID,
		APIHash:        acc.APIHash,
		SessionPath:    acc.SessionPath,
		TwoFA:          acc.TwoFA,
		DeviceModel:    acc.DeviceModel,
		SystemVersion:  acc.SystemVersion,
		AppVersion:     acc.AppVersion,
		LangCode:       acc.LangCode,
		SystemLangCode: acc.SystemLangCode,
	}
	if w.spec.Kind == task.KindCheckAll {
		creds.LangCode, creds.SystemLangCode = "en", "en-US"
	}

	var ep *proxy.Endpoint
	if lease != nil {
		e := lease.Endpoint()
		ep = &e
		w.log = w.log.With(logx.String("proxy", e.Redacted()))
	}

	dctx, cancel := context.WithTimeout(ctx, w.opts.ConnectTimeout)
	defer cancel()
	c, err := w.svc.deps.Dialer.Dial(dctx, creds, ep)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = remote.Connection("connect", err)
		}
		return err
	}
	w.client = c
	return nil
}

// connectFailed records a connection-class failure. Connections are never retried.
func (w *worker) connectFailed(err error) {
	status := "connection_error"
	switch remote.KindOf(err) {
	case remote.KindAuth:
		status = action.StatusInvalid
	case remote.KindBanned:
		status = action.StatusBanned
	}
	if w.spec.Kind == task.KindCheckAll {
		w.run.setAccountStatus(w.account, status)
	}
	w.svc.deps.Governor.Record(w.account, w.spec.Kind, false)
	w.run.update(w.account, StateConnectFailed, "❌ "+describe(err))
	w.log.Warn("account connect failed", logx.Err(err))
}

func (w *worker) disconnect() {
	if w.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.client.Disconnect(ctx); err != nil {
		w.log.Debug("disconnect failed", logx.Err(err))
	}
}

// invoke runs the handler, converting a panic into an error.
func (w *worker) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			w.log.Error("action panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return w.spec.Handler(ctx, w)
}

func stoppedStatus(last string) string {
	if last == "" {
		return "⏹ stopped"
	}
	return "⏹ stopped (" + last + ")"
}

func errorStatus(err error) string {
	var rej *safety.Rejection
	if errors.As(err, &rej) {
		return "🛑 " + rej.Reason
	}
	return "❌ " + describe(err)
}

func describe(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	if len(msg) > 200 {
		msg = msg[:200] + "…"
	}
	return msg
}

// action.Env

func (w *worker) Account() string         { return w.account }
func (w *worker) Task() task.Task         { return w.run.Task }
func (w *worker) Client() remote.Client   { return w.client }
func (w *worker) Queue() *workqueue.Queue { return w.run.queue }
func (w *worker) Rand() *rand.Rand        { return w.rng }

func (w *worker) VerifyDelay() time.Duration { return w.opts.VerifyDelay }
func (w *worker) CyclePause() time.Duration  { return w.opts.CyclePause }
func (w *worker) ThrottleLimit() int         { return w.opts.MaxThrottleRetries }

func (w *worker) Progress(status string) {
	w.last = status
	w.run.update(w.account, "", status)
}

// Pace sleeps a random delay inside the pacing bounds, scaled by the
// governor for accounts that were just active or had a busy day.
func (w *worker) Pace(ctx context.Context) error {
	d := w.minDelay
	if span := w.maxDelay - w.minDelay; span > 0 {
		d += time.Duration(w.rng.Int63n(int64(span) + 1))
	}
	if f := w.svc.deps.Governor.PaceFactor(w.account); f > 1 {
		d = time.Duration(float64(d) * f)
	}
	return w.Sleep(ctx, d)
}

func (w *worker) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

func (w *worker) Backoff(ctx context.Context, op string, d time.Duration) error {
	w.svc.metrics.throttled(op)
	w.log.Info("provider throttle", logx.String("op", op), logx.Duration("wait", d))
	w.run.update(w.account, StateRetryWait, fmt.Sprintf("⏳ throttled, waiting %s", d.Round(time.Second)))
	if err := w.Sleep(ctx, d); err != nil {
		return err
	}
	status := w.last
	if status == "" {
		status = "▶️ running"
	}
	w.run.update(w.account, StateExecuting, status)
	return nil
}

func (w *worker) Attempt(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	for throttles := 0; ; throttles++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		wait, ok := remote.ThrottleWait(err)
		if !ok {
			return err
		}
		if throttles >= w.opts.MaxThrottleRetries {
			return &remote.Error{Kind: remote.KindTarget, Op: op, Err: action.ErrThrottleLimit}
		}
		if err := w.Backoff(ctx, op, wait); err != nil {
			return err
		}
	}
}

func (w *worker) Guard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v, err := w.svc.deps.Governor.Check(ctx, w.account, w.spec.Kind)
	if err != nil {
		return err
	}
	return v.Err()
}

func (w *worker) Record(success bool) {
	w.svc.deps.Governor.Record(w.account, w.spec.Kind, success)
}

func (w *worker) Denied(ctx context.Context, target string) bool {
	ok, err := w.svc.deps.Store.IsDenied(ctx, target)
	if err != nil {
		w.log.Warn("denylist lookup failed", logx.String("target", target), logx.Err(err))
	}
	return ok
}

func (w *worker) Deny(ctx context.Context, target, reason string) {
	if err := w.svc.deps.Store.Deny(ctx, target, reason); err != nil {
		w.log.Warn("denylist update failed", logx.String("target", target), logx.Err(err))
		return
	}
	w.log.Info("target denylisted", logx.String("target", target), logx.String("reason", reason))
}

func (w *worker) Consume(ctx context.Context, list, item string) error {
	err := w.svc.deps.Store.RemoveListItem(ctx, w.run.Task.Name, list, item)
	if err != nil {
		w.log.Warn("list item removal failed", logx.String("list", list), logx.Err(err))
	}
	return err
}

func (w *worker) SetAccountStatus(status string) {
	w.run.setAccountStatus(w.account, status)
}

func (w *worker) MarkWarmedUp(ctx context.Context) error {
	if err := w.svc.deps.Store.MarkWarmedUp(ctx, w.account, w.opts.Now().UTC()); err != nil {
		return err
	}
	w.svc.deps.Governor.MarkWarmedUp(w.account)
	return nil
}
