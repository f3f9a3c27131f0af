package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fleetbot/internal/task"
	logx "fleetbot/pkg/logx"
)

// Profile is what the governor needs to know about an account.
type Profile struct {
	CreatedAt time.Time
	WarmedUp  bool
}

// ProfileSource loads account profiles (the storage layer implements it).
type ProfileSource interface {
	AccountProfile(ctx context.Context, account string) (Profile, error)
}

type Options struct {
	// ErrorWindow and MaxErrors revoke an account after MaxErrors failures
	// inside the trailing window.
	ErrorWindow time.Duration
	MaxErrors   int
	// Cooldown refuses to start an account whose last recorded action is
	// younger than this. Zero disables it.
	Cooldown time.Duration
	Now      func() time.Time
}

// Pacing escalation: delays grow for accounts that were just active or have
// had a busy day.
const (
	recentActivity = 5 * time.Minute
	recentFactor   = 1.5
	busyDayActions = 50
	busyDayFactor  = 2.0
)

func (o Options) withDefaults() Options {
	if o.ErrorWindow <= 0 {
		o.ErrorWindow = time.Hour
	}
	if o.MaxErrors <= 0 {
		o.MaxErrors = 5
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Verdict is the gate's answer for one (account, kind).
type Verdict struct {
	Account string    `json:"account"`
	Kind    task.Kind `json:"kind"`
	Allowed bool      `json:"allowed"`
	Reason  string    `json:"reason,omitempty"`
	Bucket  Bucket    `json:"bucket"`
	Policy  Policy    `json:"policy"`
	Usage   int       `json:"usage"`
	// Pace scales the policy delays for this account right now.
	Pace float64 `json:"pace"`
}

// Rejection is the error form of a negative verdict.
type Rejection struct {
	Account string
	Kind    task.Kind
	Reason  string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s rejected: %s", r.Account, r.Kind, r.Reason)
}

func (v Verdict) Err() error {
	if v.Allowed {
		return nil
	}
	return &Rejection{Account: v.Account, Kind: v.Kind, Reason: v.Reason}
}

type usageKey struct {
	account string
	kind    task.Kind
}

type usage struct {
	day   string
	count int
}

// Governor is the admission gate and activity ledger shared by all runs.
type Governor struct {
	src ProfileSource
	log logx.Logger

	mu         sync.Mutex
	opts       Options
	usage      map[usageKey]*usage
	errors     map[string][]time.Time
	blocked    map[string]string
	warmedUp   map[string]bool
	lastActive map[string]time.Time
}

func NewGovernor(src ProfileSource, opts Options, log logx.Logger) *Governor {
	return &Governor{
		src:        src,
		log:        log.With(logx.String("comp", "safety")),
		opts:       opts.withDefaults(),
		usage:      map[usageKey]*usage{},
		errors:     map[string][]time.Time{},
		blocked:    map[string]string{},
		warmedUp:   map[string]bool{},
		lastActive: map[string]time.Time{},
	}
}

// SetOptions applies new thresholds; recorded activity is kept.
func (g *Governor) SetOptions(opts Options) {
	g.mu.Lock()
	if opts.Now == nil {
		opts.Now = g.opts.Now
	}
	g.opts = opts.withDefaults()
	g.mu.Unlock()
}

// Check evaluates whether account may perform kind right now. It is the
// per-action gate inside a run.
func (g *Governor) Check(ctx context.Context, account string, kind task.Kind) (Verdict, error) {
	return g.check(ctx, account, kind, false)
}

// CheckStart is Check plus the cooldown: an account used moments ago is not
// started again.
func (g *Governor) CheckStart(ctx context.Context, account string, kind task.Kind) (Verdict, error) {
	return g.check(ctx, account, kind, true)
}

func (g *Governor) check(ctx context.Context, account string, kind task.Kind, starting bool) (Verdict, error) {
	prof, err := g.src.AccountProfile(ctx, account)
	if err != nil {
		return Verdict{}, fmt.Errorf("load profile %s: %w", account, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.opts.Now()
	bucket := BucketFor(prof.CreatedAt, now)
	pol := PolicyFor(bucket, kind)
	v := Verdict{Account: account, Kind: kind, Bucket: bucket, Policy: pol}
	v.Usage = g.usageLocked(account, kind, now)
	v.Pace = g.paceFactorLocked(account, now)
	idle := now.Sub(g.lastActive[account])

	switch {
	case g.blocked[account] != "":
		v.Reason = "account blocked: " + g.blocked[account]
	case Forbidden(bucket, kind):
		v.Reason = fmt.Sprintf("%s accounts may not run %s", bucket, kind)
	case pol.WarmupRequired && outbound[kind] && !prof.WarmedUp && !g.warmedUp[account]:
		v.Reason = "warm-up required before " + string(kind)
	case v.Usage >= pol.MaxPerDay:
		v.Reason = fmt.Sprintf("daily cap reached (%d/%d)", v.Usage, pol.MaxPerDay)
	case g.recentErrorsLocked(account, now) >= g.opts.MaxErrors:
		v.Reason = fmt.Sprintf("too many errors in the last %s", g.opts.ErrorWindow)
	case starting && g.opts.Cooldown > 0 && idle < g.opts.Cooldown:
		v.Reason = fmt.Sprintf("used %s ago, cooldown %s", idle.Round(time.Second), g.opts.Cooldown)
	default:
		v.Allowed = true
	}
	if !v.Allowed {
		g.log.Debug("safety verdict: stop", logx.String("account", account), logx.String("kind", string(kind)), logx.String("reason", v.Reason))
	}
	return v, nil
}

// Record notes the outcome of one action attempt.
func (g *Governor) Record(account string, kind task.Kind, success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.opts.Now()
	g.lastActive[account] = now
	if success {
		k := usageKey{account: account, kind: kind}
		u := g.usage[k]
		day := now.Format(time.DateOnly)
		if u == nil || u.day != day {
			u = &usage{day: day}
			g.usage[k] = u
		}
		u.count++
		return
	}
	g.errors[account] = append(g.pruneLocked(account, now), now)
}

// MarkWarmedUp lifts the warm-up gate for the rest of the process lifetime.
func (g *Governor) MarkWarmedUp(account string) {
	g.mu.Lock()
	g.warmedUp[account] = true
	g.mu.Unlock()
}

// Block denylists an account until Unblock.
func (g *Governor) Block(account, reason string) {
	if reason == "" {
		reason = "blocked"
	}
	g.mu.Lock()
	g.blocked[account] = reason
	g.mu.Unlock()
	g.log.Warn("account blocked", logx.String("account", account), logx.String("reason", reason))
}

func (g *Governor) Unblock(account string) {
	g.mu.Lock()
	delete(g.blocked, account)
	g.mu.Unlock()
}

// PaceFactor is the multiplier applied to an account's pacing delays.
func (g *Governor) PaceFactor(account string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paceFactorLocked(account, g.opts.Now())
}

func (g *Governor) paceFactorLocked(account string, now time.Time) float64 {
	f := 1.0
	if last, ok := g.lastActive[account]; ok && now.Sub(last) < recentActivity {
		f *= recentFactor
	}
	if g.dayTotalLocked(account, now) > busyDayActions {
		f *= busyDayFactor
	}
	return f
}

// Activity is a read-only view of an account's ledger.
type Activity struct {
	Account      string    `json:"account"`
	RecentErrors int       `json:"recent_errors"`
	Blocked      string    `json:"blocked,omitempty"`
	UsageToday   int       `json:"usage_today"`
	LastActive   time.Time `json:"last_active,omitempty"`
}

// Activity reports the ledger for account. An empty kind counts usage of
// every kind.
func (g *Governor) Activity(account string, kind task.Kind) Activity {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.opts.Now()
	used := g.dayTotalLocked(account, now)
	if kind != "" {
		used = g.usageLocked(account, kind, now)
	}
	return Activity{
		Account:      account,
		RecentErrors: g.recentErrorsLocked(account, now),
		Blocked:      g.blocked[account],
		UsageToday:   used,
		LastActive:   g.lastActive[account],
	}
}

func (g *Governor) usageLocked(account string, kind task.Kind, now time.Time) int {
	u := g.usage[usageKey{account: account, kind: kind}]
	if u == nil || u.day != now.Format(time.DateOnly) {
		return 0
	}
	return u.count
}

func (g *Governor) dayTotalLocked(account string, now time.Time) int {
	day := now.Format(time.DateOnly)
	total := 0
	for k, u := range g.usage {
		if k.account == account && u.day == day {
			total += u.count
		}
	}
	return total
}

func (g *Governor) recentErrorsLocked(account string, now time.Time) int {
	errs := g.pruneLocked(account, now)
	g.errors[account] = errs
	return len(errs)
}

func (g *Governor) pruneLocked(account string, now time.Time) []time.Time {
	errs := g.errors[account]
	cutoff := now.Add(-g.opts.ErrorWindow)
	i := 0
	for i < len(errs) && !errs[i].After(cutoff) {
		i++
	}
	if i == len(errs) {
		return nil
	}
	return errs[i:]
}
