// Package action implements the typed handlers behind each task kind and the
// lookup table the orchestrator dispatches through.
package action

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"fleetbot/internal/remote"
	"fleetbot/internal/task"
	"fleetbot/internal/workqueue"
)

var (
	// ErrMissingContent means a required task list or directory is empty.
	ErrMissingContent = errors.New("missing task content")
	// ErrMissingSecret means the action needs settings.two_fa_password.
	ErrMissingSecret = errors.New("two_fa_password is required")
	// ErrBadVariant means the action variant is unknown for its kind.
	ErrBadVariant = errors.New("unknown action variant")
	// ErrThrottleLimit is wrapped in a target-class remote error by
	// Env.Attempt once the provider keeps throttling past the retry limit.
	ErrThrottleLimit = errors.New("throttle retry limit reached")
)

// Env is what a handler sees of its account worker.
type Env interface {
	Account() string
	Task() task.Task
	Client() remote.Client
	// Queue is the run's shared work queue, nil for kinds without one.
	Queue() *workqueue.Queue
	Rand() *rand.Rand

	// Progress publishes the account's current status line.
	Progress(status string)
	// Pace waits a random delay inside the account's effective delay bounds.
	Pace(ctx context.Context) error
	// Sleep waits d or until cancellation.
	Sleep(ctx context.Context, d time.Duration) error
	// Backoff waits out a provider throttle of d (the worker is in retry-wait meanwhile).
	Backoff(ctx context.Context, op string, d time.Duration) error
	// Attempt runs fn, waiting out throttles and re-running it up to the
	// configured consecutive-throttle limit.
	Attempt(ctx context.Context, op string, fn func(ctx context.Context) error) error
	// ThrottleLimit is the configured throttle retry limit.
	ThrottleLimit() int
	// Guard consults the safety governor; a non-nil error is a stop verdict.
	Guard(ctx context.Context) error
	// Record feeds one outcome into the governor's activity ledger.
	Record(success bool)

	// Denied and Deny read and extend the global target denylist.
	Denied(ctx context.Context, target string) bool
	Deny(ctx context.Context, target, reason string)
	// Consume removes an item from the task's durable list.
	Consume(ctx context.Context, list, item string) error
	// SetAccountStatus records the account status derived by this run.
	SetAccountStatus(status string)
	// MarkWarmedUp persists that the account finished warm-up.
	MarkWarmedUp(ctx context.Context) error

	// VerifyDelay is how long to wait before checking a sent post survived.
	VerifyDelay() time.Duration
	// CyclePause separates rounds of a continuous action.
	CyclePause() time.Duration
}

// Handler performs one action for one connected account.
type Handler func(ctx context.Context, env Env) error

// Spec describes one kind.
type Spec struct {
	Kind    task.Kind
	Handler Handler
	// Continuous kinds loop until the run is stopped.
	Continuous bool
	// QueueList names the task list that feeds a shared work queue.
	QueueList string
	// NeedsSecret kinds require settings.two_fa_password.
	NeedsSecret bool
	// Variants lists accepted variants; empty means none allowed.
	Variants []string
	// Lists must be non-empty for the task to start.
	Lists []string
}

// Registry maps kinds to specs.
type Registry struct {
	specs map[task.Kind]Spec
}

func NewRegistry(specs ...Spec) *Registry {
	r := &Registry{specs: make(map[task.Kind]Spec, len(specs))}
	for _, s := range specs {
		r.specs[s.Kind] = s
	}
	return r
}

// Default registers every built-in kind.
func Default() *Registry {
	return NewRegistry(
		Spec{Kind: task.KindCheckAll, Handler: CheckAll},
		Spec{Kind: task.KindChangeProfile, Handler: ChangeProfile, Variants: profileVariants},
		Spec{Kind: task.KindDeleteAvatars, Handler: DeleteAvatars},
		Spec{Kind: task.KindDeleteLastnames, Handler: DeleteLastnames},
		Spec{Kind: task.KindCreateChannel, Handler: CreateChannel, Lists: []string{task.ListChannelNames}},
		Spec{Kind: task.KindJoinChats, Handler: JoinChats, QueueList: task.ListChats, Lists: []string{task.ListChats}},
		Spec{Kind: task.KindBroadcast, Handler: Broadcast, Continuous: true, Lists: []string{task.ListMessages}},
		Spec{Kind: task.KindBroadcastDM, Handler: BroadcastDM, Lists: []string{task.ListMessages}},
		Spec{Kind: task.KindSet2FA, Handler: Set2FA, NeedsSecret: true},
		Spec{Kind: task.KindRemove2FA, Handler: Remove2FA, NeedsSecret: true},
		Spec{Kind: task.KindTerminateSessions, Handler: TerminateSessions},
		Spec{Kind: task.KindReauthorize, Handler: Reauthorize},
		Spec{Kind: task.KindCleanAccount, Handler: CleanAccount},
		Spec{Kind: task.KindWarmup, Handler: Warmup},
	)
}

func (r *Registry) Lookup(kind task.Kind) (Spec, bool) {
	s, ok := r.specs[kind]
	return s, ok
}

// Validate checks that t carries everything its action needs.
func (r *Registry) Validate(t task.Task) (Spec, error) {
	spec, ok := r.Lookup(t.Action.Kind)
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", task.ErrUnknownAction, t.Action.Kind)
	}
	if t.Action.Variant != "" || len(spec.Variants) > 0 {
		if !contains(spec.Variants, t.Action.Variant) {
			return spec, fmt.Errorf("%w: %s", ErrBadVariant, t.Action)
		}
	}
	if spec.NeedsSecret && t.Settings.TwoFAPassword == "" {
		return spec, ErrMissingSecret
	}
	for _, l := range spec.Lists {
		if len(t.List(l)) == 0 {
			return spec, fmt.Errorf("%w: list %q is empty", ErrMissingContent, l)
		}
	}
	return spec, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// targetKey is the denylist key of a peer.
func targetKey(p remote.Peer) string {
	if p.Username != "" {
		return "@" + strings.ToLower(p.Username)
	}
	return "id:" + strconv.FormatInt(p.ID, 10)
}

func pick(rng *rand.Rand, items []string) string {
	if len(items) == 0 {
		return ""
	}
	return items[rng.Intn(len(items))]
}
