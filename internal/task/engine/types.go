package engine

import (
	"time"

	"fleetbot/internal/action"
	"fleetbot/internal/progress"
	"fleetbot/internal/remote"
	"fleetbot/internal/safety"
	"fleetbot/internal/storage"
	"fleetbot/internal/task"
)

// Options controls the orchestrator. Zero values fall back to defaults.
type Options struct {
	// DefaultWorkers is used when a task does not set concurrent_workers.
	DefaultWorkers int
	// MaxThrottleRetries bounds consecutive provider throttles per operation.
	MaxThrottleRetries int
	ConnectTimeout     time.Duration
	// VerifyDelay is how long a broadcast waits before checking its post survived.
	VerifyDelay time.Duration
	// CyclePause separates rounds of continuous actions.
	CyclePause time.Duration
	// EnforceWorkerCap clamps a run's concurrency to the strictest policy
	// max_workers of its accounts.
	EnforceWorkerCap bool
	// Seed makes proxy shuffling and pacing deterministic when non-zero.
	Seed int64
	Now  func() time.Time
	// PacingBounds derives a worker's delay bounds; nil widens the task's
	// bounds to the account policy.
	PacingBounds func(s task.Settings, p safety.Policy) (time.Duration, time.Duration)
}

func (o Options) withDefaults() Options {
	if o.DefaultWorkers <= 0 {
		o.DefaultWorkers = 5
	}
	if o.MaxThrottleRetries <= 0 {
		o.MaxThrottleRetries = 3
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 15 * time.Second
	}
	if o.VerifyDelay < 0 {
		o.VerifyDelay = 0
	}
	if o.CyclePause <= 0 {
		o.CyclePause = 5 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.PacingBounds == nil {
		o.PacingBounds = pacing
	}
	return o
}

// Deps are the collaborators of the orchestrator.
type Deps struct {
	Store    storage.Store
	Dialer   remote.Dialer
	Governor *safety.Governor
	Actions  *action.Registry
	Bus      progress.Bus
	Metrics  *Metrics
}

// Worker states.
const (
	StateQueued        = "queued"
	StateConnecting    = "connecting"
	StateConnected     = "connected"
	StateConnectFailed = "connect-failed"
	StateExecuting     = "executing"
	StateRetryWait     = "retry-wait"
	StateFinished      = "finished"
	StateError         = "error"
	StateDisconnected  = "disconnected"
)

// Worker outcomes, kept after the worker disconnects.
const (
	OutcomeFinished = "finished"
	OutcomeError    = "error"
	OutcomeStopped  = "stopped"
)

// AccountProgress is the last known state of one account in a run.
type AccountProgress struct {
	Account string    `json:"account"`
	State   string    `json:"state"`
	Status  string    `json:"status"`
	Outcome string    `json:"outcome,omitempty"`
	Updated time.Time `json:"updated"`
}

// RunInfo summarizes a live run.
type RunInfo struct {
	Task     string         `json:"task"`
	RunID    string         `json:"run_id"`
	Action   string         `json:"action"`
	Started  time.Time      `json:"started"`
	Accounts int            `json:"accounts"`
	Workers  int            `json:"workers"`
	InUse    int            `json:"in_use"`
	States   map[string]int `json:"states"`
	Stopping bool           `json:"stopping"`
}
