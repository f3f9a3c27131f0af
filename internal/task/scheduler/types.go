package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"fleetbot/internal/task/engine"
	logx "fleetbot/pkg/logx"
)

// Config controls the scheduler service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
}

// Launcher starts task runs. *engine.Service implements it.
type Launcher interface {
	Start(ctx context.Context, name string) (*engine.Run, error)
	IsRunning(name string) bool
}

type scheduleDef struct {
	task          string
	raw           string // schedule as written on the task
	spec          string // normalized cron spec or @every
	entryID       cron.EntryID
	startupSpread time.Duration
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	launcher Launcher

	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*scheduleDef

	// trigMu is separate from mu: restartLocked waits for running jobs
	// while holding mu.
	trigMu sync.Mutex
	ctx    context.Context
	// lastWarn throttles start errors, keyed by task name.
	lastWarn map[string]time.Time
	// triggered counts fired triggers, skipped ones included.
	triggered map[string]int
}

type ScheduleInfo struct {
	Task     string
	Schedule string
	Spec     string
	Next     time.Time
	Prev     time.Time
}

type Snapshot struct {
	Enabled   bool
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
}
