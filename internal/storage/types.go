package storage

import (
	"context"
	"errors"
	"time"

	"fleetbot/internal/proxy"
	"fleetbot/internal/task"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file" (default): Path is the JSON document
//   - "sqlite": Path is the database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Account is one managed account and its session metadata.
type Account struct {
	ID             string    `json:"id"`
	APIID          int       `json:"api_id"`
	APIHash        string    `json:"api_hash"`
	SessionPath    string    `json:"session_path,omitempty"`
	TwoFA          string    `json:"two_fa,omitempty"`
	DeviceModel    string    `json:"device_model,omitempty"`
	SystemVersion  string    `json:"system_version,omitempty"`
	AppVersion     string    `json:"app_version,omitempty"`
	LangCode       string    `json:"lang_code,omitempty"`
	SystemLangCode string    `json:"system_lang_code,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Status         string    `json:"status,omitempty"`
	WarmedUpAt     time.Time `json:"warmed_up_at,omitempty"`
}

// AuditEntry records an operator or run action. Keep it compact and schema-stable.
type AuditEntry struct {
	At      time.Time `json:"at"`
	ActorID int64     `json:"actor_id,omitempty"`
	Action  string    `json:"action"`
	Target  string    `json:"target"`
	RunID   string    `json:"run_id,omitempty"`
	OK      int       `json:"ok"`
	Fail    int       `json:"fail"`
	Error   string    `json:"error,omitempty"`
	TookMS  int64     `json:"took_ms,omitempty"`
}

// Store is the persistence API. Implementations are safe for concurrent use;
// every method is one atomic read-modify-write.
type Store interface {
	ListTasks(ctx context.Context) ([]task.Task, error)
	LoadTask(ctx context.Context, name string) (task.Task, error)
	SaveTask(ctx context.Context, t task.Task) error
	DeleteTask(ctx context.Context, name string) error
	// RemoveListItem deletes the first occurrence of item from a task content list.
	RemoveListItem(ctx context.Context, taskName, list, item string) error

	ListAccounts(ctx context.Context) ([]Account, error)
	LoadAccount(ctx context.Context, id string) (Account, error)
	SaveAccount(ctx context.Context, a Account) error
	SetAccountStatus(ctx context.Context, id, status string) error
	MarkWarmedUp(ctx context.Context, id string, at time.Time) error

	ListProxies(ctx context.Context) ([]proxy.Record, error)
	// SaveProxies upserts records by endpoint.
	SaveProxies(ctx context.Context, recs []proxy.Record) error
	DeleteProxy(ctx context.Context, endpoint string) error

	IsDenied(ctx context.Context, target string) (bool, error)
	Deny(ctx context.Context, target, reason string) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}
