package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"fleetbot/internal/proxy"
	"fleetbot/internal/task"
	logx "fleetbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; every method is then atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) ListTasks(ctx context.Context) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM tasks ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []task.Task
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var t task.Task
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LoadTask(ctx context.Context, name string) (task.Task, error) {
	return loadTask(ctx, s.db, name)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadTask(ctx context.Context, q queryer, name string) (task.Task, error) {
	var body string
	err := q.QueryRowContext(ctx, `SELECT body FROM tasks WHERE name = ?`, name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, fmt.Errorf("task %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return task.Task{}, err
	}
	var t task.Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return task.Task{}, err
	}
	return t, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveTask(ctx context.Context, e execer, t task.Task) error {
	t.UpdatedAt = time.Now().UTC()
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = e.ExecContext(ctx,
		`INSERT INTO tasks(name, body, status, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET body=excluded.body, status=excluded.status, updated_at=excluded.updated_at`,
		t.Name, string(b), string(t.Status), t.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) SaveTask(ctx context.Context, t task.Task) error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("task name is required")
	}
	return saveTask(ctx, s.db, t)
}

func (s *sqliteStore) DeleteTask(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %q: %w", name, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) RemoveListItem(ctx context.Context, taskName, list, item string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	t, err := loadTask(ctx, tx, taskName)
	if err != nil {
		return err
	}
	items, removed := removeFirst(t.Lists[list], item)
	if !removed {
		return nil
	}
	t.Lists[list] = items
	if err := saveTask(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var a Account
		if err := json.Unmarshal([]byte(body), &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func loadAccount(ctx context.Context, q queryer, id string) (Account, error) {
	var body string
	err := q.QueryRowContext(ctx, `SELECT body FROM accounts WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, fmt.Errorf("account %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return Account{}, err
	}
	var a Account
	err = json.Unmarshal([]byte(body), &a)
	return a, err
}

func saveAccount(ctx context.Context, e execer, a Account) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = e.ExecContext(ctx,
		`INSERT INTO accounts(id, body) VALUES(?,?) ON CONFLICT(id) DO UPDATE SET body=excluded.body`,
		a.ID, string(b))
	return err
}

func (s *sqliteStore) LoadAccount(ctx context.Context, id string) (Account, error) {
	return loadAccount(ctx, s.db, id)
}

func (s *sqliteStore) SaveAccount(ctx context.Context, a Account) error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("account id is required")
	}
	return saveAccount(ctx, s.db, a)
}

func (s *sqliteStore) modifyAccount(ctx context.Context, id string, fn func(a *Account)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	a, err := loadAccount(ctx, tx, id)
	if err != nil {
		return err
	}
	fn(&a)
	if err := saveAccount(ctx, tx, a); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) SetAccountStatus(ctx context.Context, id, status string) error {
	return s.modifyAccount(ctx, id, func(a *Account) { a.Status = status })
}

func (s *sqliteStore) MarkWarmedUp(ctx context.Context, id string, at time.Time) error {
	return s.modifyAccount(ctx, id, func(a *Account) { a.WarmedUpAt = at })
}

func (s *sqliteStore) ListProxies(ctx context.Context) ([]proxy.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT endpoint, status, latency, checked_at FROM proxies ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []proxy.Record
	for rows.Next() {
		var (
			r                  proxy.Record
			status             string
			latency, checkedAt sql.NullString
		)
		if err := rows.Scan(&r.Endpoint, &status, &latency, &checkedAt); err != nil {
			return nil, err
		}
		r.Status = proxy.Status(status)
		r.Latency = latency.String
		if checkedAt.Valid {
			r.CheckedAt, _ = time.Parse(time.RFC3339Nano, checkedAt.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveProxies(ctx context.Context, recs []proxy.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) + 1 FROM proxies`).Scan(&next); err != nil {
		return err
	}
	for _, r := range recs {
		if r.Status == "" {
			r.Status = proxy.StatusUntested
		}
		var checked any
		if !r.CheckedAt.IsZero() {
			checked = r.CheckedAt.Format(time.RFC3339Nano)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO proxies(endpoint, status, latency, checked_at, position) VALUES(?,?,?,?,?)
			 ON CONFLICT(endpoint) DO UPDATE SET status=excluded.status, latency=excluded.latency, checked_at=excluded.checked_at`,
			r.Endpoint, string(r.Status), nullStr(r.Latency), checked, next,
		); err != nil {
			return err
		}
		next++
	}
	return tx.Commit()
}

func (s *sqliteStore) DeleteProxy(ctx context.Context, endpoint string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM proxies WHERE endpoint = ?`, endpoint)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("proxy %q: %w", endpoint, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) IsDenied(ctx context.Context, target string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM denylist WHERE target = ?`, target).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqliteStore) Deny(ctx context.Context, target, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO denylist(target, reason, at) VALUES(?,?,?) ON CONFLICT(target) DO NOTHING`,
		target, nullStr(reason), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, action, target, run_id, ok, fail, err, took_ms) VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.ActorID, e.Action, e.Target, nullStr(e.RunID), e.OK, e.Fail, nullStr(e.Error), e.TookMS,
	)
	return err
}

func nullStr(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
