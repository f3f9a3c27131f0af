package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"fleetbot/internal/proxy"
	"fleetbot/internal/task"
	logx "fleetbot/pkg/logx"
)

// fileStore keeps the whole database in memory and rewrites it on every change.
//
// Files:
//   - <path>                 (JSON document, replaced via tmp + rename)
//   - <prefix>.audit.jsonl   (append-only JSON Lines)
type fileStore struct {
	log  logx.Logger
	path string

	mu        sync.Mutex
	data      fileData
	auditFile *os.File
}

type fileData struct {
	Tasks    map[string]task.Task `json:"tasks"`
	Accounts map[string]Account   `json:"accounts"`
	Proxies  []proxy.Record       `json:"proxies"`
	Denylist map[string]denyEntry `json:"denylist"`
}

type denyEntry struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./fleetbot_data/fleetbot.json"
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	prefix := filepath.Join(dir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))

	s := &fileStore{log: log, path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.auditFile = af
	log.Info("file store opened", logx.String("path", path), logx.Int("tasks", len(s.data.Tasks)), logx.Int("accounts", len(s.data.Accounts)))
	return s, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return err
	case len(strings.TrimSpace(string(b))) > 0:
		if err := json.Unmarshal(b, &s.data); err != nil {
			return fmt.Errorf("decode %s: %w", s.path, err)
		}
	}
	if s.data.Tasks == nil {
		s.data.Tasks = map[string]task.Task{}
	}
	if s.data.Accounts == nil {
		s.data.Accounts = map[string]Account{}
	}
	if s.data.Denylist == nil {
		s.data.Denylist = map[string]denyEntry{}
	}
	return nil
}

// flushLocked writes the document atomically. Caller holds mu.
func (s *fileStore) flushLocked() error {
	if s.auditFile == nil {
		return ErrClosed
	}
	b, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// update runs fn under the lock and flushes when fn reports a change.
func (s *fileStore) update(fn func(d *fileData) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed, err := fn(&s.data)
	if err != nil || !changed {
		return err
	}
	return s.flushLocked()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func (s *fileStore) ListTasks(ctx context.Context) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]task.Task, 0, len(s.data.Tasks))
	for _, t := range s.data.Tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *fileStore) LoadTask(ctx context.Context, name string) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.data.Tasks[name]
	if !ok {
		return task.Task{}, fmt.Errorf("task %q: %w", name, ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *fileStore) SaveTask(ctx context.Context, t task.Task) error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("task name is required")
	}
	t = t.Clone()
	t.UpdatedAt = time.Now().UTC()
	return s.update(func(d *fileData) (bool, error) {
		d.Tasks[t.Name] = t
		return true, nil
	})
}

func (s *fileStore) DeleteTask(ctx context.Context, name string) error {
	return s.update(func(d *fileData) (bool, error) {
		if _, ok := d.Tasks[name]; !ok {
			return false, fmt.Errorf("task %q: %w", name, ErrNotFound)
		}
		delete(d.Tasks, name)
		return true, nil
	})
}

func (s *fileStore) RemoveListItem(ctx context.Context, taskName, list, item string) error {
	return s.update(func(d *fileData) (bool, error) {
		t, ok := d.Tasks[taskName]
		if !ok {
			return false, fmt.Errorf("task %q: %w", taskName, ErrNotFound)
		}
		items, removed := removeFirst(t.Lists[list], item)
		if !removed {
			return false, nil
		}
		t.Lists[list] = items
		d.Tasks[taskName] = t
		return true, nil
	})
}

func (s *fileStore) ListAccounts(ctx context.Context) ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Account, 0, len(s.data.Accounts))
	for _, a := range s.data.Accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) LoadAccount(ctx context.Context, id string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.data.Accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("account %q: %w", id, ErrNotFound)
	}
	return a, nil
}

func (s *fileStore) SaveAccount(ctx context.Context, a Account) error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("account id is required")
	}
	return s.update(func(d *fileData) (bool, error) {
		d.Accounts[a.ID] = a
		return true, nil
	})
}

func (s *fileStore) modifyAccount(id string, fn func(a *Account)) error {
	return s.update(func(d *fileData) (bool, error) {
		a, ok := d.Accounts[id]
		if !ok {
			return false, fmt.Errorf("account %q: %w", id, ErrNotFound)
		}
		fn(&a)
		d.Accounts[id] = a
		return true, nil
	})
}

func (s *fileStore) SetAccountStatus(ctx context.Context, id, status string) error {
	return s.modifyAccount(id, func(a *Account) { a.Status = status })
}

func (s *fileStore) MarkWarmedUp(ctx context.Context, id string, at time.Time) error {
	return s.modifyAccount(id, func(a *Account) { a.WarmedUpAt = at })
}

func (s *fileStore) ListProxies(ctx context.Context) ([]proxy.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]proxy.Record(nil), s.data.Proxies...), nil
}

func (s *fileStore) SaveProxies(ctx context.Context, recs []proxy.Record) error {
	return s.update(func(d *fileData) (bool, error) {
		idx := make(map[string]int, len(d.Proxies))
		for i, r := range d.Proxies {
			idx[r.Endpoint] = i
		}
		for _, r := range recs {
			if r.Status == "" {
				r.Status = proxy.StatusUntested
			}
			if i, ok := idx[r.Endpoint]; ok {
				d.Proxies[i] = r
				continue
			}
			idx[r.Endpoint] = len(d.Proxies)
			d.Proxies = append(d.Proxies, r)
		}
		return len(recs) > 0, nil
	})
}

func (s *fileStore) DeleteProxy(ctx context.Context, endpoint string) error {
	return s.update(func(d *fileData) (bool, error) {
		for i, r := range d.Proxies {
			if r.Endpoint == endpoint {
				d.Proxies = append(d.Proxies[:i:i], d.Proxies[i+1:]...)
				return true, nil
			}
		}
		return false, fmt.Errorf("proxy %q: %w", endpoint, ErrNotFound)
	})
}

func (s *fileStore) IsDenied(ctx context.Context, target string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data.Denylist[target]
	return ok, nil
}

func (s *fileStore) Deny(ctx context.Context, target, reason string) error {
	return s.update(func(d *fileData) (bool, error) {
		if _, ok := d.Denylist[target]; ok {
			return false, nil
		}
		d.Denylist[target] = denyEntry{Reason: reason, At: time.Now().UTC()}
		return true, nil
	})
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}
