package storage

import (
	"context"
	"fmt"
	"strings"

	"fleetbot/internal/safety"
	logx "fleetbot/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	log = log.With(logx.String("comp", "storage"))
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

// Profiles adapts a Store to safety.ProfileSource.
type Profiles struct{ Store Store }

func (p Profiles) AccountProfile(ctx context.Context, id string) (safety.Profile, error) {
	a, err := p.Store.LoadAccount(ctx, id)
	if err != nil {
		return safety.Profile{}, err
	}
	return safety.Profile{CreatedAt: a.CreatedAt, WarmedUp: !a.WarmedUpAt.IsZero()}, nil
}

func removeFirst(items []string, item string) ([]string, bool) {
	item = strings.TrimSpace(item)
	for i, s := range items {
		if strings.TrimSpace(s) == item {
			return append(items[:i:i], items[i+1:]...), true
		}
	}
	return items, false
}
