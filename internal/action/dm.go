package action

import (
	"context"
	"fmt"

	"fleetbot/internal/remote"
	"fleetbot/internal/task"
)

// BroadcastDM sends one random message to every private dialog once.
func BroadcastDM(ctx context.Context, env Env) error {
	t := env.Task()
	messages := t.List(task.ListMessages)
	if len(messages) == 0 {
		return fmt.Errorf("%w: list %q is empty", ErrMissingContent, task.ListMessages)
	}

	var dialogs []remote.Peer
	err := env.Attempt(ctx, "dialogs", func(ctx context.Context) error {
		var err error
		dialogs, err = env.Client().Dialogs(ctx)
		return err
	})
	if err != nil {
		return err
	}

	var users []remote.Peer
	for _, p := range dialogs {
		if p.Kind == remote.PeerUser && !p.Bot {
			users = append(users, p)
		}
	}

	sent := 0
	for i, p := range users {
		if env.Denied(ctx, targetKey(p)) {
			continue
		}
		if err := env.Guard(ctx); err != nil {
			return err
		}
		text := pick(env.Rand(), messages)
		err := env.Attempt(ctx, "send", func(ctx context.Context) error {
			_, err := env.Client().Send(ctx, p, text, 0)
			return err
		})
		if err != nil {
			if err := skipOrFail(ctx, env, p, err); err != nil {
				return err
			}
		} else {
			sent++
			env.Record(true)
			env.Progress(fmt.Sprintf("✉️ %d/%d sent", sent, len(users)))
		}
		if i < len(users)-1 {
			if err := env.Pace(ctx); err != nil {
				return err
			}
		}
	}
	env.Progress(fmt.Sprintf("✅ done, %d/%d sent", sent, len(users)))
	return nil
}
