package action

import (
	"context"
	"fmt"

	"fleetbot/internal/remote"
)

// CleanAccount leaves every dialog the account is in.
func CleanAccount(ctx context.Context, env Env) error {
	var dialogs []remote.Peer
	err := env.Attempt(ctx, "dialogs", func(ctx context.Context) error {
		var err error
		dialogs, err = env.Client().Dialogs(ctx)
		return err
	})
	if err != nil {
		return err
	}

	left := 0
	for i, p := range dialogs {
		if err := env.Guard(ctx); err != nil {
			return err
		}
		err := env.Attempt(ctx, "leave", func(ctx context.Context) error {
			return env.Client().LeaveDialog(ctx, p)
		})
		switch {
		case err == nil:
			left++
			env.Record(true)
		case remote.KindOf(err) == remote.KindTarget || remote.KindOf(err) == remote.KindAlready:
		default:
			if err := skipOrFail(ctx, env, p, err); err != nil {
				return err
			}
		}
		env.Progress(fmt.Sprintf("🧹 %d/%d", i+1, len(dialogs)))
		if i < len(dialogs)-1 {
			if err := env.Pace(ctx); err != nil {
				return err
			}
		}
	}
	env.Progress(fmt.Sprintf("✅ left %d dialogs", left))
	return nil
}
