package action

import (
	"context"
	"fmt"

	"fleetbot/internal/remote"
)

const warmupReads = 3

// Warmup performs read-only activity and then lifts the warm-up gate for the
// account.
func Warmup(ctx context.Context, env Env) error {
	if err := env.Attempt(ctx, "me", func(ctx context.Context) error {
		_, err := env.Client().Me(ctx)
		return err
	}); err != nil {
		return err
	}

	var dialogs []remote.Peer
	if err := env.Attempt(ctx, "dialogs", func(ctx context.Context) error {
		var err error
		dialogs, err = env.Client().Dialogs(ctx)
		return err
	}); err != nil {
		return err
	}

	var channels []remote.Peer
	for _, p := range dialogs {
		if p.Kind == remote.PeerChannel {
			channels = append(channels, p)
		}
	}
	env.Rand().Shuffle(len(channels), func(i, j int) { channels[i], channels[j] = channels[j], channels[i] })
	if len(channels) > warmupReads {
		channels = channels[:warmupReads]
	}
	for i, ch := range channels {
		if err := env.Pace(ctx); err != nil {
			return err
		}
		if err := env.Attempt(ctx, "latest_post", func(ctx context.Context) error {
			_, _, err := env.Client().LatestPost(ctx, ch)
			return err
		}); err != nil && remote.KindOf(err) != remote.KindTarget {
			return err
		}
		env.Progress(fmt.Sprintf("👀 read %d/%d", i+1, len(channels)))
	}

	if err := env.MarkWarmedUp(ctx); err != nil {
		return err
	}
	env.Record(true)
	env.Progress("✅ warmed up")
	return nil
}
