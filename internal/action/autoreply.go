package action

import (
	"context"
	"math/rand"

	"fleetbot/internal/remote"
	"fleetbot/internal/task"
)

// maxReplyThrottles bounds how often one reply is retried after a throttle.
const maxReplyThrottles = 3

// autoReply answers each new private conversation once with a random line of
// pm_replies until ctx is done. It runs beside the broadcast handler, so it
// has its own rng and never reports progress.
func autoReply(ctx context.Context, env Env, rng *rand.Rand) error {
	replies := env.Task().List(task.ListPMReplies)
	if len(replies) == 0 {
		return nil
	}
	in, err := env.Client().Incoming(ctx)
	if err != nil {
		return err
	}
	answered := map[int64]bool{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			if msg.From.Bot || msg.From.Kind != remote.PeerUser || answered[msg.From.ID] {
				continue
			}
			if err := reply(ctx, env, msg, pick(rng, replies)); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			answered[msg.From.ID] = true
		}
	}
}

func reply(ctx context.Context, env Env, msg remote.IncomingMessage, text string) error {
	for throttles := 0; ; throttles++ {
		_, err := env.Client().Send(ctx, msg.From, text, msg.ID)
		wait, ok := remote.ThrottleWait(err)
		if !ok || throttles >= maxReplyThrottles {
			return err
		}
		if err := env.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}
