package action

import (
	"context"
	"errors"
	"fmt"

	"fleetbot/internal/remote"
	"fleetbot/internal/task"
)

// JoinChats drains the run's shared chat queue. Joined items are removed from
// the task's durable list, so a later run only sees what is left.
func JoinChats(ctx context.Context, env Env) error {
	q := env.Queue()
	if q == nil {
		return errors.New("join_chats: no work queue")
	}
	joined := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := env.Guard(ctx); err != nil {
			return err
		}
		link, ok := q.Take()
		if !ok {
			break
		}

		res, err := env.Client().JoinChat(ctx, link)
		kind := remote.KindOf(err)
		switch {
		case err == nil || kind == remote.KindAlready:
			q.Done(link)
			joined++
			env.Record(true)
			_ = env.Consume(ctx, task.ListChats, link)
			if err == nil && res == remote.JoinRequested {
				env.Progress(fmt.Sprintf("📨 %d joined, request sent to %s", joined, link))
			} else {
				env.Progress(fmt.Sprintf("✅ %d joined", joined))
			}

		case kind == remote.KindThrottle:
			// Dropped items stay in the durable list for a later run.
			if !q.Retry(link, env.ThrottleLimit(), err.Error()) {
				env.Progress("⚠️ dropped " + link + ", throttled too often")
			}
			wait, _ := remote.ThrottleWait(err)
			if err := env.Backoff(ctx, "join", wait); err != nil {
				return err
			}
			continue

		case kind == remote.KindTarget || kind == remote.KindForbidden:
			q.Drop(link, err.Error())
			_ = env.Consume(ctx, task.ListChats, link)
			env.Progress("⚠️ dropped " + link)

		case remote.IsCancel(err):
			q.PutBack(link)
			return err

		case kind == remote.KindConnection || kind == remote.KindAuth || kind == remote.KindBanned:
			// The account is unusable; leave the item for the others.
			q.PutBack(link)
			env.Record(false)
			return err

		default:
			q.Drop(link, err.Error())
			env.Record(false)
			env.Progress("⚠️ failed " + link)
		}

		if q.Len() == 0 {
			break
		}
		if err := env.Pace(ctx); err != nil {
			return err
		}
	}
	env.Progress(fmt.Sprintf("✅ done, %d joined", joined))
	return nil
}
