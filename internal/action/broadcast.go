package action

import (
	"context"
	"fmt"
	"math/rand"

	"fleetbot/internal/remote"
	"fleetbot/internal/task"
)

// Broadcast posts random messages into the account's groups and/or channel
// comment threads in continuous cycles until the run is stopped. A target that
// rejects the account, or silently deletes the post, is denylisted.
func Broadcast(ctx context.Context, env Env) error {
	t := env.Task()
	messages := t.List(task.ListMessages)
	if len(messages) == 0 {
		return fmt.Errorf("%w: list %q is empty", ErrMissingContent, task.ListMessages)
	}

	if t.Settings.ReplyInPM && len(t.List(task.ListPMReplies)) > 0 {
		arCtx, stop := context.WithCancel(ctx)
		rng := rand.New(rand.NewSource(env.Rand().Int63()))
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = autoReply(arCtx, env, rng)
		}()
		defer func() {
			stop()
			<-done
		}()
	}

	mode := t.Settings.BroadcastTarget
	if mode == "" {
		mode = task.TargetChats
	}

	sent := 0
	for cycle := 1; ; cycle++ {
		var dialogs []remote.Peer
		err := env.Attempt(ctx, "dialogs", func(ctx context.Context) error {
			var err error
			dialogs, err = env.Client().Dialogs(ctx)
			return err
		})
		if err != nil {
			return err
		}

		targets := broadcastTargets(dialogs, mode)
		env.Rand().Shuffle(len(targets), func(i, j int) { targets[i], targets[j] = targets[j], targets[i] })

		for _, p := range targets {
			if env.Denied(ctx, targetKey(p)) {
				continue
			}
			if err := env.Guard(ctx); err != nil {
				return err
			}
			ok, err := postOnce(ctx, env, p, pick(env.Rand(), messages))
			if err != nil {
				return err
			}
			if ok {
				sent++
				env.Progress(fmt.Sprintf("📤 cycle %d, %d sent", cycle, sent))
			}
			if err := env.Pace(ctx); err != nil {
				return err
			}
		}

		if len(targets) == 0 {
			env.Progress("💤 no targets")
		} else {
			env.Progress(fmt.Sprintf("⏸ cycle %d done, %d sent", cycle, sent))
		}
		if err := env.Sleep(ctx, env.CyclePause()); err != nil {
			return err
		}
	}
}

func broadcastTargets(dialogs []remote.Peer, mode task.TargetMode) []remote.Peer {
	var out []remote.Peer
	for _, p := range dialogs {
		switch {
		case p.Kind == remote.PeerGroup && (mode == task.TargetChats || mode == task.TargetBoth):
			out = append(out, p)
		case p.Kind == remote.PeerChannel && p.Discussion != 0 && (mode == task.TargetComments || mode == task.TargetBoth):
			out = append(out, p)
		}
	}
	return out
}

// postOnce sends text to p and verifies it survived. It returns an error only
// when the account itself can no longer continue.
func postOnce(ctx context.Context, env Env, p remote.Peer, text string) (bool, error) {
	replyTo := 0
	if p.Kind == remote.PeerChannel {
		var (
			post  remote.Post
			found bool
		)
		err := env.Attempt(ctx, "latest_post", func(ctx context.Context) error {
			var err error
			post, found, err = env.Client().LatestPost(ctx, p)
			return err
		})
		if err != nil {
			return false, skipOrFail(ctx, env, p, err)
		}
		if !found {
			return false, nil
		}
		replyTo = post.ID
	}

	var post remote.Post
	err := env.Attempt(ctx, "send", func(ctx context.Context) error {
		var err error
		post, err = env.Client().Send(ctx, p, text, replyTo)
		return err
	})
	if err != nil {
		return false, skipOrFail(ctx, env, p, err)
	}
	env.Record(true)

	if err := env.Sleep(ctx, env.VerifyDelay()); err != nil {
		return true, err
	}
	exists, err := env.Client().PostExists(ctx, post)
	switch {
	case remote.IsCancel(err):
		return true, err
	case err == nil && !exists:
		env.Deny(ctx, targetKey(p), "post removed")
		env.Progress("🗑 post removed in " + p.Title)
	}
	return true, nil
}

// skipOrFail maps a per-target failure to either a skip (nil) or a fatal error.
func skipOrFail(ctx context.Context, env Env, p remote.Peer, err error) error {
	switch remote.KindOf(err) {
	case remote.KindForbidden:
		env.Deny(ctx, targetKey(p), "write forbidden")
		return nil
	case remote.KindTarget, remote.KindAlready:
		return nil
	case remote.KindConnection, remote.KindAuth, remote.KindBanned:
		env.Record(false)
		return err
	}
	if remote.IsCancel(err) {
		return err
	}
	env.Record(false)
	return nil
}
