package action

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"unicode"

	"fleetbot/internal/remote"
	"fleetbot/internal/task"
)

const usernameAttempts = 5

// CreateChannel creates a public channel, pins it as the personal channel and
// optionally seeds it with a forwarded post.
func CreateChannel(ctx context.Context, env Env) error {
	t := env.Task()
	title := pick(env.Rand(), t.List(task.ListChannelNames))
	if title == "" {
		return fmt.Errorf("%w: list %q is empty", ErrMissingContent, task.ListChannelNames)
	}
	about := pick(env.Rand(), t.List(task.ListChannelDescriptions))

	if err := env.Guard(ctx); err != nil {
		return err
	}

	var ch remote.Peer
	err := env.Attempt(ctx, "create_channel", func(ctx context.Context) error {
		var err error
		ch, err = env.Client().CreateChannel(ctx, title, about)
		return err
	})
	if err != nil {
		env.Record(false)
		return err
	}
	env.Progress("📢 channel created")

	username, err := claimUsername(ctx, env, ch, title)
	if err != nil {
		env.Record(false)
		return err
	}
	ch.Username = username

	if dir := strings.TrimSpace(t.Settings.ChannelAvatarsDir); dir != "" {
		photo, err := pickImage(env.Rand(), dir)
		if err != nil {
			return err
		}
		if err := env.Attempt(ctx, "set_channel_photo", func(ctx context.Context) error {
			return env.Client().SetChannelPhoto(ctx, ch, photo)
		}); err != nil {
			env.Record(false)
			return err
		}
	}

	if username != "" {
		if err := env.Attempt(ctx, "set_personal_channel", func(ctx context.Context) error {
			return env.Client().SetPersonalChannel(ctx, ch)
		}); err != nil {
			env.Record(false)
			return err
		}
	}

	if link := strings.TrimSpace(t.Settings.ForwardPostLink); link != "" {
		if err := env.Pace(ctx); err != nil {
			return err
		}
		if err := env.Attempt(ctx, "forward_post", func(ctx context.Context) error {
			return env.Client().ForwardPost(ctx, link, ch)
		}); err != nil {
			env.Record(false)
			return err
		}
	}

	env.Record(true)
	if username == "" {
		env.Progress("✅ channel created (private)")
	} else {
		env.Progress("✅ channel @" + username)
	}
	return nil
}

// claimUsername tries a few generated usernames; an empty result means every
// candidate was taken and the channel stays private.
func claimUsername(ctx context.Context, env Env, ch remote.Peer, title string) (string, error) {
	for i := 0; i < usernameAttempts; i++ {
		name := channelUsername(env.Rand(), title)
		err := env.Attempt(ctx, "set_channel_username", func(ctx context.Context) error {
			return env.Client().SetChannelUsername(ctx, ch, name)
		})
		if err == nil {
			return name, nil
		}
		switch remote.KindOf(err) {
		case remote.KindAlready, remote.KindTarget:
			env.Progress("⚠️ username @" + name + " taken")
		default:
			return "", err
		}
	}
	return "", nil
}

// channelUsername derives a candidate from title plus a random suffix.
func channelUsername(rng *rand.Rand, title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
		if b.Len() >= 20 {
			break
		}
	}
	base := b.String()
	if base == "" || !unicode.IsLetter(rune(base[0])) {
		base = "ch" + base
	}
	return fmt.Sprintf("%s_%04d", base, rng.Intn(10000))
}
