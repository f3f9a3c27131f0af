package action

import (
	"context"
	"fmt"

	"fleetbot/internal/remote"
)

// Account statuses recorded by check_all.
const (
	StatusValid   = "valid"
	StatusInvalid = "invalid"
	StatusBanned  = "banned"
)

// CheckAll verifies the session is alive and reads the spam verdict.
func CheckAll(ctx context.Context, env Env) error {
	var me remote.Me
	err := env.Attempt(ctx, "me", func(ctx context.Context) error {
		var err error
		me, err = env.Client().Me(ctx)
		return err
	})
	if err != nil {
		switch remote.KindOf(err) {
		case remote.KindAuth:
			env.SetAccountStatus(StatusInvalid)
			env.Progress("❌ session invalid")
			return nil
		case remote.KindBanned:
			env.SetAccountStatus(StatusBanned)
			env.Progress("⛔ banned")
			return nil
		}
		return err
	}

	var spam remote.SpamReport
	err = env.Attempt(ctx, "spam_status", func(ctx context.Context) error {
		var err error
		spam, err = env.Client().SpamStatus(ctx)
		return err
	})
	if err != nil {
		return err
	}

	status := spam.Status.String()
	env.SetAccountStatus(status)
	switch spam.Status {
	case remote.SpamClean:
		env.Progress(fmt.Sprintf("✅ valid (%s)", displayName(me)))
	case remote.SpamTemporary:
		if spam.Until.IsZero() {
			env.Progress("⚠️ " + status)
		} else {
			env.Progress(fmt.Sprintf("⚠️ %s until %s", status, spam.Until.UTC().Format("2006-01-02 15:04")))
		}
	default:
		env.Progress("⛔ " + status)
	}
	return nil
}

func displayName(me remote.Me) string {
	switch {
	case me.Username != "":
		return "@" + me.Username
	case me.LastName != "":
		return me.FirstName + " " + me.LastName
	case me.FirstName != "":
		return me.FirstName
	default:
		return me.Phone
	}
}
