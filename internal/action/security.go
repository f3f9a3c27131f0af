package action

import (
	"context"
	"fmt"
)

// Set2FA enables the cloud password unless one is already set.
func Set2FA(ctx context.Context, env Env) error {
	has, err := hasPassword(ctx, env)
	if err != nil {
		return err
	}
	if has {
		env.Progress("⚠️ 2FA already enabled")
		return nil
	}
	pw := env.Task().Settings.TwoFAPassword
	if err := env.Attempt(ctx, "set_password", func(ctx context.Context) error {
		return env.Client().SetPassword(ctx, pw)
	}); err != nil {
		env.Record(false)
		return err
	}
	env.Record(true)
	env.Progress("✅ 2FA enabled")
	return nil
}

// Remove2FA disables the cloud password using the task's password.
func Remove2FA(ctx context.Context, env Env) error {
	has, err := hasPassword(ctx, env)
	if err != nil {
		return err
	}
	if !has {
		env.Progress("⚠️ 2FA not enabled")
		return nil
	}
	pw := env.Task().Settings.TwoFAPassword
	if err := env.Attempt(ctx, "remove_password", func(ctx context.Context) error {
		return env.Client().RemovePassword(ctx, pw)
	}); err != nil {
		env.Record(false)
		return err
	}
	env.Record(true)
	env.Progress("✅ 2FA removed")
	return nil
}

func hasPassword(ctx context.Context, env Env) (bool, error) {
	var has bool
	err := env.Attempt(ctx, "has_password", func(ctx context.Context) error {
		var err error
		has, err = env.Client().HasPassword(ctx)
		return err
	})
	return has, err
}

// TerminateSessions logs out every other session of the account.
func TerminateSessions(ctx context.Context, env Env) error {
	var n int
	err := env.Attempt(ctx, "terminate_sessions", func(ctx context.Context) error {
		var err error
		n, err = env.Client().TerminateOtherSessions(ctx)
		return err
	})
	if err != nil {
		env.Record(false)
		return err
	}
	env.Record(true)
	env.Progress(fmt.Sprintf("✅ %d sessions terminated", n))
	return nil
}

// Reauthorize replaces the stored session with a freshly authorized one.
func Reauthorize(ctx context.Context, env Env) error {
	pw := env.Task().Settings.TwoFAPassword
	if err := env.Attempt(ctx, "reauthorize", func(ctx context.Context) error {
		return env.Client().Reauthorize(ctx, pw)
	}); err != nil {
		env.Record(false)
		return err
	}
	env.Record(true)
	env.Progress("✅ reauthorized")
	return nil
}
