package action

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"fleetbot/internal/remote"
	"fleetbot/internal/task"
)

var profileVariants = []string{
	task.VariantName, task.VariantLastname, task.VariantAvatar,
	task.VariantNameLast, task.VariantNameAvatar, task.VariantLastAvatar, task.VariantAll,
}

type profileParts struct{ name, last, avatar bool }

func partsOf(variant string) profileParts {
	switch variant {
	case task.VariantName:
		return profileParts{name: true}
	case task.VariantLastname:
		return profileParts{last: true}
	case task.VariantAvatar:
		return profileParts{avatar: true}
	case task.VariantNameLast:
		return profileParts{name: true, last: true}
	case task.VariantNameAvatar:
		return profileParts{name: true, avatar: true}
	case task.VariantLastAvatar:
		return profileParts{last: true, avatar: true}
	default:
		return profileParts{name: true, last: true, avatar: true}
	}
}

// ChangeProfile rewrites the parts of the profile its variant names, using
// random picks from the task's names/lastnames lists and avatars directory.
func ChangeProfile(ctx context.Context, env Env) error {
	t := env.Task()
	parts := partsOf(t.Action.Variant)

	var upd remote.ProfileUpdate
	var done []string
	if parts.name {
		v := pick(env.Rand(), t.List(task.ListNames))
		if v == "" {
			return fmt.Errorf("%w: list %q is empty", ErrMissingContent, task.ListNames)
		}
		upd.FirstName = &v
		done = append(done, "name")
	}
	if parts.last {
		v := pick(env.Rand(), t.List(task.ListLastnames))
		if v == "" {
			return fmt.Errorf("%w: list %q is empty", ErrMissingContent, task.ListLastnames)
		}
		upd.LastName = &v
		done = append(done, "lastname")
	}
	var avatar string
	if parts.avatar {
		var err error
		if avatar, err = pickImage(env.Rand(), t.Settings.AvatarsDir); err != nil {
			return err
		}
		done = append(done, "avatar")
	}

	if err := env.Guard(ctx); err != nil {
		return err
	}
	if upd.FirstName != nil || upd.LastName != nil {
		if err := env.Attempt(ctx, "update_profile", func(ctx context.Context) error {
			return env.Client().UpdateProfile(ctx, upd)
		}); err != nil {
			env.Record(false)
			return err
		}
	}
	if avatar != "" {
		if upd.FirstName != nil || upd.LastName != nil {
			if err := env.Pace(ctx); err != nil {
				return err
			}
		}
		if err := env.Attempt(ctx, "upload_avatar", func(ctx context.Context) error {
			return env.Client().UploadAvatar(ctx, avatar)
		}); err != nil {
			env.Record(false)
			return err
		}
	}
	env.Record(true)
	env.Progress("✅ updated " + strings.Join(done, ", "))
	return nil
}

// DeleteAvatars removes every profile photo.
func DeleteAvatars(ctx context.Context, env Env) error {
	var n int
	err := env.Attempt(ctx, "delete_avatars", func(ctx context.Context) error {
		var err error
		n, err = env.Client().DeleteAvatars(ctx)
		return err
	})
	if err != nil {
		env.Record(false)
		return err
	}
	env.Record(true)
	env.Progress(fmt.Sprintf("✅ deleted %d avatars", n))
	return nil
}

// DeleteLastnames clears the last name.
func DeleteLastnames(ctx context.Context, env Env) error {
	empty := ""
	err := env.Attempt(ctx, "update_profile", func(ctx context.Context) error {
		return env.Client().UpdateProfile(ctx, remote.ProfileUpdate{LastName: &empty})
	})
	if err != nil {
		env.Record(false)
		return err
	}
	env.Record(true)
	env.Progress("✅ last name cleared")
	return nil
}

var imageExt = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".webp": true}

// pickImage returns a random image file from dir.
func pickImage(rng *rand.Rand, dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return "", fmt.Errorf("%w: no avatars directory", ErrMissingContent)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read avatars: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !imageExt[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	if len(files) == 0 {
		return "", fmt.Errorf("%w: no images in %s", ErrMissingContent, dir)
	}
	sort.Strings(files)
	return files[rng.Intn(len(files))], nil
}
