// Package task defines the persisted task record and its action kinds.
package task

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the persisted lifecycle status of a task.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
)

// Kind is the closed set of actions a task can perform.
type Kind string

const (
	KindCheckAll          Kind = "check_all"
	KindChangeProfile     Kind = "change_profile"
	KindDeleteAvatars     Kind = "delete_avatars"
	KindDeleteLastnames   Kind = "delete_lastnames"
	KindCreateChannel     Kind = "create_channel"
	KindJoinChats         Kind = "join_chats"
	KindBroadcast         Kind = "start_broadcast"
	KindBroadcastDM       Kind = "broadcast_dm"
	KindSet2FA            Kind = "set_2fa"
	KindRemove2FA         Kind = "remove_2fa"
	KindTerminateSessions Kind = "terminate_sessions"
	KindReauthorize       Kind = "reauthorize"
	KindCleanAccount      Kind = "clean_account"
	KindWarmup            Kind = "warmup"
)

// Kinds lists every known kind in display order.
var Kinds = []Kind{
	KindCheckAll, KindChangeProfile, KindDeleteAvatars, KindDeleteLastnames,
	KindCreateChannel, KindJoinChats, KindBroadcast, KindBroadcastDM,
	KindSet2FA, KindRemove2FA, KindTerminateSessions, KindReauthorize,
	KindCleanAccount, KindWarmup,
}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Profile variants of KindChangeProfile.
const (
	VariantName       = "name"
	VariantLastname   = "lastname"
	VariantAvatar     = "avatar"
	VariantNameLast   = "name_last"
	VariantNameAvatar = "name_avatar"
	VariantLastAvatar = "last_avatar"
	VariantAll        = "all"
)

var ErrUnknownAction = errors.New("unknown action")

// Action is a kind plus an optional variant, written as "kind[:variant]".
type Action struct {
	Kind    Kind
	Variant string
}

func (a Action) String() string {
	if a.Variant == "" {
		return string(a.Kind)
	}
	return string(a.Kind) + ":" + a.Variant
}

func (a Action) IsZero() bool { return a.Kind == "" }

// ParseAction parses the textual form of an action.
func ParseAction(s string) (Action, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Action{}, nil
	}
	kind, variant, _ := strings.Cut(s, ":")
	a := Action{Kind: Kind(strings.TrimSpace(kind)), Variant: strings.TrimSpace(variant)}
	if !a.Kind.Valid() {
		return Action{}, fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
	return a, nil
}

func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Action) UnmarshalText(b []byte) error {
	parsed, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// TargetMode selects what a broadcast posts into.
type TargetMode string

const (
	TargetChats    TargetMode = "chats"
	TargetComments TargetMode = "comments"
	TargetBoth     TargetMode = "both"
)

// Well-known content list keys.
const (
	ListMessages            = "messages"
	ListNames               = "names"
	ListLastnames           = "lastnames"
	ListChannelNames        = "channel_names"
	ListChannelDescriptions = "channel_descriptions"
	ListChats               = "chats"
	ListPMReplies           = "pm_replies"
)

// Settings are the per-task knobs.
type Settings struct {
	ConcurrentWorkers int        `json:"concurrent_workers"`
	DelayMin          Duration   `json:"delay_min"`
	DelayMax          Duration   `json:"delay_max"`
	TwoFAPassword     string     `json:"two_fa_password,omitempty"`
	BroadcastTarget   TargetMode `json:"broadcast_target,omitempty"`
	ForwardPostLink   string     `json:"forward_post_link,omitempty"`
	ReplyInPM         bool       `json:"reply_in_pm,omitempty"`
	AvatarsDir        string     `json:"avatars_dir,omitempty"`
	ChannelAvatarsDir string     `json:"channel_avatars_dir,omitempty"`
	Schedule          string     `json:"schedule,omitempty"`
	DMWarningAccepted bool       `json:"dm_warning_accepted,omitempty"`
}

// DefaultSettings mirrors what a freshly created task starts with.
func DefaultSettings() Settings {
	return Settings{
		ConcurrentWorkers: 5,
		DelayMin:          Duration(30 * time.Second),
		DelayMax:          Duration(90 * time.Second),
		BroadcastTarget:   TargetChats,
	}
}

// Task is the persisted task record.
type Task struct {
	Name      string              `json:"name"`
	Action    Action              `json:"action"`
	Accounts  []string            `json:"accounts"`
	Settings  Settings            `json:"settings"`
	Lists     map[string][]string `json:"lists,omitempty"`
	Status    Status              `json:"status"`
	Report    *string             `json:"report,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// List returns a copy of a content list with blank lines removed.
func (t Task) List(key string) []string {
	src := t.Lists[key]
	out := make([]string, 0, len(src))
	for _, s := range src {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Clone returns a deep copy so a running worker never observes later edits.
func (t Task) Clone() Task {
	cp := t
	cp.Accounts = append([]string(nil), t.Accounts...)
	if t.Lists != nil {
		cp.Lists = make(map[string][]string, len(t.Lists))
		for k, v := range t.Lists {
			cp.Lists[k] = append([]string(nil), v...)
		}
	}
	if t.Report != nil {
		r := *t.Report
		cp.Report = &r
	}
	return cp
}

// Duration is a time.Duration that marshals as a Go duration string.
// Bare numbers are read as seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		*d = 0
		return nil
	}
	if v, err := time.ParseDuration(s); err == nil {
		*d = Duration(v)
		return nil
	}
	var secs float64
	if _, err := fmt.Sscanf(s, "%g", &secs); err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}
