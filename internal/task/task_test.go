package task

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseAction(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    Action
		wantErr bool
	}{
		{in: "check_all", want: Action{Kind: KindCheckAll}},
		{in: " change_profile:avatar ", want: Action{Kind: KindChangeProfile, Variant: VariantAvatar}},
		{in: "join_chats", want: Action{Kind: KindJoinChats}},
		{in: "", want: Action{}},
		{in: "launch_rockets", wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseAction(tc.in)
			if tc.wantErr {
				if !errors.Is(err, ErrUnknownAction) {
					t.Fatalf("err=%v, want ErrUnknownAction", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAction(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("ParseAction(%q)=%+v, want %+v", tc.in, got, tc.want)
			}
		})
	}
}

func TestTaskJSONRoundTripKeepsActionText(t *testing.T) {
	t.Parallel()

	in := Task{
		Name:     "t1",
		Action:   Action{Kind: KindChangeProfile, Variant: VariantAll},
		Accounts: []string{"a", "b"},
		Settings: DefaultSettings(),
		Status:   StatusStopped,
	}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	_ = json.Unmarshal(b, &raw)
	if raw["action"] != "change_profile:all" {
		t.Fatalf("action encoded as %v", raw["action"])
	}

	var out Task
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Action != in.Action || out.Settings.DelayMax.Std() != 90*time.Second {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestDurationAcceptsSeconds(t *testing.T) {
	t.Parallel()

	var s Settings
	if err := json.Unmarshal([]byte(`{"delay_min":"45","delay_max":"2m"}`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.DelayMin.Std() != 45*time.Second || s.DelayMax.Std() != 2*time.Minute {
		t.Fatalf("got %v..%v", s.DelayMin.Std(), s.DelayMax.Std())
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	r := "a: ok"
	orig := Task{Accounts: []string{"a"}, Lists: map[string][]string{ListChats: {"x"}}, Report: &r}
	cp := orig.Clone()
	cp.Accounts[0] = "z"
	cp.Lists[ListChats][0] = "y"
	*cp.Report = "changed"
	if orig.Accounts[0] != "a" || orig.Lists[ListChats][0] != "x" || *orig.Report != "a: ok" {
		t.Fatalf("clone shares memory with original: %+v", orig)
	}
}

func TestListTrimsBlanks(t *testing.T) {
	t.Parallel()

	tk := Task{Lists: map[string][]string{ListMessages: {" hi ", "", "  ", "there"}}}
	got := tk.List(ListMessages)
	if len(got) != 2 || got[0] != "hi" || got[1] != "there" {
		t.Fatalf("List=%q", got)
	}
}
