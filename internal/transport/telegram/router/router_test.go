package router

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	kit "fleetbot/internal/transport"
	"fleetbot/internal/transport/transporttest"
	logx "fleetbot/pkg/logx"
)

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"/run daily", []string{"/run", "daily"}},
		{`/run "my task" --force`, []string{"/run", "my task", "--force"}},
		{`/say 'a b' c\ d`, []string{"/say", "a b", "c d"}},
		{`/set ""`, []string{"/set", ""}},
	}
	for _, tc := range cases {
		if got := tokenizeCommandLine(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("tokenize(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	pos, flags, bools := parseFlags([]string{"a", "--k=v", "--n", "3", "-x", "-ab", "--force"})
	if !reflect.DeepEqual(pos, []string{"a"}) {
		t.Fatalf("pos=%q", pos)
	}
	if flags["k"] != "v" || flags["n"] != "3" {
		t.Fatalf("flags=%v", flags)
	}
	for _, k := range []string{"x", "a", "b", "force"} {
		if !bools[k] {
			t.Fatalf("bool %q missing: %v", k, bools)
		}
	}
}

func TestMenuName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"check-all":      "check_all",
		"Proxies Check":  "proxies_check",
		"prune__proxies": "prune_proxies",
		"1st":            "cmd_1st",
		"!!":             "",
	}
	for in, want := range cases {
		if got := menuName(in); got != want {
			t.Fatalf("menuName(%q)=%q want %q", in, got, want)
		}
	}
}

func TestMenuCommandsCarryArguments(t *testing.T) {
	t.Parallel()

	root := newRoot()
	for _, c := range []Command{
		{Route: "run", Description: "start a task", Usage: "/run <task>"},
		{Route: "proxies check", Description: "test proxies", Usage: "/proxies check"},
		{Route: "help", Description: "show help", Access: AccessEveryone},
	} {
		root.add(splitRoute(c.Route), c)
	}
	got := menuCommands(root)
	want := []kit.BotCommand{
		{Command: "help", Description: "show help"},
		{Command: "proxies_check", Description: "🔒 test proxies"},
		{Command: "run", Description: "🔒 start a task <task>"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("menu=%+v\nwant %+v", got, want)
	}
}

type dispatch struct {
	m      *CommandManager
	fake   *transporttest.Adapter
	ups    chan kit.Update
	called chan *Request
}

func newDispatch(t *testing.T) *dispatch {
	t.Helper()
	fake := transporttest.New()
	d := &dispatch{
		m:      NewCommandManager(logx.Nop(), fake, []int64{1}),
		fake:   fake,
		ups:    make(chan kit.Update, 8),
		called: make(chan *Request, 8),
	}
	record := func(ctx context.Context, req *Request) error {
		d.called <- req
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.m.SetRegistry(ctx, []Command{
		{Route: "tasks", Description: "list tasks", Section: "Tasks", Handle: record},
		{
			Route: "run", Description: "start a task", Usage: "/run <task>", Section: "Tasks",
			Aliases: []string{"start"},
			Hint:    func(context.Context) []string { return []string{"daily", "warmup-new"} },
			Handle:  record,
		},
		{Route: "proxies check", Description: "check proxies", Section: "Proxies", Handle: record},
		{Route: "ping", Access: AccessEveryone, Handle: record},
	}, []CallbackRoute{
		{Group: "run", Action: "stop", Handle: func(ctx context.Context, req *Request, payload string) error {
			return record(ctx, req)
		}},
	})
	done := make(chan struct{})
	go func() {
		_ = d.m.DispatchLoop(ctx, d.ups)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d
}

func (d *dispatch) message(from int64, text string) {
	d.ups <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 10, FromID: from, Text: text}}
}

func (d *dispatch) wait(t *testing.T) *Request {
	t.Helper()
	select {
	case r := <-d.called:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not called")
		return nil
	}
}

func TestDispatchRoutes(t *testing.T) {
	t.Parallel()
	d := newDispatch(t)

	d.message(1, `/tasks "a b" --all`)
	r := d.wait(t)
	if r.Command != "tasks" || r.Arg(0) != "a b" || !r.BoolFlags["all"] {
		t.Fatalf("unexpected request: %+v", r)
	}

	d.message(1, "/proxies check")
	if r := d.wait(t); r.Command != "proxies check" {
		t.Fatalf("subcommand not routed: %q", r.Command)
	}

	d.message(1, "/proxies_check@fleetbot")
	if r := d.wait(t); r.Command != "proxies check" {
		t.Fatalf("menu alias not routed: %q", r.Command)
	}

	d.ups <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb1", ChatID: 10, FromID: 1, Data: "run:stop:daily"}}
	if r := d.wait(t); r.Payload != "daily" || r.Command != "cb:run:stop" {
		t.Fatalf("callback not routed: %+v", r)
	}
}

func TestDispatchOwnerOnly(t *testing.T) {
	t.Parallel()
	d := newDispatch(t)

	d.message(2, "/tasks")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, ok := d.fake.WaitFor(ctx, transporttest.Contains("unauthorized")); !ok {
		t.Fatalf("stranger was not rejected")
	}

	d.message(2, "/ping")
	if r := d.wait(t); r.FromID != 2 {
		t.Fatalf("public command not routed")
	}

	d.ups <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "x", FromID: 2, Data: "run:stop:daily"}}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, a := range d.fake.Answers() {
			if a == "x:forbidden" {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("callback from stranger not refused: %v", d.fake.Answers())
}

func TestHelpAndUnknown(t *testing.T) {
	t.Parallel()
	d := newDispatch(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	d.message(1, "/nope")
	if _, ok := d.fake.WaitFor(ctx, transporttest.Contains("unknown command")); !ok {
		t.Fatalf("unknown command not answered")
	}

	d.message(1, "/proxies")
	s, ok := d.fake.WaitFor(ctx, transporttest.Contains("/proxies check"))
	if !ok || !strings.Contains(s.Text, "check proxies") {
		t.Fatalf("group help missing subcommands: %q", s.Text)
	}

	d.message(1, "/help")
	s, ok = d.fake.WaitFor(ctx, transporttest.Contains("<b>Commands</b>"))
	if !ok || !strings.Contains(s.Text, "/tasks") || !strings.Contains(s.Text, "🔒") {
		t.Fatalf("top help: %q", s.Text)
	}
}

func TestHelpSectionsAndHints(t *testing.T) {
	t.Parallel()
	d := newDispatch(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	d.message(1, "/help")
	s, ok := d.fake.WaitFor(ctx, transporttest.Contains("<b>Tasks</b>"))
	if !ok {
		t.Fatalf("no sectioned help")
	}
	tasks := strings.Index(s.Text, "<b>Tasks</b>")
	general := strings.Index(s.Text, "<b>General</b>")
	if strings.Index(s.Text, "<b>Proxies</b>") > tasks || general < tasks {
		t.Fatalf("section order: %q", s.Text)
	}
	if !strings.Contains(s.Text, "<code>/run &lt;task&gt;</code> start a task") {
		t.Fatalf("usage missing from index: %q", s.Text)
	}

	d.message(1, "/help start")
	s, ok = d.fake.WaitFor(ctx, transporttest.Contains("<b>task</b>"))
	if !ok || !strings.Contains(s.Text, "daily, warmup-new") || !strings.Contains(s.Text, "<code>/start</code>") {
		t.Fatalf("command help: %q", s.Text)
	}
}
