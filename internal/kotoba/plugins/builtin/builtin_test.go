package builtin_test

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bdobrica/kotoba/internal/kotoba/audit"
	"github.com/bdobrica/kotoba/internal/kotoba/commands"
	"github.com/bdobrica/kotoba/internal/kotoba/config"
	"github.com/bdobrica/kotoba/internal/kotoba/dispatch"
	"github.com/bdobrica/kotoba/internal/kotoba/event"
	"github.com/bdobrica/kotoba/internal/kotoba/expression"
	"github.com/bdobrica/kotoba/internal/kotoba/plugin"
	"github.com/bdobrica/kotoba/internal/kotoba/plugins/builtin"
	"github.com/bdobrica/kotoba/internal/kotoba/reply"
	"github.com/bdobrica/kotoba/internal/kotoba/runtime"
	"github.com/bdobrica/kotoba/internal/kotoba/store"
)

const (
	root  = "@root:example.org"
	alice = "@alice:example.org"
	bob   = "@bob:example.org"
)

// --- mock ---

type fakeResponder struct {
	mu       sync.Mutex
	approved []string
	rejected []string
}

func (f *fakeResponder) Approve(_ context.Context, ev *event.Event, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approved = append(f.approved, ev.GroupID)
	return nil
}

func (f *fakeResponder) Reject(_ context.Context, ev *event.Event, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, ev.GroupID)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []audit.Event
}

func (f *fakeNotifier) Notify(_ context.Context, evt audit.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
}

func (f *fakeNotifier) kinds() []audit.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]audit.Kind, len(f.events))
	for i, e := range f.events {
		out[i] = e.Kind
	}
	return out
}

// --- helpers ---

type bot struct {
	rt        *runtime.Runtime
	st        *store.Store
	rec       *reply.Recorder
	responder *fakeResponder
	notifier  *fakeNotifier
}

func newBot(t *testing.T, st *store.Store) *bot {
	t.Helper()
	if st == nil {
		var err error
		st, err = store.New(filepath.Join(t.TempDir(), "kotoba.db"))
		if err != nil {
			t.Fatalf("store.New: %v", err)
		}
		t.Cleanup(func() { st.Close() })
	}

	b := &bot{
		st:        st,
		rec:       &reply.Recorder{},
		responder: &fakeResponder{},
		notifier:  &fakeNotifier{},
	}
	deps := &builtin.Deps{
		Store:    st,
		Config:   config.NewStore(st),
		Notifier: b.notifier,
		Cancel:   expression.Text("Cancelled."),
		Welcome:  expression.Text("Welcome!"),
	}
	cat := plugin.NewCatalog()
	if err := builtin.Register(cat, deps); err != nil {
		t.Fatalf("Register: %v", err)
	}
	b.rt = runtime.New(runtime.Options{
		Dispatch:   dispatch.DefaultConfig(),
		Superusers: []string{root},
		Sender:     b.rec,
		Responder:  b.responder,
		Recorder:   audit.NewRecorder(st, nil),
		Catalog:    cat,
		State:      st,
	})
	deps.Runtime = b.rt

	specs := make([]runtime.PluginSpec, 0, len(builtin.Paths()))
	for _, p := range builtin.Paths() {
		specs = append(specs, runtime.PluginSpec{Path: p, Enabled: true})
	}
	if err := b.rt.LoadPlugins(context.Background(), specs); err != nil {
		t.Fatalf("LoadPlugins: %v", err)
	}
	t.Cleanup(b.rt.Sessions.Clear)
	return b
}

func msg(user, text string) *event.Event {
	return &event.Event{
		Kind:     event.KindMessage,
		ChatType: event.ChatPrivate,
		SubType:  event.SubTypeFriend,
		UserID:   user,
		Message:  event.TextMessage(text),
	}
}

func (b *bot) say(t *testing.T, user, text string) string {
	t.Helper()
	b.rec.Reset()
	b.rt.Dispatcher.Handle(context.Background(), msg(user, text))
	return strings.Join(b.rec.Messages(), "\n")
}

// --- base ---

func TestEcho(t *testing.T) {
	b := newBot(t, nil)
	if got := b.say(t, alice, "/echo [image:url=x]"); got != "[image:url=x]" {
		t.Errorf("echo: got %q, want the literal text", got)
	}
}

func TestSay(t *testing.T) {
	b := newBot(t, nil)

	if got := b.say(t, alice, "/say hi"); got != "" {
		t.Errorf("say by a non-superuser: got %q, want nothing", got)
	}
	if got := b.say(t, root, "/say"); got != "What should I say?" {
		t.Errorf("prompt: got %q", got)
	}
	if got := b.say(t, root, "  "); !strings.Contains(got, "Say what?") {
		t.Errorf("empty input: got %q, want the validation message", got)
	}
	if got := b.say(t, root, "hello there"); got != "hello there" {
		t.Errorf("say: got %q, want %q", got, "hello there")
	}
	if b.rt.Sessions.Len() != 0 {
		t.Errorf("sessions after say: got %d, want 0", b.rt.Sessions.Len())
	}
}

func TestSay_Cancel(t *testing.T) {
	b := newBot(t, nil)
	b.say(t, root, "/say")
	if got := b.say(t, root, "cancel"); got != "Cancelled." {
		t.Errorf("cancel: got %q, want %q", got, "Cancelled.")
	}
	if b.rt.Sessions.Len() != 0 {
		t.Error("cancelled session still stored")
	}
}

// --- help ---

func TestHelp(t *testing.T) {
	b := newBot(t, nil)

	got := b.say(t, alice, "/help")
	for _, want := range []string{"base", "help", "admin"} {
		if !strings.Contains(got, want) {
			t.Errorf("help: %q does not list %q", got, want)
		}
	}
	if strings.Contains(got, "events") {
		t.Errorf("help: %q lists a plugin without usage", got)
	}

	if got := b.say(t, alice, "/usage base"); !strings.Contains(got, "echo <text>") {
		t.Errorf("usage base: got %q", got)
	}
	if got := b.say(t, alice, "/help nope"); got != `No plugin named "nope".` {
		t.Errorf("help nope: got %q", got)
	}
	if got := b.say(t, alice, "/version"); !strings.HasPrefix(got, "kotoba ") {
		t.Errorf("version: got %q", got)
	}
}

func TestHelp_NaturalLanguage(t *testing.T) {
	b := newBot(t, nil)
	if got := b.say(t, alice, "what can you do"); !strings.Contains(got, "Plugins:") {
		t.Errorf("intent: got %q, want the plugin list", got)
	}
}

// --- admin ---

func TestAdmin_SuperuserOnly(t *testing.T) {
	b := newBot(t, nil)
	for _, text := range []string{"/sessions", "/plugins", "/switch off echo", "/config", "/audit", "/kill"} {
		if got := b.say(t, alice, text); got != "" {
			t.Errorf("%s by a non-superuser: got %q, want nothing", text, got)
		}
	}
}

func TestAdmin_SwitchCommand(t *testing.T) {
	b := newBot(t, nil)
	ctx := context.Background()

	if got := b.say(t, root, "/switch off echo"); got != "echo is off." {
		t.Errorf("switch: got %q", got)
	}
	if got := b.say(t, alice, "/echo hi"); got != "" {
		t.Errorf("disabled echo: got %q, want nothing", got)
	}
	enabled, found, err := b.st.CommandEnabled(ctx, "echo")
	if err != nil || !found || enabled {
		t.Errorf("stored switch: got (%v, %v, %v), want (false, true, nil)", enabled, found, err)
	}
	if got := b.say(t, root, "/switch off nope"); got != "No command nope." {
		t.Errorf("unknown command: got %q", got)
	}
	if got := b.say(t, root, "/switch sideways echo"); !strings.HasPrefix(got, "Usage:") {
		t.Errorf("bad toggle: got %q", got)
	}

	kinds := b.notifier.kinds()
	if len(kinds) != 1 || kinds[0] != audit.KindCommandToggled {
		t.Errorf("notifications: got %v", kinds)
	}

	// A restarted bot picks up the stored switch.
	b2 := newBot(t, b.st)
	if err := builtin.RestoreSwitches(ctx, b2.rt, b.st); err != nil {
		t.Fatalf("RestoreSwitches: %v", err)
	}
	if b2.rt.Commands.Enabled(commands.Name{"echo"}) {
		t.Error("echo enabled after restore")
	}
}

func TestAdmin_Plugins(t *testing.T) {
	b := newBot(t, nil)
	ctx := context.Background()

	got := b.say(t, root, "/plugins")
	if !strings.Contains(got, "builtin.base [on]") {
		t.Errorf("plugins: got %q", got)
	}

	if got := b.say(t, root, "/plugins off builtin.base"); got != "builtin.base is off." {
		t.Errorf("plugins off: got %q", got)
	}
	if got := b.say(t, alice, "/echo hi"); got != "" {
		t.Errorf("echo of a disabled plugin: got %q", got)
	}
	enabled, found, err := b.st.PluginEnabled(ctx, builtin.PathBase)
	if err != nil || !found || enabled {
		t.Errorf("stored plugin switch: got (%v, %v, %v)", enabled, found, err)
	}

	if got := b.say(t, root, "/plugins flip builtin.base"); got != "builtin.base is on." {
		t.Errorf("plugins flip: got %q", got)
	}
	if got := b.say(t, root, "/plugins on plugins.missing"); got != "Plugin plugins.missing is not loaded." {
		t.Errorf("missing plugin: got %q", got)
	}
}

func TestAdmin_Sessions(t *testing.T) {
	b := newBot(t, nil)
	if got := b.say(t, root, "/sessions"); got != "No open sessions." {
		t.Errorf("no sessions: got %q", got)
	}

	// Park a session in alice's conversation, then list from root's.
	b.say(t, bob, "/echo unrelated")
	ev := msg(alice, "")
	b.rt.Dispatcher.CallCommand(context.Background(), ev, commands.Name{"say"}, dispatch.CallOptions{})

	got := b.say(t, root, "/sessions")
	want := b.rt.Dispatcher.Key(ev) + ": say (waiting)"
	if !strings.Contains(got, want) {
		t.Errorf("sessions: got %q, want it to contain %q", got, want)
	}
}

func TestAdmin_Kill(t *testing.T) {
	b := newBot(t, nil)

	if got := b.say(t, root, "/kill"); got != "No session to kill." {
		t.Errorf("kill without session: got %q", got)
	}

	b.say(t, root, "/say")
	if b.rt.Sessions.Len() != 1 {
		t.Fatalf("sessions: got %d, want 1", b.rt.Sessions.Len())
	}
	if got := b.say(t, root, "/kill"); got != "Session killed." {
		t.Errorf("kill: got %q", got)
	}
	if b.rt.Sessions.Len() != 0 {
		t.Error("session survived kill")
	}

	// Another conversation, killed by key.
	ev := msg(alice, "")
	key := b.rt.Dispatcher.Key(ev)
	b.rt.Dispatcher.CallCommand(context.Background(), ev, commands.Name{"say"}, dispatch.CallOptions{})
	if got := b.say(t, root, "/kill "+key); got != "Session killed." {
		t.Errorf("kill by key: got %q", got)
	}

	kinds := b.notifier.kinds()
	if len(kinds) != 2 || kinds[0] != audit.KindSessionKilled {
		t.Errorf("notifications: got %v", kinds)
	}
}

func TestAdmin_Config(t *testing.T) {
	b := newBot(t, nil)

	if got := b.say(t, root, "/config set nope 1"); !strings.HasPrefix(got, "Rejected:") {
		t.Errorf("unknown key: got %q", got)
	}
	if got := b.say(t, root, "/config set max_validation_failures many"); !strings.HasPrefix(got, "Rejected:") {
		t.Errorf("bad value: got %q", got)
	}
	if got := b.say(t, root, "/config set max_validation_failures 5"); !strings.Contains(got, "restart") {
		t.Errorf("set: got %q", got)
	}
	if got := b.say(t, root, "/config get max_validation_failures"); got != "max_validation_failures = 5" {
		t.Errorf("get: got %q", got)
	}
	if got := b.say(t, root, "/config"); !strings.Contains(got, "nickname = (not set)") {
		t.Errorf("list: got %q", got)
	}

	// Superusers apply at once.
	if got := b.say(t, bob, "/say hi"); got != "" {
		t.Fatalf("bob is already a superuser: %q", got)
	}
	b.say(t, root, "/config set superusers "+root+","+bob)
	if got := b.say(t, bob, "/say hi"); got != "hi" {
		t.Errorf("say after promotion: got %q, want %q", got, "hi")
	}

	if got := b.say(t, root, "/config unset max_validation_failures"); !strings.Contains(got, "unset") {
		t.Errorf("unset: got %q", got)
	}
	if got := b.say(t, root, "/config get max_validation_failures"); !strings.Contains(got, "not set") {
		t.Errorf("get after unset: got %q", got)
	}
}

func TestAdmin_Audit(t *testing.T) {
	b := newBot(t, nil)

	b.say(t, alice, "/echo hi")
	got := b.say(t, root, "/audit 5")
	if !strings.Contains(got, "/echo") {
		t.Errorf("audit: %q does not show the echo", got)
	}
	if got := b.say(t, root, "/audit zero"); !strings.HasPrefix(got, "Usage:") {
		t.Errorf("bad count: got %q", got)
	}

	entries, err := b.st.RecentAudit(context.Background(), 1)
	if err != nil || len(entries) != 1 {
		t.Fatalf("RecentAudit: %v, %d entries", err, len(entries))
	}
	if got := b.say(t, root, "/trace "+entries[0].TraceID); !strings.Contains(got, "/audit") {
		t.Errorf("trace: got %q", got)
	}
	if got := b.say(t, root, "/trace missing"); got != "No audit entries." {
		t.Errorf("unknown trace: got %q", got)
	}
	if got, want := b.say(t, root, `/trace "abc`), "Usage: trace <id>"; got != want {
		t.Errorf("unbalanced quote: got %q, want %q", got, want)
	}
}

// --- events ---

func TestEvents_Invite(t *testing.T) {
	b := newBot(t, nil)
	ctx := context.Background()

	invite := func(from, room string) *event.Event {
		return &event.Event{
			Kind:    event.KindRequest,
			Detail:  "group",
			SubType: "invite",
			UserID:  from,
			GroupID: room,
		}
	}
	b.rt.Dispatcher.Handle(ctx, invite(root, "!ok:example.org"))
	b.rt.Dispatcher.Handle(ctx, invite(alice, "!spam:example.org"))

	if len(b.responder.approved) != 1 || b.responder.approved[0] != "!ok:example.org" {
		t.Errorf("approved: got %v", b.responder.approved)
	}
	if len(b.responder.rejected) != 1 || b.responder.rejected[0] != "!spam:example.org" {
		t.Errorf("rejected: got %v", b.responder.rejected)
	}
}

func TestEvents_Welcome(t *testing.T) {
	b := newBot(t, nil)
	b.rt.Dispatcher.Handle(context.Background(), &event.Event{
		Kind:    event.KindNotice,
		Detail:  "member_increase",
		SubType: "approve",
		UserID:  alice,
		GroupID: "!room:example.org",
	})
	if got := b.rec.Last(); !strings.Contains(got, "Welcome!") {
		t.Errorf("welcome: got %q", got)
	}
}
