package commands_test

import (
	"context"
	"errors"
	"testing"

	"github.com/bdobrica/kotoba/internal/kotoba/commands"
)

func noop(ctx context.Context, s *commands.Session) commands.Outcome { return commands.Done() }

func newRegistry(t *testing.T, cmds ...*commands.Command) *commands.Registry {
	t.Helper()
	r := commands.NewRegistry(commands.DefaultParseConfig())
	for _, c := range cmds {
		if err := r.Register(c); err != nil {
			t.Fatalf("Register(%s): %v", c.Name, err)
		}
	}
	return r
}

func TestFind_Precedence(t *testing.T) {
	weather := commands.New(commands.Name{"weather"}, noop, commands.WithAliases("w"))
	wild := commands.New(commands.Name{"wild"}, noop, commands.WithPatterns(`^w.*`))
	r := newRegistry(t, weather, wild)

	tests := []struct {
		text    string
		want    *commands.Command
		wantArg string
	}{
		{"/weather Berlin", weather, "Berlin"},
		{"/w Berlin", weather, "Berlin"},
		{"/whatever else", wild, "whatever else"},
		{"！weather  Paris tomorrow", weather, "Paris tomorrow"},
	}
	for _, tc := range tests {
		t.Run(tc.text, func(t *testing.T) {
			cmd, arg, ok := r.Find(tc.text)
			if !ok {
				t.Fatalf("Find(%q): no match", tc.text)
			}
			if cmd != tc.want {
				t.Errorf("command: got %s, want %s", cmd.Name, tc.want.Name)
			}
			if arg != tc.wantArg {
				t.Errorf("arg: got %q, want %q", arg, tc.wantArg)
			}
		})
	}
}

func TestFind_NotACommand(t *testing.T) {
	r := newRegistry(t, commands.New(commands.Name{"echo"}, noop))
	for _, text := range []string{"echo hi", "/", "/   ", "/unknown", ""} {
		if cmd, _, ok := r.Find(text); ok {
			t.Errorf("Find(%q): unexpected match %s", text, cmd.Name)
		}
	}
}

func TestFind_LongestStartAndMostParts(t *testing.T) {
	note := commands.New(commands.Name{"note", "add"}, noop)
	r := commands.NewRegistry(commands.ParseConfig{
		Starts: []string{"!", "!!"},
		Seps:   []string{"/", "."},
	})
	if err := r.Register(note); err != nil {
		t.Fatal(err)
	}

	cmd, arg, ok := r.Find("!!note.add buy milk")
	if !ok || cmd != note {
		t.Fatalf("expected note.add, got %v %v", cmd, ok)
	}
	if arg != "buy milk" {
		t.Errorf("arg: got %q, want %q", arg, "buy milk")
	}
	if _, _, ok := r.Find("!!note/add x"); !ok {
		t.Error("slash separator should also match")
	}
}

func TestFind_EmptyStart(t *testing.T) {
	r := commands.NewRegistry(commands.ParseConfig{Starts: []string{"", "/"}, Seps: []string{"."}})
	echo := commands.New(commands.Name{"echo"}, noop)
	if err := r.Register(echo); err != nil {
		t.Fatal(err)
	}
	if cmd, arg, ok := r.Find("echo hi"); !ok || cmd != echo || arg != "hi" {
		t.Errorf("got %v %q %v", cmd, arg, ok)
	}
}

func TestRegister_DuplicatesAreAtomic(t *testing.T) {
	r := newRegistry(t,
		commands.New(commands.Name{"a"}, noop, commands.WithAliases("x")),
		commands.New(commands.Name{"p"}, noop, commands.WithPatterns(`^p\d+`)),
	)

	tests := []struct {
		name string
		cmd  *commands.Command
		kind string
	}{
		{"same name", commands.New(commands.Name{"a"}, noop), "name"},
		{"same alias", commands.New(commands.Name{"b"}, noop, commands.WithAliases("y", "x")), "alias"},
		{"same pattern", commands.New(commands.Name{"c"}, noop, commands.WithPatterns(`^p\d+`)), "pattern"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Register(tc.cmd)
			if !errors.Is(err, commands.ErrDuplicateName) {
				t.Fatalf("expected ErrDuplicateName, got %v", err)
			}
			var de *commands.DuplicateNameError
			if !errors.As(err, &de) || de.Kind != tc.kind {
				t.Errorf("kind: got %+v, want %q", de, tc.kind)
			}
		})
	}

	// The rejected alias "y" must not have leaked into the registry.
	if _, _, ok := r.Find("/y"); ok {
		t.Error("partial registration leaked alias y")
	}
	if r.Len() != 2 {
		t.Errorf("Len: got %d, want 2", r.Len())
	}
}

func TestUnregister(t *testing.T) {
	r := newRegistry(t, commands.New(commands.Name{"a"}, noop,
		commands.WithAliases("x"), commands.WithPatterns(`^zz`)))
	if !r.Unregister(commands.Name{"a"}) {
		t.Fatal("Unregister returned false")
	}
	for _, text := range []string{"/a", "/x", "/zz"} {
		if _, _, ok := r.Find(text); ok {
			t.Errorf("%q still matches after Unregister", text)
		}
	}
	if r.Unregister(commands.Name{"a"}) {
		t.Error("second Unregister should report false")
	}
}

func TestSwitches_GlobalAndView(t *testing.T) {
	echo := commands.New(commands.Name{"echo"}, noop, commands.WithAliases("e"), commands.WithPatterns(`^say`))
	r := newRegistry(t, echo)

	view := r.View()
	if err := view.SetEnabled(commands.Name{"echo"}, commands.Off); err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"/echo", "/e", "/say hi"} {
		if _, _, ok := view.Find(text); ok {
			t.Errorf("view: %q should be disabled", text)
		}
		if _, _, ok := r.Find(text); !ok {
			t.Errorf("global: %q should still match", text)
		}
	}

	// A fresh view does not inherit the previous message's switch.
	if _, _, ok := r.View().Find("/echo"); !ok {
		t.Error("per-message switch leaked into the next view")
	}

	if err := r.SetEnabledScoped(commands.Name{"echo"}, commands.ScopeGlobal, commands.Flip, nil); err != nil {
		t.Fatal(err)
	}
	if r.Enabled(commands.Name{"echo"}) {
		t.Error("Flip should disable")
	}
	if _, ok := r.Lookup(commands.Name{"echo"}); ok {
		t.Error("Lookup should skip disabled commands")
	}
	if _, ok := r.Get(commands.Name{"echo"}); !ok {
		t.Error("Get should ignore switches")
	}

	if err := r.SetEnabled(commands.Name{"nope"}, commands.On); !errors.Is(err, commands.ErrUnknownCommand) {
		t.Errorf("expected ErrUnknownCommand, got %v", err)
	}
	if err := r.SetEnabledScoped(commands.Name{"echo"}, commands.ScopeMessage, commands.On, nil); err == nil {
		t.Error("message scope without a view should fail")
	}
}

func TestGroup(t *testing.T) {
	g := commands.NewGroup(commands.Name{"note"}, commands.WithOnlyToMe(false), commands.WithPrivileged(true))
	add := g.Command(commands.Name{"add"}, noop, commands.WithPrivileged(false))
	if got := add.Name.String(); got != "note.add" {
		t.Errorf("name: got %q, want %q", got, "note.add")
	}
	if add.OnlyToMe {
		t.Error("group default OnlyToMe=false not applied")
	}
	if add.Privileged {
		t.Error("command option should override group default")
	}
}

func TestParseName(t *testing.T) {
	if got := commands.ParseName("note.add"); !got.Equal(commands.Name{"note", "add"}) {
		t.Errorf("got %v", got)
	}
}
