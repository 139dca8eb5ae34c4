// Package commands provides command registration, parsing and the
// interactive session a command runs in.
//
// A Command is registered once in a Registry and matched against incoming
// text by name, alias or pattern. Each match runs the command's Handler on a
// Session. A handler that needs more input calls Session.Get or Session.Pause,
// which suspend it until the user's next message in the same conversation.
package commands

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/bdobrica/kotoba/internal/kotoba/permission"
)

// NoTimeout disables a per-command timeout instead of inheriting the default.
const NoTimeout time.Duration = -1

// Name identifies a command. Nested commands have several parts, e.g.
// Name{"note", "add"}.
type Name []string

// ParseName splits a dotted command name ("note.add").
func ParseName(s string) Name {
	return Name(strings.Split(s, "."))
}

// String joins the parts with dots.
func (n Name) String() string { return strings.Join(n, ".") }

// Equal reports whether n and other have the same parts.
func (n Name) Equal(other Name) bool {
	return n.key() == other.key()
}

func (n Name) key() string { return strings.Join(n, "\x1f") }

// Handler is the body of a command. It returns when the command is complete,
// usually via Session.Finish, or with Done, NotHandled or Failed.
type Handler func(ctx context.Context, s *Session) Outcome

// ArgsParser runs before the handler on every segment of a session that does
// not have argument filters set. It may inspect CurrentArg, fill State, or
// call Pause, Finish or Switch on the session.
type ArgsParser func(ctx context.Context, s *Session) error

// SessionHook customises a session right after it is built.
type SessionHook func(s *Session)

// Command is an immutable command definition.
type Command struct {
	Name     Name
	Aliases  []string
	Patterns []*regexp.Regexp
	// Permission defaults to the registry's default policy when nil.
	Permission permission.Policy
	OnlyToMe   bool
	// Privileged commands run even while another session occupies the
	// conversation. They cannot interact with the user.
	Privileged bool
	ShellLike  bool
	// Usage is sent when the arguments cannot be parsed.
	Usage string
	// ExpireTimeout and RunTimeout inherit the registry defaults when zero.
	ExpireTimeout time.Duration
	RunTimeout    time.Duration

	Handler     Handler
	ArgsParser  ArgsParser
	SessionHook SessionHook

	// Plugin is the path of the plugin that registered the command.
	Plugin string
}

// Option configures a Command built with New.
type Option func(*Command)

// New builds a command. Commands are only matched when addressed to the bot
// unless WithOnlyToMe(false) is given.
func New(name Name, h Handler, opts ...Option) *Command {
	cmd := &Command{Name: append(Name(nil), name...), Handler: h, OnlyToMe: true}
	for _, opt := range opts {
		opt(cmd)
	}
	cmd.normalize()
	return cmd
}

func WithAliases(aliases ...string) Option {
	return func(c *Command) { c.Aliases = append(c.Aliases, aliases...) }
}

// WithPatterns matches the command when any of patterns is found in the text
// after the command start. It panics if a pattern does not compile.
func WithPatterns(patterns ...string) Option {
	return func(c *Command) {
		for _, p := range patterns {
			c.Patterns = append(c.Patterns, regexp.MustCompile(p))
		}
	}
}

func WithPermission(p permission.Policy) Option {
	return func(c *Command) { c.Permission = p }
}

func WithOnlyToMe(v bool) Option {
	return func(c *Command) { c.OnlyToMe = v }
}

func WithPrivileged(v bool) Option {
	return func(c *Command) { c.Privileged = v }
}

// WithShellLike splits the argument with shell quoting rules into
// State()["argv"] unless an ArgsParser is set.
func WithShellLike(v bool) Option {
	return func(c *Command) { c.ShellLike = v }
}

func WithUsage(usage string) Option {
	return func(c *Command) { c.Usage = usage }
}

func WithExpireTimeout(d time.Duration) Option {
	return func(c *Command) { c.ExpireTimeout = d }
}

func WithRunTimeout(d time.Duration) Option {
	return func(c *Command) { c.RunTimeout = d }
}

func WithArgsParser(p ArgsParser) Option {
	return func(c *Command) { c.ArgsParser = p }
}

func WithSessionHook(h SessionHook) Option {
	return func(c *Command) { c.SessionHook = h }
}

func WithPlugin(path string) Option {
	return func(c *Command) { c.Plugin = path }
}

func (c *Command) normalize() {
	if c.ShellLike && c.ArgsParser == nil {
		c.ArgsParser = shellArgsParser
	}
}

// shellArgsParser fills State()["argv"]. Input with unbalanced quotes
// finishes the session with the command's usage.
func shellArgsParser(ctx context.Context, s *Session) error {
	if s.CurrentArg == "" {
		s.State()[ArgvKey] = []string{}
		return nil
	}
	argv, err := shlex.Split(s.CurrentArg)
	if err != nil {
		slog.Debug("commands: shell-like arguments rejected", "cmd", s.Command.Name.String(), "err", err)
		s.FinishWithUsage(ctx)
		return nil
	}
	s.State()[ArgvKey] = argv
	return nil
}

// Toggle changes an enabled switch.
type Toggle int

const (
	Flip Toggle = iota
	On
	Off
)

func (t Toggle) apply(cur bool) bool {
	switch t {
	case On:
		return true
	case Off:
		return false
	}
	return !cur
}

// ParseToggle maps "on", "off" and "" (flip).
func ParseToggle(s string) (Toggle, bool) {
	switch strings.ToLower(s) {
	case "", "flip", "toggle":
		return Flip, true
	case "on", "enable", "true":
		return On, true
	case "off", "disable", "false":
		return Off, true
	}
	return Flip, false
}

// Scope selects where SetEnabledScoped records a switch.
type Scope int

const (
	// ScopeGlobal changes the switch for every later message.
	ScopeGlobal Scope = iota
	// ScopeMessage changes it only for the message a View belongs to.
	ScopeMessage
)
