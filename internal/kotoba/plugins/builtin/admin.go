package builtin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bdobrica/kotoba/internal/kotoba/audit"
	"github.com/bdobrica/kotoba/internal/kotoba/commands"
	"github.com/bdobrica/kotoba/internal/kotoba/config"
	"github.com/bdobrica/kotoba/internal/kotoba/permission"
	"github.com/bdobrica/kotoba/internal/kotoba/plugin"
	"github.com/bdobrica/kotoba/internal/kotoba/runtime"
	"github.com/bdobrica/kotoba/internal/kotoba/store"
)

const defaultAuditTail = 10

func adminPlugin(deps *Deps) *plugin.Plugin {
	g := commands.NewGroup(nil,
		commands.WithPermission(permission.Superuser),
		commands.WithShellLike(true),
	)
	return &plugin.Plugin{
		Name: "admin",
		Usage: strings.Join([]string{
			"kill [conversation]: stop the running session",
			"sessions: list open sessions",
			"plugins [on|off|flip|reload <path>]: list or switch plugins",
			"switch on|off|flip <command>: switch a command",
			"config [get|set|unset <key> [value]]: runtime settings",
			"audit [n]: recent dispatches",
			"trace <id>: dispatches of one trace",
		}, "\n"),
		Commands: []*commands.Command{
			// kill must get through while the session it targets runs.
			g.Command(commands.Name{"kill"}, kill(deps), commands.WithPrivileged(true)),
			g.Command(commands.Name{"sessions"}, sessions(deps)),
			g.Command(commands.Name{"plugins"}, plugins(deps), commands.WithUsage("plugins [on|off|flip|reload <path>]")),
			g.Command(commands.Name{"switch"}, switchCommand(deps), commands.WithUsage("switch on|off|flip <command>")),
			g.Command(commands.Name{"config"}, configCommand(deps), commands.WithUsage("config [get|set|unset <key> [value]]")),
			g.Command(commands.Name{"audit"}, auditTail(deps), commands.WithUsage("audit [n]")),
			g.Command(commands.Name{"trace"}, auditTrace(deps), commands.WithUsage("trace <id>")),
		},
	}
}

func kill(deps *Deps) commands.Handler {
	return func(ctx context.Context, s *commands.Session) commands.Outcome {
		rt := deps.Runtime
		argv := s.Argv()

		var (
			target string
			killed bool
		)
		if len(argv) == 0 {
			target = rt.Dispatcher.Key(s.Event)
			killed = rt.Dispatcher.KillSession(s.Event)
		} else {
			target = argv[0]
			killed = rt.Sessions.Kill(target, commands.ErrKilled)
		}
		if !killed {
			return s.Finish(ctx, "No session to kill.")
		}
		deps.notify(ctx, audit.Event{
			Kind:    audit.KindSessionKilled,
			Actor:   s.Event.UserID,
			Target:  target,
			Message: "session killed",
		})
		return s.Finish(ctx, "Session killed.")
	}
}

func sessions(deps *Deps) commands.Handler {
	return func(ctx context.Context, s *commands.Session) commands.Outcome {
		keys := deps.Runtime.Sessions.Keys()
		if len(keys) == 0 {
			return s.Finish(ctx, "No open sessions.")
		}
		lines := make([]string, 0, len(keys))
		for _, k := range keys {
			line := k
			if sess, ok := deps.Runtime.Sessions.Get(k); ok {
				state := "waiting"
				if sess.Running() {
					state = "running"
				}
				line = fmt.Sprintf("%s: %s (%s)", k, sess.Command.Name, state)
			}
			lines = append(lines, line)
		}
		return s.Finish(ctx, bullet(lines))
	}
}

func plugins(deps *Deps) commands.Handler {
	return func(ctx context.Context, s *commands.Session) commands.Outcome {
		reg := deps.Runtime.Plugins
		argv := s.Argv()

		if len(argv) == 0 || argv[0] == "list" {
			var lines []string
			for _, p := range reg.Plugins() {
				state := "on"
				if !reg.Enabled(p.Path) {
					state = "off"
				}
				lines = append(lines, fmt.Sprintf("%s [%s]", p.Path, state))
			}
			if len(lines) == 0 {
				return s.Finish(ctx, "No plugins loaded.")
			}
			return s.Finish(ctx, bullet(lines))
		}
		if len(argv) < 2 {
			return s.FinishWithUsage(ctx)
		}
		action, path := argv[0], argv[1]

		if action == "reload" {
			pending, err := reg.Reload(ctx, path, false)
			if err == nil {
				_, err = pending.Wait(ctx)
			}
			if err != nil {
				return s.Finish(ctx, fmt.Sprintf("Reload of %s failed: %v", path, err))
			}
			deps.notify(ctx, audit.Event{Kind: audit.KindPluginLoaded, Actor: s.Event.UserID, Target: path, Message: "reloaded"})
			return s.Finish(ctx, fmt.Sprintf("Reloaded %s.", path))
		}

		t, ok := commands.ParseToggle(action)
		if !ok {
			return s.FinishWithUsage(ctx)
		}
		enabled, err := reg.SetEnabled(ctx, path, t)
		if errors.Is(err, plugin.ErrNotFound) {
			return s.Finish(ctx, fmt.Sprintf("Plugin %s is not loaded.", path))
		}
		if err != nil {
			// The switch took effect; only persisting it failed.
			slog.Warn("builtin: plugin switch not persisted", "plugin", path, "err", err)
		}
		kind, word := audit.KindPluginEnabled, "on"
		if !enabled {
			kind, word = audit.KindPluginDisabled, "off"
		}
		deps.notify(ctx, audit.Event{Kind: kind, Actor: s.Event.UserID, Target: path, Message: "switched " + word})
		return s.Finish(ctx, fmt.Sprintf("%s is %s.", path, word))
	}
}

func switchCommand(deps *Deps) commands.Handler {
	return func(ctx context.Context, s *commands.Session) commands.Outcome {
		argv := s.Argv()
		if len(argv) != 2 {
			return s.FinishWithUsage(ctx)
		}
		t, ok := commands.ParseToggle(argv[0])
		if !ok {
			return s.FinishWithUsage(ctx)
		}
		name := commands.ParseName(argv[1])
		cmds := deps.Runtime.Commands
		if err := cmds.SetEnabled(name, t); err != nil {
			return s.Finish(ctx, fmt.Sprintf("No command %s.", name))
		}
		enabled := cmds.Enabled(name)
		if deps.Store != nil {
			if err := deps.Store.SetCommandEnabled(ctx, name.String(), enabled); err != nil {
				slog.Warn("builtin: command switch not persisted", "cmd", name.String(), "err", err)
			}
		}
		word := "off"
		if enabled {
			word = "on"
		}
		deps.notify(ctx, audit.Event{Kind: audit.KindCommandToggled, Actor: s.Event.UserID, Target: name.String(), Message: "switched " + word})
		return s.Finish(ctx, fmt.Sprintf("%s is %s.", name, word))
	}
}

func configCommand(deps *Deps) commands.Handler {
	return func(ctx context.Context, s *commands.Session) commands.Outcome {
		if deps.Config == nil {
			return s.Finish(ctx, "The config store is not available.")
		}
		argv := s.Argv()
		if len(argv) == 0 || argv[0] == "list" {
			values, err := deps.Config.List(ctx)
			if err != nil {
				return commands.Failed(err)
			}
			lines := make([]string, 0, len(values))
			for _, k := range config.OverrideKeys() {
				v, ok := values[k]
				if !ok {
					v = "(not set)"
				}
				lines = append(lines, fmt.Sprintf("%s = %s", k, v))
			}
			return s.Finish(ctx, bullet(lines))
		}
		if len(argv) < 2 {
			return s.FinishWithUsage(ctx)
		}
		key := argv[1]

		switch argv[0] {
		case "get":
			v, err := deps.Config.Get(ctx, key)
			if errors.Is(err, config.ErrNotFound) {
				return s.Finish(ctx, fmt.Sprintf("%s: (not set, using default)", key))
			}
			if err != nil {
				return commands.Failed(err)
			}
			return s.Finish(ctx, fmt.Sprintf("%s = %s", key, v))

		case "set":
			if len(argv) < 3 {
				return s.FinishWithUsage(ctx)
			}
			value := strings.Join(argv[2:], " ")
			if err := config.CheckOverride(key, value); err != nil {
				return s.Finish(ctx, fmt.Sprintf("Rejected: %v. Keys: %s", err, strings.Join(config.OverrideKeys(), ", ")))
			}
			if err := deps.Config.Set(ctx, key, value); err != nil {
				return commands.Failed(err)
			}
			live := applyLive(deps.Runtime, key, value)
			deps.notify(ctx, audit.Event{Kind: audit.KindConfigChanged, Actor: s.Event.UserID, Target: key, Message: "set to " + value})
			if live {
				return s.Finish(ctx, fmt.Sprintf("%s set to %s.", key, value))
			}
			return s.Finish(ctx, fmt.Sprintf("%s set to %s. It takes effect on restart.", key, value))

		case "unset":
			if err := deps.Config.Delete(ctx, key); err != nil {
				return commands.Failed(err)
			}
			deps.notify(ctx, audit.Event{Kind: audit.KindConfigChanged, Actor: s.Event.UserID, Target: key, Message: "unset"})
			return s.Finish(ctx, fmt.Sprintf("%s unset. It takes effect on restart.", key))
		}
		return s.FinishWithUsage(ctx)
	}
}

// applyLive applies the overrides that need no restart.
func applyLive(rt *runtime.Runtime, key, value string) bool {
	if key != "superusers" {
		return false
	}
	s := config.Defaults()
	if err := s.ApplyOverride(key, value); err != nil {
		return false
	}
	rt.Checker.SetSuperusers(s.Superusers)
	return true
}

func auditTail(deps *Deps) commands.Handler {
	return func(ctx context.Context, s *commands.Session) commands.Outcome {
		if deps.Store == nil {
			return s.Finish(ctx, "The audit log is not available.")
		}
		n := defaultAuditTail
		if argv := s.Argv(); len(argv) > 0 {
			v, err := strconv.Atoi(argv[0])
			if err != nil || v <= 0 {
				return s.FinishWithUsage(ctx)
			}
			n = v
		}
		entries, err := deps.Store.RecentAudit(ctx, n)
		if err != nil {
			return commands.Failed(err)
		}
		return s.Finish(ctx, formatAudit(entries))
	}
}

func auditTrace(deps *Deps) commands.Handler {
	return func(ctx context.Context, s *commands.Session) commands.Outcome {
		if deps.Store == nil {
			return s.Finish(ctx, "The audit log is not available.")
		}
		argv := s.Argv()
		if len(argv) != 1 {
			return s.FinishWithUsage(ctx)
		}
		entries, err := deps.Store.AuditByTrace(ctx, argv[0])
		if err != nil {
			return commands.Failed(err)
		}
		return s.Finish(ctx, formatAudit(entries))
	}
}

func formatAudit(entries []*store.AuditEntry) string {
	if len(entries) == 0 {
		return "No audit entries."
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		line := fmt.Sprintf("%s %s %s", e.Timestamp.Format("2006-01-02 15:04:05"), e.Event, e.Conversation)
		if e.Via != "" {
			line += " via " + e.Via
		}
		if e.Command.Valid {
			line += " /" + e.Command.String
		}
		if e.ErrorMessage.Valid {
			line += " error: " + e.ErrorMessage.String
		}
		line += " (" + e.TraceID + ")"
		lines = append(lines, line)
	}
	return bullet(lines)
}

// RestoreSwitches applies the command switches stored by the switch
// command. Call it after the plugins are loaded.
func RestoreSwitches(ctx context.Context, rt *runtime.Runtime, st *store.Store) error {
	switches, err := st.CommandSwitches(ctx)
	if err != nil {
		return err
	}
	for name, enabled := range switches {
		t := commands.Off
		if enabled {
			t = commands.On
		}
		if err := rt.Commands.SetEnabled(commands.ParseName(name), t); err != nil {
			slog.Debug("builtin: stored switch for a command that is not loaded", "cmd", name)
		}
	}
	return nil
}
