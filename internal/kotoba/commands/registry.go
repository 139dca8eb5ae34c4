package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
)

// ErrDuplicateName is wrapped by every *DuplicateNameError.
var ErrDuplicateName = errors.New("duplicate command registration")

// ErrUnknownCommand is returned when a switch names a command that is not
// registered.
var ErrUnknownCommand = errors.New("unknown command")

// ErrInvalidCommand is returned by Register for a command without a name or
// handler.
var ErrInvalidCommand = errors.New("invalid command")

// DuplicateNameError reports which name, alias or pattern clashed.
type DuplicateNameError struct {
	Kind  string // "name", "alias" or "pattern"
	Value string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("commands: duplicate %s %q", e.Kind, e.Value)
}

func (e *DuplicateNameError) Unwrap() error { return ErrDuplicateName }

type patternEntry struct {
	re  *regexp.Regexp
	cmd *Command
}

// Registry holds the registered commands and their global enabled switches.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	parse    ParseConfig
	commands map[string]*Command
	aliases  map[string]*Command
	patterns []patternEntry
	switches map[*Command]bool
}

// NewRegistry returns an empty registry using pc to parse messages.
func NewRegistry(pc ParseConfig) *Registry {
	return &Registry{
		parse:    pc,
		commands: make(map[string]*Command),
		aliases:  make(map[string]*Command),
		switches: make(map[*Command]bool),
	}
}

// SetParseConfig replaces the command starts and separators.
func (r *Registry) SetParseConfig(pc ParseConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parse = pc
}

// Register adds cmd. It fails with a *DuplicateNameError, registering
// nothing, when the name, an alias or a pattern is already taken.
func (r *Registry) Register(cmd *Command) error {
	if cmd == nil || len(cmd.Name) == 0 || cmd.Handler == nil {
		return ErrInvalidCommand
	}
	cmd.normalize()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.commands[cmd.Name.key()]; ok {
		return &DuplicateNameError{Kind: "name", Value: cmd.Name.String()}
	}
	seen := make(map[string]bool, len(cmd.Aliases))
	for _, a := range cmd.Aliases {
		if _, ok := r.aliases[a]; ok || seen[a] {
			return &DuplicateNameError{Kind: "alias", Value: a}
		}
		seen[a] = true
	}
	for _, p := range cmd.Patterns {
		for _, e := range r.patterns {
			if e.re.String() == p.String() {
				return &DuplicateNameError{Kind: "pattern", Value: p.String()}
			}
		}
	}

	r.commands[cmd.Name.key()] = cmd
	for _, a := range cmd.Aliases {
		r.aliases[a] = cmd
	}
	for _, p := range cmd.Patterns {
		r.patterns = append(r.patterns, patternEntry{re: p, cmd: cmd})
	}
	r.switches[cmd] = true
	slog.Debug("commands: registered", "cmd", cmd.Name.String(), "plugin", cmd.Plugin)
	return nil
}

// Unregister removes the command with its aliases, patterns and switch. It
// reports whether the command existed.
func (r *Registry) Unregister(name Name) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmd, ok := r.commands[name.key()]
	if !ok {
		return false
	}
	delete(r.commands, name.key())
	for a, c := range r.aliases {
		if c == cmd {
			delete(r.aliases, a)
		}
	}
	kept := r.patterns[:0]
	for _, e := range r.patterns {
		if e.cmd != cmd {
			kept = append(kept, e)
		}
	}
	r.patterns = kept
	delete(r.switches, cmd)
	return true
}

// Find parses text and returns the matching enabled command together with
// the argument the session should start with.
func (r *Registry) Find(text string) (*Command, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.find(text, r.switches)
}

// Lookup returns the enabled command with the exact name.
func (r *Registry) Lookup(name Name) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup(name, r.switches)
}

// Get returns the command with the exact name regardless of its switch.
func (r *Registry) Get(name Name) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name.key()]
	return cmd, ok
}

// Enabled reports the global switch of the named command.
func (r *Registry) Enabled(name Name) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name.key()]
	return ok && enabled(r.switches, cmd)
}

// SetEnabled changes the global switch of the named command.
func (r *Registry) SetEnabled(name Name, t Toggle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.commands[name.key()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	r.switches[cmd] = t.apply(enabled(r.switches, cmd))
	return nil
}

// SetEnabledScoped changes the switch in the given scope. ScopeMessage
// requires the message's view.
func (r *Registry) SetEnabledScoped(name Name, scope Scope, t Toggle, v *View) error {
	if scope == ScopeGlobal {
		return r.SetEnabled(name, t)
	}
	if v == nil {
		return errors.New("commands: message scope needs a view")
	}
	return v.SetEnabled(name, t)
}

// Commands returns every registered command sorted by name.
func (r *Registry) Commands() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name.String() < out[j].Name.String() })
	return out
}

// Len returns the number of registered commands.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}

// View returns a per-message overlay of the switches. Changes made through
// the view are dropped with it.
func (r *Registry) View() *View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sw := make(map[*Command]bool, len(r.switches))
	for c, on := range r.switches {
		sw[c] = on
	}
	return &View{r: r, switches: sw}
}

func enabled(switches map[*Command]bool, cmd *Command) bool {
	on, ok := switches[cmd]
	return !ok || on
}

func (r *Registry) lookup(name Name, switches map[*Command]bool) (*Command, bool) {
	if len(name) == 0 {
		return nil, false
	}
	cmd, ok := r.commands[name.key()]
	if !ok || !enabled(switches, cmd) {
		return nil, false
	}
	return cmd, true
}

// find must be called with r.mu held.
func (r *Registry) find(text string, switches map[*Command]bool) (*Command, string, bool) {
	p := r.parse.parse(text)
	if !p.ok {
		return nil, "", false
	}

	if cmd, ok := r.lookup(p.name, switches); ok {
		return cmd, p.rest, true
	}
	if cmd, ok := r.aliases[p.first]; ok && enabled(switches, cmd) {
		return cmd, p.rest, true
	}
	for _, e := range r.patterns {
		if !enabled(switches, e.cmd) {
			continue
		}
		if e.re.MatchString(p.full) {
			return e.cmd, p.full, true
		}
	}
	return nil, "", false
}

// View is a copy of the command switches scoped to one message.
type View struct {
	r        *Registry
	mu       sync.Mutex
	switches map[*Command]bool
}

// Find is Registry.Find against the view's switches.
func (v *View) Find(text string) (*Command, string, bool) {
	v.r.mu.RLock()
	defer v.r.mu.RUnlock()
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.r.find(text, v.switches)
}

// SetEnabled changes the named command's switch for this message only.
func (v *View) SetEnabled(name Name, t Toggle) error {
	v.r.mu.RLock()
	cmd, ok := v.r.commands[name.key()]
	v.r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.switches[cmd] = t.apply(enabled(v.switches, cmd))
	return nil
}

// Enabled reports the named command's switch in this view.
func (v *View) Enabled(name Name) bool {
	v.r.mu.RLock()
	cmd, ok := v.r.commands[name.key()]
	v.r.mu.RUnlock()
	if !ok {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return enabled(v.switches, cmd)
}
