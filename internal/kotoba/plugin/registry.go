package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/kotoba/internal/kotoba/commands"
	"github.com/bdobrica/kotoba/internal/kotoba/nlp"
	"github.com/bdobrica/kotoba/internal/kotoba/notice"
)

// StateStore persists the global enabled state of plugins.
type StateStore interface {
	// PluginEnabled reports the stored state of path. found is false when
	// nothing was stored.
	PluginEnabled(ctx context.Context, path string) (enabled, found bool, err error)
	SetPluginEnabled(ctx context.Context, path string, enabled bool) error
}

// LoadOptions tunes Load.
type LoadOptions struct {
	// NoFast ignores the fast-unload cache and calls the factory.
	NoFast bool
}

// Pending tracks a load whose async hooks may still be running.
type Pending struct {
	Path string

	done   chan struct{}
	plugin *Plugin
	err    error
}

func newPending(path string) *Pending {
	return &Pending{Path: path, done: make(chan struct{})}
}

func (p *Pending) resolve(pl *Plugin, err error) {
	p.plugin, p.err = pl, err
	close(p.done)
}

// Done is closed once the plugin is installed or the load failed.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the load settles and returns the plugin.
func (p *Pending) Wait(ctx context.Context) (*Plugin, error) {
	select {
	case <-p.done:
		return p.plugin, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Registry owns the loaded plugins. It is safe for concurrent use.
type Registry struct {
	catalog  *Catalog
	commands *commands.Registry
	nlp      *nlp.Registry
	bus      *notice.Bus
	state    StateStore

	mu            sync.RWMutex
	loaded        map[string]*Plugin
	loading       map[string]bool
	fast          map[string]*Plugin
	disabled      map[string]bool
	preprocessors []*Preprocessor
	ppSwitches    map[*Preprocessor]bool

	started atomic.Bool
}

// NewRegistry returns a registry that installs into the given registries.
// state may be nil.
func NewRegistry(catalog *Catalog, cmds *commands.Registry, procs *nlp.Registry, bus *notice.Bus, state StateStore) *Registry {
	return &Registry{
		catalog:    catalog,
		commands:   cmds,
		nlp:        procs,
		bus:        bus,
		state:      state,
		loaded:     make(map[string]*Plugin),
		loading:    make(map[string]bool),
		fast:       make(map[string]*Plugin),
		disabled:   make(map[string]bool),
		ppSwitches: make(map[*Preprocessor]bool),
	}
}

// Catalog returns the catalog plugins are built from.
func (r *Registry) Catalog() *Catalog { return r.catalog }

// Start marks the event loop as running. From then on, loads with async
// hooks return before the hooks finish.
func (r *Registry) Start() { r.started.Store(true) }

// Started reports whether Start was called.
func (r *Registry) Started() bool { return r.started.Load() }

// Load builds (or takes from the fast cache) the plugin at path, runs its
// loading hooks and installs its registrations. When the plugin has async
// hooks and the registry has started, the returned Pending settles later;
// otherwise it is already settled.
func (r *Registry) Load(ctx context.Context, path string, opts LoadOptions) (*Pending, error) {
	p, err := r.reserve(path, opts)
	if err != nil {
		return nil, err
	}

	for _, h := range p.hooks(Loading, false) {
		if err := h.Func(ctx); err != nil {
			r.release(path)
			return nil, fmt.Errorf("%w: %s: loading hook: %w", ErrLoad, path, err)
		}
	}

	pending := newPending(path)
	async := p.hooks(Loading, true)
	if len(async) == 0 {
		err := r.install(ctx, p)
		pending.resolve(p, err)
		if err != nil {
			return nil, err
		}
		return pending, nil
	}

	bg := context.WithoutCancel(ctx)
	go func() {
		if err := runHooks(bg, async); err != nil {
			r.release(path)
			pending.resolve(nil, fmt.Errorf("%w: %s: async loading hook: %w", ErrLoad, path, err))
			return
		}
		pending.resolve(p, r.install(bg, p))
	}()

	if r.Started() {
		return pending, nil
	}
	if _, err := pending.Wait(ctx); err != nil {
		return nil, err
	}
	return pending, nil
}

// reserve marks path as loading and returns the plugin to install.
func (r *Registry) reserve(path string, opts LoadOptions) (*Plugin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.loaded[path]; ok || r.loading[path] {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyLoaded, path)
	}
	if p, ok := r.fast[path]; ok && !opts.NoFast {
		r.loading[path] = true
		slog.Debug("plugin: reusing fast-unloaded plugin", "plugin", path)
		return p, nil
	}

	f, ok := r.catalog.Lookup(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	p, err := f()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLoad, path, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s: factory returned nil", ErrLoad, path)
	}
	p.claim(path)
	delete(r.fast, path)
	r.loading[path] = true
	return p, nil
}

func (r *Registry) release(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.loading, path)
}

// install adds every registration of p, rolling back on the first failure.
func (r *Registry) install(ctx context.Context, p *Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.loading, p.Path)

	var done []*commands.Command
	for _, c := range p.Commands {
		if err := r.commands.Register(c); err != nil {
			for _, d := range done {
				r.commands.Unregister(d.Name)
			}
			slog.Error("plugin: load aborted", "plugin", p.Path, "cmd", c.Name.String(), "err", err)
			return fmt.Errorf("%w: %s: %w", ErrLoad, p.Path, err)
		}
		done = append(done, c)
	}
	for _, n := range p.NLProcessors {
		if err := r.nlp.Register(n); err != nil {
			r.removeLocked(p)
			return fmt.Errorf("%w: %s: %w", ErrLoad, p.Path, err)
		}
	}
	for _, h := range p.EventHandlers {
		if err := r.bus.Register(h); err != nil {
			r.removeLocked(p)
			return fmt.Errorf("%w: %s: %w", ErrLoad, p.Path, err)
		}
	}
	for _, pp := range p.Preprocessors {
		if pp == nil || pp.Func == nil {
			continue
		}
		r.preprocessors = append(r.preprocessors, pp)
		r.ppSwitches[pp] = true
	}
	r.loaded[p.Path] = p

	if r.state != nil {
		enabled, found, err := r.state.PluginEnabled(ctx, p.Path)
		switch {
		case err != nil:
			slog.Warn("plugin: could not read stored state", "plugin", p.Path, "err", err)
		case found && !enabled:
			r.applyLocked(p, false)
			r.disabled[p.Path] = true
		}
	}

	slog.Info("plugin: loaded", "plugin", p.Path, "name", p.Name,
		"commands", len(p.Commands), "nl_processors", len(p.NLProcessors),
		"event_handlers", len(p.EventHandlers), "preprocessors", len(p.Preprocessors))
	return nil
}

// removeLocked takes every registration of p out of the shared registries.
func (r *Registry) removeLocked(p *Plugin) {
	for _, c := range p.Commands {
		r.commands.Unregister(c.Name)
	}
	for _, n := range p.NLProcessors {
		r.nlp.Unregister(n)
	}
	for _, h := range p.EventHandlers {
		r.bus.Unregister(h)
	}
	kept := r.preprocessors[:0]
	for _, pp := range r.preprocessors {
		if pp.Plugin != p.Path {
			kept = append(kept, pp)
		} else {
			delete(r.ppSwitches, pp)
		}
	}
	r.preprocessors = kept
}

// Unload removes the plugin's registrations and then runs its unloaded
// hooks. With fast set the plugin object is kept, and the next Load reuses
// it instead of calling the factory.
func (r *Registry) Unload(ctx context.Context, path string, fast bool) error {
	r.mu.Lock()
	p, ok := r.loaded[path]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	r.removeLocked(p)
	delete(r.loaded, path)
	delete(r.disabled, path)
	if fast {
		r.fast[path] = p
	} else {
		delete(r.fast, path)
	}
	r.mu.Unlock()

	var errs []error
	for _, h := range p.hooks(Unloaded, false) {
		if err := h.Func(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := runHooks(ctx, p.hooks(Unloaded, true)); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("plugin: unloaded hook failed", "plugin", path, "err", err)
	}
	slog.Info("plugin: unloaded", "plugin", path, "fast", fast)
	return nil
}

// Reload unloads path when it is loaded and loads it again. With fast set
// the same plugin object is reinstalled.
func (r *Registry) Reload(ctx context.Context, path string, fast bool) (*Pending, error) {
	if err := r.Unload(ctx, path, fast); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return r.Load(ctx, path, LoadOptions{NoFast: !fast})
}

// Get returns the loaded plugin at path.
func (r *Registry) Get(path string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.loaded[path]
	return p, ok
}

// Plugins returns the loaded plugins sorted by path.
func (r *Registry) Plugins() []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Plugin, 0, len(r.loaded))
	for _, p := range r.loaded {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Enabled reports whether path is loaded and globally enabled.
func (r *Registry) Enabled(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.loaded[path]
	return ok && !r.disabled[path]
}

// SetEnabled switches every registration of path globally and persists the
// new state. It returns the state after the change.
func (r *Registry) SetEnabled(ctx context.Context, path string, t commands.Toggle) (bool, error) {
	r.mu.Lock()
	p, ok := r.loaded[path]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	enabled := !r.disabled[path]
	switch t {
	case commands.On:
		enabled = true
	case commands.Off:
		enabled = false
	default:
		enabled = !enabled
	}
	r.applyLocked(p, enabled)
	if enabled {
		delete(r.disabled, path)
	} else {
		r.disabled[path] = true
	}
	r.mu.Unlock()

	if r.state != nil {
		if err := r.state.SetPluginEnabled(ctx, path, enabled); err != nil {
			return enabled, fmt.Errorf("persist plugin state: %w", err)
		}
	}
	return enabled, nil
}

func (r *Registry) applyLocked(p *Plugin, enabled bool) {
	t := commands.Off
	if enabled {
		t = commands.On
	}
	for _, c := range p.Commands {
		if err := r.commands.SetEnabled(c.Name, t); err != nil {
			slog.Warn("plugin: switch command", "plugin", p.Path, "cmd", c.Name.String(), "err", err)
		}
	}
	for _, n := range p.NLProcessors {
		r.nlp.SetEnabled(n, t)
	}
	for _, h := range p.EventHandlers {
		r.bus.SetEnabled(h, t)
	}
	for _, pp := range p.Preprocessors {
		if _, ok := r.ppSwitches[pp]; ok {
			r.ppSwitches[pp] = enabled
		}
	}
}

// Preprocessors returns the enabled preprocessors in load order.
func (r *Registry) Preprocessors() []*Preprocessor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Preprocessor
	for _, pp := range r.preprocessors {
		if r.ppSwitches[pp] {
			out = append(out, pp)
		}
	}
	return out
}

// Clear unloads every plugin without running hooks and empties the fast
// cache.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, p := range r.loaded {
		r.removeLocked(p)
		delete(r.loaded, path)
	}
	clear(r.fast)
	clear(r.disabled)
	clear(r.loading)
	r.started.Store(false)
}

// View starts a per-message overlay of the command and processor switches.
func (r *Registry) View() *View {
	return &View{Commands: r.commands.View(), NLP: r.nlp.View(), reg: r}
}

// View holds switch changes that last for one message.
type View struct {
	Commands *commands.View
	NLP      *nlp.View

	reg *Registry
}

// SetEnabled switches the commands and processors of path for this message
// only. Flip inverts each registration individually.
func (v *View) SetEnabled(path string, t commands.Toggle) error {
	p, ok := v.reg.Get(path)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	for _, c := range p.Commands {
		if err := v.Commands.SetEnabled(c.Name, t); err != nil && !errors.Is(err, commands.ErrUnknownCommand) {
			return err
		}
	}
	for _, n := range p.NLProcessors {
		v.NLP.SetEnabled(n, t)
	}
	return nil
}

func runHooks(ctx context.Context, hooks []Hook) error {
	if len(hooks) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range hooks {
		g.Go(func() error { return h.Func(gctx) })
	}
	return g.Wait()
}
