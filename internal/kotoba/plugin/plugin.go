// Package plugin groups commands, natural-language processors, notice
// handlers and message preprocessors into units that are loaded, unloaded
// and switched together.
//
// A plugin is plain data built by a Factory. The Catalog maps import paths
// to factories; the Registry owns the loaded set and installs each plugin's
// registrations into the command, NLP and notice registries.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bdobrica/kotoba/internal/kotoba/commands"
	"github.com/bdobrica/kotoba/internal/kotoba/event"
	"github.com/bdobrica/kotoba/internal/kotoba/nlp"
	"github.com/bdobrica/kotoba/internal/kotoba/notice"
)

var (
	// ErrNotFound is returned for a path with no factory, or one that is not
	// loaded.
	ErrNotFound = errors.New("plugin not found")
	// ErrAlreadyLoaded is returned by Load for a loaded or loading path.
	ErrAlreadyLoaded = errors.New("plugin already loaded")
	// ErrLoad wraps every failure that aborts a load.
	ErrLoad = errors.New("plugin load failed")
)

// CanceledError is returned by a preprocessor to stop a message from
// reaching commands and NLP.
type CanceledError struct {
	Reason string
}

func (e *CanceledError) Error() string {
	if e.Reason == "" {
		return "message canceled by preprocessor"
	}
	return "message canceled by preprocessor: " + e.Reason
}

// Cancel returns a *CanceledError.
func Cancel(reason string) error { return &CanceledError{Reason: reason} }

// IsCanceled reports whether err carries a *CanceledError.
func IsCanceled(err error) bool {
	var ce *CanceledError
	return errors.As(err, &ce)
}

// PreprocessorFunc inspects a message before command handling. v is the
// message's view; changes made through it last only for this message.
type PreprocessorFunc func(ctx context.Context, ev *event.Event, v *View) error

// Preprocessor is a registered PreprocessorFunc.
type Preprocessor struct {
	Func   PreprocessorFunc
	Plugin string
}

// Timing selects when a lifecycle hook runs.
type Timing int

const (
	Loading Timing = iota
	Unloaded
)

func (t Timing) String() string {
	if t == Unloaded {
		return "unloaded"
	}
	return "loading"
}

// Hook is a lifecycle callback. Async hooks run on their own goroutine after
// the synchronous ones.
type Hook struct {
	Timing Timing
	Func   func(ctx context.Context) error
	Async  bool
}

func OnLoad(fn func(ctx context.Context) error) Hook { return Hook{Timing: Loading, Func: fn} }

func OnLoadAsync(fn func(ctx context.Context) error) Hook {
	return Hook{Timing: Loading, Func: fn, Async: true}
}

func OnUnload(fn func(ctx context.Context) error) Hook { return Hook{Timing: Unloaded, Func: fn} }

func OnUnloadAsync(fn func(ctx context.Context) error) Hook {
	return Hook{Timing: Unloaded, Func: fn, Async: true}
}

// Plugin is everything one plugin contributes.
type Plugin struct {
	// Path is the catalog key. The registry sets it on load.
	Path     string
	Name     string
	Usage    string
	Userdata any

	Commands      []*commands.Command
	NLProcessors  []*nlp.Processor
	EventHandlers []*notice.Handler
	Preprocessors []*Preprocessor
	Hooks         []Hook
}

// DisplayName returns Name, or Path when the plugin has no name.
func (p *Plugin) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Path
}

func (p *Plugin) hooks(t Timing, async bool) []Hook {
	var out []Hook
	for _, h := range p.Hooks {
		if h.Timing == t && h.Async == async && h.Func != nil {
			out = append(out, h)
		}
	}
	return out
}

// claim stamps path on every registration.
func (p *Plugin) claim(path string) {
	p.Path = path
	for _, c := range p.Commands {
		c.Plugin = path
	}
	for _, n := range p.NLProcessors {
		n.Plugin = path
	}
	for _, h := range p.EventHandlers {
		h.Plugin = path
	}
	for _, pp := range p.Preprocessors {
		pp.Plugin = path
	}
}

// Factory builds a fresh plugin.
type Factory func() (*Plugin, error)

// Catalog maps plugin paths to factories. It is safe for concurrent use.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Add registers f under path.
func (c *Catalog) Add(path string, f Factory) error {
	if path == "" || f == nil {
		return fmt.Errorf("plugin: catalog entry needs a path and a factory")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.factories[path]; ok {
		return fmt.Errorf("plugin: %q already in catalog", path)
	}
	c.factories[path] = f
	return nil
}

// MustAdd is Add that panics on error, for package-level catalogs.
func (c *Catalog) MustAdd(path string, f Factory) {
	if err := c.Add(path, f); err != nil {
		panic(err)
	}
}

// Lookup returns the factory for path.
func (c *Catalog) Lookup(path string) (Factory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.factories[path]
	return f, ok
}

// Paths returns the catalog keys in sorted order.
func (c *Catalog) Paths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.factories))
	for p := range c.factories {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
