// Package runtime owns every registry of one bot instance and the loop that
// feeds the dispatcher.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/kotoba/internal/kotoba/commands"
	"github.com/bdobrica/kotoba/internal/kotoba/dispatch"
	"github.com/bdobrica/kotoba/internal/kotoba/event"
	"github.com/bdobrica/kotoba/internal/kotoba/nlp"
	"github.com/bdobrica/kotoba/internal/kotoba/notice"
	"github.com/bdobrica/kotoba/internal/kotoba/permission"
	"github.com/bdobrica/kotoba/internal/kotoba/plugin"
	"github.com/bdobrica/kotoba/internal/kotoba/reply"
	"github.com/bdobrica/kotoba/internal/kotoba/session"
)

// ErrNotRunning is returned by Submit before Start or after Stop.
var ErrNotRunning = errors.New("runtime is not running")

// Options configures a Runtime.
type Options struct {
	Dispatch dispatch.Config
	Parse    commands.ParseConfig

	Superusers []string
	Resolver   permission.MemberResolver

	Sender    reply.Sender
	Responder reply.Responder
	Recorder  dispatch.ResultRecorder

	Catalog *plugin.Catalog
	State   plugin.StateStore

	// ShortMessageMaxLength bounds messages seen by short-message
	// processors. Zero uses nlp.DefaultShortMessageMaxLength.
	ShortMessageMaxLength int
	// NLPRateLimit caps arbitrations per sender per minute. Zero disables.
	NLPRateLimit int
	// SweepInterval is the expired-session sweep period.
	SweepInterval time.Duration
}

// PluginSpec names a plugin to load at startup.
type PluginSpec struct {
	Path    string
	Enabled bool
}

// Runtime is the root object. The exported registries are shared with the
// dispatcher; replace them only through Reset.
type Runtime struct {
	Commands   *commands.Registry
	Sessions   *session.Registry[*commands.Session]
	NLP        *nlp.Registry
	Bus        *notice.Bus
	Plugins    *plugin.Registry
	Checker    *permission.Checker
	Dispatcher *dispatch.Dispatcher

	opts Options

	mu      sync.Mutex
	loop    *dispatch.Loop
	janitor *session.Janitor
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a stopped runtime.
func New(opts Options) *Runtime {
	if opts.Catalog == nil {
		opts.Catalog = plugin.NewCatalog()
	}
	if len(opts.Parse.Starts) == 0 {
		opts.Parse = commands.DefaultParseConfig()
	}
	r := &Runtime{opts: opts}
	r.build()
	return r
}

func (r *Runtime) build() {
	o := r.opts
	r.Commands = commands.NewRegistry(o.Parse)
	r.Sessions = session.NewRegistry[*commands.Session]()
	r.NLP = nlp.NewRegistry()
	r.Bus = notice.NewBus()
	r.Plugins = plugin.NewRegistry(o.Catalog, r.Commands, r.NLP, r.Bus, o.State)
	r.Checker = permission.NewChecker(o.Superusers, o.Resolver)

	arb := &nlp.Arbitrator{
		Checker:               r.Checker,
		Sender:                o.Sender,
		ShortMessageMaxLength: o.ShortMessageMaxLength,
	}
	if o.NLPRateLimit > 0 {
		arb.Limiter = nlp.NewRateLimiter(o.NLPRateLimit, time.Minute)
	}
	r.Dispatcher = dispatch.New(o.Dispatch, dispatch.Deps{
		Commands:   r.Commands,
		Sessions:   r.Sessions,
		Plugins:    r.Plugins,
		Processors: r.NLP,
		Arbitrator: arb,
		Bus:        r.Bus,
		Checker:    r.Checker,
		Sender:     o.Sender,
		Responder:  o.Responder,
		Recorder:   o.Recorder,
	})
}

// LoadPlugins loads each spec in order. Plugins marked disabled are loaded
// and then switched off. Failures are collected; the remaining plugins still
// load.
func (r *Runtime) LoadPlugins(ctx context.Context, specs []PluginSpec) error {
	var errs []error
	for _, spec := range specs {
		pending, err := r.Plugins.Load(ctx, spec.Path, plugin.LoadOptions{})
		if err != nil {
			slog.Error("runtime: plugin failed to load", "plugin", spec.Path, "err", err)
			errs = append(errs, err)
			continue
		}
		if _, err := pending.Wait(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		if !spec.Enabled {
			if _, err := r.Plugins.SetEnabled(ctx, spec.Path, commands.Off); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Start runs the dispatch loop and the session janitor until Stop or until
// ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loop != nil {
		return fmt.Errorf("runtime already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.loop = dispatch.NewLoop(ctx, r.Dispatcher)
	r.janitor = session.NewJanitor(r.Sessions, r.opts.SweepInterval)
	r.done = make(chan struct{})
	r.Plugins.Start()

	go func(j *session.Janitor, done chan struct{}) {
		defer close(done)
		j.Run(ctx)
	}(r.janitor, r.done)

	slog.Info("runtime: started", "commands", r.Commands.Len(), "nl_processors", r.NLP.Len(),
		"plugins", len(r.Plugins.Plugins()))
	return nil
}

// Submit queues ev on the dispatch loop.
func (r *Runtime) Submit(ev *event.Event) error {
	return r.SubmitContext(context.Background(), ev)
}

// SubmitContext is Submit keeping the trace ID of ctx for the dispatch.
func (r *Runtime) SubmitContext(ctx context.Context, ev *event.Event) error {
	r.mu.Lock()
	loop := r.loop
	r.mu.Unlock()
	if loop == nil {
		return ErrNotRunning
	}
	return loop.SubmitContext(ctx, ev)
}

// Do runs fn on the worker of ev's conversation, ordered after the events
// already queued there.
func (r *Runtime) Do(ctx context.Context, ev *event.Event, fn func(ctx context.Context)) error {
	r.mu.Lock()
	loop := r.loop
	r.mu.Unlock()
	if loop == nil {
		return ErrNotRunning
	}
	return loop.Do(ctx, r.Dispatcher.Key(ev), fn)
}

// Stop drains the loop, stops the janitor and kills every session.
func (r *Runtime) Stop() {
	r.mu.Lock()
	loop, janitor, cancel, done := r.loop, r.janitor, r.cancel, r.done
	r.loop, r.janitor, r.cancel, r.done = nil, nil, nil, nil
	r.mu.Unlock()

	if loop == nil {
		return
	}
	loop.Stop()
	janitor.Stop()
	cancel()
	<-done
	r.Sessions.Clear()
	slog.Info("runtime: stopped")
}

// Reset stops the runtime and replaces every registry with an empty one.
// The catalog is kept.
func (r *Runtime) Reset() {
	r.Stop()
	r.Plugins.Clear()
	r.build()
}
