// Package dispatch routes inbound events through preprocessors, running
// sessions, commands and natural-language processors.
//
// One Dispatcher serves the whole bot. Handle may be called concurrently;
// Loop serializes messages of the same conversation and is what transports
// feed.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/kotoba/common/retry"
	"github.com/bdobrica/kotoba/common/trace"
	"github.com/bdobrica/kotoba/internal/kotoba/commands"
	"github.com/bdobrica/kotoba/internal/kotoba/event"
	"github.com/bdobrica/kotoba/internal/kotoba/expression"
	"github.com/bdobrica/kotoba/internal/kotoba/nlp"
	"github.com/bdobrica/kotoba/internal/kotoba/notice"
	"github.com/bdobrica/kotoba/internal/kotoba/permission"
	"github.com/bdobrica/kotoba/internal/kotoba/plugin"
	"github.com/bdobrica/kotoba/internal/kotoba/reply"
	"github.com/bdobrica/kotoba/internal/kotoba/session"
)

// Busy-wait defaults: a message arriving while its conversation's session is
// running checks again every 300ms, six times in all, before it is answered
// with the session-running expression.
const (
	DefaultBusyAttempts = 6
	DefaultBusyDelay    = 300 * time.Millisecond
)

// Via says which stage handled a message.
type Via string

const (
	ViaNone         Via = ""
	ViaCommand      Via = "command"
	ViaSession      Via = "session"
	ViaNLP          Via = "nlp"
	ViaBusy         Via = "busy"
	ViaPreprocessor Via = "preprocessor"
	ViaNotice       Via = "notice"
)

// HandleResult summarizes what Handle did with one event.
type HandleResult struct {
	Handled bool
	// Command is the last command that ran, if any.
	Command commands.Name
	Via     Via
	// Switches counts the re-dispatches caused by Switch outcomes.
	Switches int
	// Err is the failure of the last command segment or event handler.
	Err error
}

// ResultRecorder observes every handled event, e.g. for an audit log.
type ResultRecorder interface {
	RecordResult(ctx context.Context, ev *event.Event, res HandleResult)
}

// Config holds the dispatcher settings.
type Config struct {
	Nicknames   []string
	ContextMode event.ContextMode
	// SessionRunning is sent when a message arrives while the conversation's
	// session is still running.
	SessionRunning expression.Expression
	BusyAttempts   int
	BusyDelay      time.Duration
	Session        commands.SessionConfig
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		ContextMode:    event.ContextDefault,
		SessionRunning: expression.Text("Your previous command is still running, please wait."),
		BusyAttempts:   DefaultBusyAttempts,
		BusyDelay:      DefaultBusyDelay,
		Session:        commands.DefaultSessionConfig(),
	}
}

// Dispatcher routes events. Build it with New.
type Dispatcher struct {
	cfg Config

	commands   *commands.Registry
	sessions   *session.Registry[*commands.Session]
	plugins    *plugin.Registry
	processors *nlp.Registry
	arbitrator *nlp.Arbitrator
	bus        *notice.Bus
	checker    *permission.Checker
	sender     reply.Sender
	responder  reply.Responder
	recorder   ResultRecorder
}

// Deps are the collaborators of a Dispatcher. Checker, Responder and
// Recorder may be nil.
type Deps struct {
	Commands   *commands.Registry
	Sessions   *session.Registry[*commands.Session]
	Plugins    *plugin.Registry
	Processors *nlp.Registry
	Arbitrator *nlp.Arbitrator
	Bus        *notice.Bus
	Checker    *permission.Checker
	Sender     reply.Sender
	Responder  reply.Responder
	Recorder   ResultRecorder
}

// New returns a dispatcher. The session config's Sender defaults to
// deps.Sender.
func New(cfg Config, deps Deps) *Dispatcher {
	if cfg.Session.Sender == nil {
		cfg.Session.Sender = deps.Sender
	}
	if cfg.BusyAttempts <= 0 {
		cfg.BusyAttempts = DefaultBusyAttempts
	}
	if cfg.BusyDelay <= 0 {
		cfg.BusyDelay = DefaultBusyDelay
	}
	if cfg.ContextMode == "" {
		cfg.ContextMode = event.ContextDefault
	}
	arb := deps.Arbitrator
	if arb == nil {
		arb = &nlp.Arbitrator{Checker: deps.Checker, Sender: deps.Sender}
	}
	return &Dispatcher{
		cfg:        cfg,
		commands:   deps.Commands,
		sessions:   deps.Sessions,
		plugins:    deps.Plugins,
		processors: deps.Processors,
		arbitrator: arb,
		bus:        deps.Bus,
		checker:    deps.Checker,
		sender:     deps.Sender,
		responder:  deps.Responder,
		recorder:   deps.Recorder,
	}
}

// Key returns the conversation key of ev.
func (d *Dispatcher) Key(ev *event.Event) string {
	return event.ContextID(ev, d.cfg.ContextMode, false)
}

// Handle processes one event to completion of its first execution segment.
// It never returns handler errors; they are logged.
func (d *Dispatcher) Handle(ctx context.Context, ev *event.Event) HandleResult {
	return d.handle(ctx, ev, func() {})
}

// handle is Handle with a callback fired once the event no longer needs to
// hold its conversation's place in line: when its session is claimed, or
// when handling ends.
func (d *Dispatcher) handle(ctx context.Context, ev *event.Event, admit func()) HandleResult {
	defer admit()
	ctx = trace.Ensure(ctx)

	var res HandleResult
	if ev.Kind == event.KindNotice || ev.Kind == event.KindRequest {
		res = d.handleNoticeOrRequest(ctx, ev)
	} else {
		res = d.handleMessage(ctx, ev, admit)
	}
	if d.recorder != nil {
		d.recorder.RecordResult(ctx, ev, res)
	}
	return res
}

func (d *Dispatcher) handleNoticeOrRequest(ctx context.Context, ev *event.Event) HandleResult {
	slog.Info("dispatch: received event", "trace_id", trace.FromContext(ctx),
		"event", ev.Name(), "group", ev.GroupID, "user", ev.UserID)
	if d.bus == nil {
		return HandleResult{Via: ViaNotice}
	}
	ns := notice.NewSession(ev, d.sender, d.responder)
	err := d.bus.Emit(ctx, ev.Name(), ns)
	if err != nil {
		slog.Error("dispatch: event handler failed", "trace_id", trace.FromContext(ctx),
			"event", ev.Name(), "err", err)
	}
	return HandleResult{Handled: true, Via: ViaNotice, Err: err}
}

func (d *Dispatcher) handleMessage(ctx context.Context, ev *event.Event, admit func()) HandleResult {
	event.CheckAtMe(ev)
	event.CheckNickname(ev, d.cfg.Nicknames)

	log := slog.With("trace_id", trace.FromContext(ctx), "key", d.Key(ev))
	log.Info("dispatch: received message", "to_me", ev.ToMe, "message", ev.Message.String())

	view := d.view()
	if err := d.preprocess(ctx, ev, view); err != nil {
		log.Info("dispatch: message canceled by preprocessor", "err", err)
		return HandleResult{Via: ViaPreprocessor}
	}

	var res HandleResult
	for {
		r, switched, ok := d.handleCommand(ctx, ev, view.Commands, admit)
		if r.Command != nil {
			res.Command = r.Command
		}
		if !ok {
			break
		}
		res.Handled, res.Via, res.Err = r.Handled, r.Via, r.Err
		if switched == nil {
			return res
		}
		res.Switches++
		next := ev.Clone()
		next.Message = switched
		next.ToMe = true
		ev = next
		log.Debug("dispatch: session switched, dispatching new message", "message", ev.Message.String())
	}

	if d.processors == nil {
		log.Debug("dispatch: message not handled")
		return res
	}
	if r := d.handleNaturalLanguage(ctx, ev, view.NLP.Processors()); r.Handled {
		r.Switches = res.Switches
		return r
	}
	log.Debug("dispatch: message not handled")
	return res
}

// view returns the per-message switch overlay.
func (d *Dispatcher) view() *plugin.View {
	if d.plugins != nil {
		return d.plugins.View()
	}
	v := &plugin.View{Commands: d.commands.View()}
	if d.processors != nil {
		v.NLP = d.processors.View()
	}
	return v
}

// preprocess runs the enabled preprocessors concurrently. Only a
// *plugin.CanceledError stops the message; other errors are logged.
func (d *Dispatcher) preprocess(ctx context.Context, ev *event.Event, view *plugin.View) error {
	if d.plugins == nil {
		return nil
	}
	pps := d.plugins.Preprocessors()
	if len(pps) == 0 {
		return nil
	}
	var g errgroup.Group
	for _, pp := range pps {
		g.Go(func() error {
			err := pp.Func(ctx, ev, view)
			if err == nil || plugin.IsCanceled(err) {
				return err
			}
			slog.Error("dispatch: preprocessor failed", "plugin", pp.Plugin, "err", err)
			return nil
		})
	}
	return g.Wait()
}

// handleCommand runs the command stage once. ok is false when no command or
// session took the message; switched carries the new content of a Switch.
func (d *Dispatcher) handleCommand(ctx context.Context, ev *event.Event, view *commands.View, admit func()) (res HandleResult, switched event.Message, ok bool) {
	text := ev.Message.String()
	cmd, currentArg, found := view.Find(strings.TrimLeft(text, " \t\r\n"))
	if found {
		res.Command = cmd.Name
	}
	key := d.Key(ev)

	privileged := found && cmd.Privileged
	if privileged && cmd.OnlyToMe && !ev.ToMe {
		privileged = false
	}
	if privileged {
		slog.Debug("dispatch: privileged command", "cmd", cmd.Name.String(), "key", key)
		out, handled := d.runDetached(ctx, cmd, ev, key, currentArg, nil, true, admit)
		return HandleResult{Handled: handled, Command: cmd.Name, Via: ViaCommand, Err: out.Err}, out.Content, handled || out.Kind == commands.KindSwitched
	}

	create := func() (*commands.Session, bool) {
		if !found {
			slog.Debug("dispatch: not a known command", "key", key)
			return nil, false
		}
		if cmd.OnlyToMe && !ev.ToMe {
			slog.Debug("dispatch: command not addressed to me", "cmd", cmd.Name.String(), "key", key)
			return nil, false
		}
		return commands.NewSession(ctx, cmd, ev, key, currentArg, nil, d.cfg.Session), true
	}

	var (
		s       *commands.Session
		resumed bool
	)
	err := d.waitFree(ctx, func() error {
		var err error
		s, resumed, err = d.sessions.Begin(key, create)
		return err
	})
	switch {
	case errors.Is(err, session.ErrBusy):
		d.busy(ctx, ev, key)
		return HandleResult{Handled: true, Via: ViaBusy}, nil, true
	case err != nil:
		return res, nil, false
	}
	admit()

	via := ViaCommand
	if resumed {
		// Whoever is in a session is talking to the bot.
		ev.ToMe = true
		s.Refresh(ev, text)
		via = ViaSession
		res.Command = s.Command.Name
		slog.Debug("dispatch: resuming session", "cmd", s.Command.Name.String(), "key", key)
	} else {
		slog.Debug("dispatch: new session", "cmd", s.Command.Name.String(), "key", key)
		if !d.permitted(ctx, ev, s.Command) {
			slog.Debug("dispatch: permission denied", "cmd", s.Command.Name.String(), "key", key, "user", ev.UserID)
			d.sessions.End(key, s)
			s.Kill(commands.ErrKilled)
			return HandleResult{Command: s.Command.Name}, nil, false
		}
	}

	out := d.step(ctx, s, key, false)
	res = HandleResult{Handled: out.Handled || out.Kind != commands.KindCompleted, Command: s.Command.Name, Via: via, Err: out.Err}
	if out.Kind == commands.KindSwitched {
		return res, out.Content, true
	}
	return res, nil, res.Handled
}

// waitFree retries claim while the conversation's session is running.
func (d *Dispatcher) waitFree(ctx context.Context, claim func() error) error {
	return retry.Do(ctx, retry.Constant(d.cfg.BusyAttempts, d.cfg.BusyDelay, session.ErrBusy), claim)
}

func (d *Dispatcher) busy(ctx context.Context, ev *event.Event, key string) {
	slog.Warn("dispatch: session running, notifying user", "key", key)
	d.notify(ctx, ev, expression.Render(d.cfg.SessionRunning))
}

// runDetached runs a session that is never stored.
func (d *Dispatcher) runDetached(ctx context.Context, cmd *commands.Command, ev *event.Event, key, currentArg string, args map[string]any, checkPerm bool, admit func()) (commands.Outcome, bool) {
	s := commands.NewSession(ctx, cmd, ev, key, currentArg, args, d.cfg.Session)
	s.DisableInteraction()
	s.MarkRunning(time.Now())
	admit()
	if checkPerm && !d.permitted(ctx, ev, cmd) {
		slog.Debug("dispatch: permission denied", "cmd", cmd.Name.String(), "key", key, "user", ev.UserID)
		s.Kill(commands.ErrKilled)
		return commands.NotHandled(), false
	}
	out := d.step(ctx, s, key, true)
	return out, out.Handled
}

// step runs one segment of s and applies its outcome to the registry.
func (d *Dispatcher) step(ctx context.Context, s *commands.Session, key string, detached bool) commands.Outcome {
	out := s.Step(ctx)

	switch out.Kind {
	case commands.KindSuspended:
		if !d.sessions.Suspend(key, s) {
			slog.Debug("dispatch: displaced session dropped", "cmd", s.Command.Name.String(), "key", key)
			return commands.Done()
		}
		if len(out.Prompt) > 0 {
			if err := s.Send(ctx, out.Prompt); err != nil {
				slog.Warn("dispatch: prompt not delivered", "cmd", s.Command.Name.String(), "key", key, "err", err)
			}
		}
		return out
	default:
		if detached {
			s.MarkIdle(time.Now())
		} else {
			d.sessions.End(key, s)
		}
	}

	switch {
	case out.Err == nil:
	case errors.Is(out.Err, commands.ErrInteractionDisabled):
		slog.Debug("dispatch: session needed interaction", "cmd", s.Command.Name.String(), "key", key)
	case errors.Is(out.Err, commands.ErrRunTimeout):
		slog.Warn("dispatch: session timed out", "cmd", s.Command.Name.String(), "key", key)
	default:
		slog.Error("dispatch: command failed", "cmd", s.Command.Name.String(), "key", key, "err", out.Err)
	}
	return out
}

func (d *Dispatcher) permitted(ctx context.Context, ev *event.Event, cmd *commands.Command) bool {
	if cmd.Permission == nil {
		return true
	}
	if d.checker == nil {
		return cmd.Permission.Evaluate(ctx, permission.NewSenderRoles(ev, nil, nil))
	}
	return d.checker.Check(ctx, ev, cmd.Permission)
}

func (d *Dispatcher) notify(ctx context.Context, ev *event.Event, text string) {
	if d.sender == nil || text == "" {
		return
	}
	if err := d.sender.Send(ctx, ev, event.TextMessage(text)); err != nil {
		slog.Warn("dispatch: send failed", "err", err)
	}
}

// handleNaturalLanguage asks the processors and runs the winning intent.
func (d *Dispatcher) handleNaturalLanguage(ctx context.Context, ev *event.Event, procs []*nlp.Processor) HandleResult {
	if len(procs) == 0 {
		return HandleResult{}
	}
	res := d.arbitrator.Arbitrate(ctx, ev, procs)
	intent, ok := res.Winner(nlp.DefaultIntentThreshold)
	if !ok {
		if len(res.Intents) > 0 {
			slog.Debug("dispatch: intent not confident enough", "cmd", res.Intents[0].Name.String(),
				"confidence", res.Intents[0].Confidence)
		}
		return HandleResult{}
	}
	slog.Debug("dispatch: intent selected", "cmd", intent.Name.String(), "confidence", intent.Confidence)
	handled, err := d.CallCommand(ctx, ev, intent.Name, CallOptions{
		CurrentArg: intent.CurrentArg,
		Args:       intent.Args,
	})
	switch {
	case errors.Is(err, session.ErrBusy):
		d.busy(ctx, ev, d.Key(ev))
		return HandleResult{Handled: true, Command: intent.Name, Via: ViaBusy}
	case err != nil:
		slog.Warn("dispatch: intent names an unavailable command", "cmd", intent.Name.String(), "err", err)
		return HandleResult{}
	}
	return HandleResult{Handled: handled, Command: intent.Name, Via: ViaNLP}
}

// CallOptions tunes CallCommand.
type CallOptions struct {
	CurrentArg string
	Args       map[string]any
	// CheckPerm evaluates the command's permission before running it.
	CheckPerm bool
	// DisableInteraction runs the command detached, as privileged commands
	// are.
	DisableInteraction bool
}

// CallCommand starts the enabled command name in ev's conversation,
// replacing whatever session is parked there. It returns
// commands.ErrUnknownCommand when the command is missing or disabled, and
// session.ErrBusy when another session keeps running in the conversation
// through the busy wait. A handler calling it with its own context may
// replace its own session.
func (d *Dispatcher) CallCommand(ctx context.Context, ev *event.Event, name commands.Name, opts CallOptions) (bool, error) {
	cmd, ok := d.commands.Lookup(name)
	if !ok {
		return false, commands.ErrUnknownCommand
	}
	key := d.Key(ev)

	if opts.DisableInteraction {
		_, handled := d.runDetached(ctx, cmd, ev, key, opts.CurrentArg, opts.Args, opts.CheckPerm, func() {})
		return handled, nil
	}

	s := commands.NewSession(ctx, cmd, ev, key, opts.CurrentArg, opts.Args, d.cfg.Session)
	owner, _ := commands.FromContext(ctx)
	if err := d.waitFree(ctx, func() error { return d.sessions.Replace(key, s, owner) }); err != nil {
		s.Kill(commands.ErrKilled)
		return false, err
	}
	if opts.CheckPerm && !d.permitted(ctx, ev, cmd) {
		slog.Debug("dispatch: permission denied", "cmd", cmd.Name.String(), "key", key, "user", ev.UserID)
		d.sessions.End(key, s)
		s.Kill(commands.ErrKilled)
		return false, nil
	}
	out := d.step(ctx, s, key, false)
	return out.Handled || out.Kind != commands.KindCompleted, nil
}

// KillSession cancels and removes the session of ev's conversation. It
// reports whether there was one.
func (d *Dispatcher) KillSession(ev *event.Event) bool {
	return d.sessions.Kill(d.Key(ev), commands.ErrKilled)
}

// Session returns the session stored for ev's conversation.
func (d *Dispatcher) Session(ev *event.Event) (*commands.Session, bool) {
	return d.sessions.Get(d.Key(ev))
}
