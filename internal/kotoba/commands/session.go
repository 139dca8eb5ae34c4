package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/kotoba/internal/kotoba/commands/argfilter"
	"github.com/bdobrica/kotoba/internal/kotoba/event"
	"github.com/bdobrica/kotoba/internal/kotoba/expression"
	"github.com/bdobrica/kotoba/internal/kotoba/reply"
)

// Reserved State keys.
const (
	ArgvKey            = "argv"
	DefaultArgumentKey = "__default_argument"
)

var (
	// ErrRunTimeout cancels a handler that ran longer than its run timeout.
	ErrRunTimeout = errors.New("command run timed out")
	// ErrInteractionDisabled is returned by Get and Pause in sessions that
	// cannot wait for the user, such as privileged commands.
	ErrInteractionDisabled = errors.New("interaction is disabled for this session")
	// ErrSessionFinished is returned by Get and Pause after the session has
	// been finished or switched.
	ErrSessionFinished = errors.New("session finished")
	// ErrKilled is the cause seen by a handler whose session was killed.
	ErrKilled = errors.New("session killed")
	// ErrHandlerPanic wraps a recovered handler panic.
	ErrHandlerPanic = errors.New("command handler panicked")

	errGetInParser = errors.New("commands: Get cannot be called from an args parser")
)

// SessionConfig holds the defaults a session falls back to.
type SessionConfig struct {
	ExpireTimeout time.Duration
	RunTimeout    time.Duration
	// MaxValidationFailures ends the session after that many rejected
	// replies. Zero disables the limit.
	MaxValidationFailures     int
	ValidationFailure         expression.Expression
	TooManyValidationFailures expression.Expression
	Sender                    reply.Sender
}

// DefaultSessionConfig returns the stock defaults without a sender.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ExpireTimeout:             5 * time.Minute,
		MaxValidationFailures:     3,
		ValidationFailure:         expression.Text("That doesn't look right, please try again."),
		TooManyValidationFailures: expression.Text("Too many invalid replies. Start the command again to retry."),
	}
}

type phase int

const (
	phaseHandler phase = iota
	phaseParser
)

// Session is one run of a command in a conversation. The handler executes on
// its own goroutine; Get and Pause park it until the dispatcher delivers the
// next message with Step. The handler and the dispatcher never run at the
// same time, so State and the current-argument fields need no locking.
type Session struct {
	ID      string
	Key     string
	Command *Command
	Event   *event.Event

	// CurrentKey is the argument being asked for, empty on the first run.
	CurrentKey string
	// CurrentArg is the raw text of the current input: the text after the
	// command name on the first run, the whole message afterwards.
	CurrentArg string

	cfg      SessionConfig
	state    map[string]any
	filters  []argfilter.Filter
	failures int
	detached bool

	mu              sync.Mutex
	running         bool
	lastInteraction time.Time
	runStarted      time.Time

	hctx     context.Context
	hcancel  context.CancelCauseFunc
	started  bool
	resumeCh chan struct{}
	yieldCh  chan Outcome
	phase    phase
	pending  *Outcome
	terminal *Outcome
	emitted  bool
}

// NewSession builds a session for cmd. args seed State. The handler
// context is derived from ctx without its cancellation.
func NewSession(ctx context.Context, cmd *Command, ev *event.Event, key, currentArg string, args map[string]any, cfg SessionConfig) *Session {
	hctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	s := &Session{
		ID:         uuid.NewString(),
		Key:        key,
		Command:    cmd,
		Event:      ev,
		CurrentArg: currentArg,
		cfg:        cfg,
		state:      make(map[string]any, len(args)),
		hcancel:    cancel,
		resumeCh:   make(chan struct{}),
		yieldCh:    make(chan Outcome),
	}
	s.hctx = context.WithValue(hctx, sessionKey{}, s)
	for k, v := range args {
		s.state[k] = v
	}
	if cmd.SessionHook != nil {
		cmd.SessionHook(s)
	}
	return s
}

type sessionKey struct{}

// FromContext returns the session whose handler was given ctx, if any.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok
}

// Config returns the session's own copy of its defaults. Session hooks may
// change it.
func (s *Session) Config() *SessionConfig { return &s.cfg }

// State is the argument bag. The map itself is shared; its contents are
// read-write.
func (s *Session) State() map[string]any { return s.state }

// Argv returns the shell-split arguments of a ShellLike command.
func (s *Session) Argv() []string {
	argv, _ := s.state[ArgvKey].([]string)
	return argv
}

// CurrentArgText is the plain-text part of CurrentArg.
func (s *Session) CurrentArgText() string {
	return event.ParseMessage(s.CurrentArg).ExtractPlainText()
}

// CurrentArgImages lists the image URLs in CurrentArg.
func (s *Session) CurrentArgImages() []string {
	return event.ParseMessage(s.CurrentArg).ImageURLs()
}

// DisableInteraction turns the session into a one-shot run. It must be
// called before the first Step.
func (s *Session) DisableInteraction() { s.detached = true }

// InteractionDisabled reports whether Get and Pause are refused.
func (s *Session) InteractionDisabled() bool { return s.detached }

// IsFirstRun reports whether the session has never been suspended.
func (s *Session) IsFirstRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastInteraction.IsZero()
}

// LastInteraction is when the session last stopped running.
func (s *Session) LastInteraction() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastInteraction
}

// RunStarted is when the current or latest segment started.
func (s *Session) RunStarted() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runStarted
}

// Running reports whether a segment is executing.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// MarkRunning claims the session for a segment.
func (s *Session) MarkRunning(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	s.runStarted = now
}

// MarkIdle releases the session and starts its expire clock.
func (s *Session) MarkIdle(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.lastInteraction = now
	}
	s.running = false
}

// ExpireTimeout is the effective expire timeout; zero means never.
func (s *Session) ExpireTimeout() time.Duration {
	return effective(s.Command.ExpireTimeout, s.cfg.ExpireTimeout)
}

// RunTimeout is the effective run timeout; zero means never.
func (s *Session) RunTimeout() time.Duration {
	return effective(s.Command.RunTimeout, s.cfg.RunTimeout)
}

func effective(v, def time.Duration) time.Duration {
	if v == 0 {
		v = def
	}
	if v < 0 {
		return 0
	}
	return v
}

// Valid reports whether the session may still be resumed at now.
func (s *Session) Valid(now time.Time) bool {
	tm := s.ExpireTimeout()
	last := s.LastInteraction()
	if tm <= 0 || last.IsZero() {
		return true
	}
	return now.Sub(last) <= tm
}

// Kill cancels the handler with cause. A parked Get or Pause returns cause.
func (s *Session) Kill(cause error) {
	if cause == nil {
		cause = ErrKilled
	}
	s.hcancel(cause)
}

// Refresh loads the next message into the session before a resume.
func (s *Session) Refresh(ev *event.Event, currentArg string) {
	s.Event = ev
	s.CurrentArg = currentArg
}

// Send replies to the conversation the session belongs to.
func (s *Session) Send(ctx context.Context, msg event.Message) error {
	if s.cfg.Sender == nil {
		return nil
	}
	return s.cfg.Sender.Send(ctx, s.Event, msg)
}

// SendText is Send with a plain text message.
func (s *Session) SendText(ctx context.Context, text string) error {
	return s.Send(ctx, event.TextMessage(text))
}

func (s *Session) notify(ctx context.Context, text string) {
	if text == "" {
		return
	}
	if err := s.SendText(ctx, text); err != nil {
		slog.Warn("commands: send failed", "cmd", s.Command.Name.String(), "key", s.Key, "err", err)
	}
}

// GetOption configures Get.
type GetOption func(*getOptions)

type getOptions struct {
	prompt      string
	filters     []argfilter.Filter
	forceUpdate bool
}

// Prompt is sent when the argument has to be asked for.
func Prompt(msg string) GetOption {
	return func(o *getOptions) { o.prompt = msg }
}

// Filters run over the user's reply before it is stored.
func Filters(filters ...argfilter.Filter) GetOption {
	return func(o *getOptions) { o.filters = filters }
}

// ForceUpdate asks again even when State already holds the argument.
func ForceUpdate() GetOption {
	return func(o *getOptions) { o.forceUpdate = true }
}

// Get returns State[key], asking the user for it first when it is missing.
// An empty key asks for a fresh DefaultArgumentKey value every time.
func (s *Session) Get(ctx context.Context, key string, opts ...GetOption) (any, error) {
	var o getOptions
	if key == "" {
		key = DefaultArgumentKey
		o.forceUpdate = true
	}
	for _, opt := range opts {
		opt(&o)
	}
	if v, ok := s.state[key]; ok {
		if !o.forceUpdate {
			return v, nil
		}
		delete(s.state, key)
	}
	if s.phase == phaseParser {
		return nil, errGetInParser
	}

	s.CurrentKey = key
	s.filters = o.filters
	if err := s.Pause(ctx, o.prompt); err != nil {
		return nil, err
	}
	if v, ok := s.state[key]; ok {
		return v, nil
	}
	return s.CurrentArg, nil
}

// GetString is Get for a string argument.
func (s *Session) GetString(ctx context.Context, key string, opts ...GetOption) (string, error) {
	v, err := s.Get(ctx, key, opts...)
	if err != nil {
		return "", err
	}
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("commands: argument %q is %T, not a string", key, v)
	}
	return str, nil
}

// Pause sends msg (if any) and waits for the user's next message. Called
// from an args parser it only records the suspension: the parser returns and
// the session waits without entering the handler.
func (s *Session) Pause(ctx context.Context, msg string) error {
	var prompt event.Message
	if msg != "" {
		prompt = event.TextMessage(msg)
	}
	if s.detached {
		return ErrInteractionDisabled
	}
	if s.phase == phaseParser {
		out := Suspended(prompt)
		s.pending = &out
		return nil
	}
	if s.terminal != nil {
		if !s.emitted {
			s.emitted = true
			_ = s.yield(ctx, *s.terminal)
		}
		return ErrSessionFinished
	}

	if err := s.yield(ctx, Suspended(prompt)); err != nil {
		return err
	}
	select {
	case <-s.resumeCh:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-s.hctx.Done():
		return context.Cause(s.hctx)
	}
}

// Finish sends msg (if any) and returns the outcome that completes the
// session. Handlers return it directly.
func (s *Session) Finish(ctx context.Context, msg string) Outcome {
	s.notify(ctx, msg)
	return s.terminate(Done())
}

// FinishWithUsage finishes the session with the command's usage text.
func (s *Session) FinishWithUsage(ctx context.Context) Outcome {
	if s.Command.Usage == "" {
		return s.Finish(ctx, "Invalid arguments.")
	}
	return s.Finish(ctx, "Usage: "+s.Command.Usage)
}

// Switch ends the session and has the dispatcher handle msg as a new
// message. On the first run it completes the session unhandled instead.
func (s *Session) Switch(msg event.Message) Outcome {
	if s.IsFirstRun() {
		return s.terminate(NotHandled())
	}
	return s.terminate(Switched(msg))
}

func (s *Session) terminate(out Outcome) Outcome {
	if s.phase == phaseParser {
		s.pending = &out
	} else {
		s.terminal = &out
	}
	return out
}

func (s *Session) yield(ctx context.Context, out Outcome) error {
	select {
	case s.yieldCh <- out:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-s.hctx.Done():
		return context.Cause(s.hctx)
	}
}

// Step runs one execution segment: the argument filters or parser, then the
// handler until it completes, suspends or switches. The caller must hold the
// session (MarkRunning) for the duration.
func (s *Session) Step(ctx context.Context) Outcome {
	out := s.step(ctx)
	if out.Kind == KindSuspended && s.detached {
		out = Failed(ErrInteractionDisabled)
	}
	if out.Kind != KindSuspended {
		s.hcancel(ErrSessionFinished)
	}
	return out
}

func (s *Session) step(ctx context.Context) Outcome {
	if s.hctx.Err() != nil {
		return Failed(context.Cause(s.hctx))
	}
	// The run timeout covers the filters and the args parser as well as the
	// handler.
	if timeout := s.RunTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, ErrRunTimeout)
		defer cancel()
	}

	out, stop := s.prepare(ctx)
	if timedOut(ctx) {
		return s.runTimedOut()
	}
	if stop {
		return out
	}

	if !s.started {
		s.started = true
		go s.run()
	} else {
		select {
		case s.resumeCh <- struct{}{}:
		case out := <-s.yieldCh:
			// The handler gave up waiting on its own context.
			return out
		case <-s.hctx.Done():
			return Failed(context.Cause(s.hctx))
		case <-ctx.Done():
			return s.abandon(ctx)
		}
	}
	return s.await(ctx)
}

func timedOut(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrRunTimeout)
}

func (s *Session) runTimedOut() Outcome {
	slog.Warn("commands: run timeout", "cmd", s.Command.Name.String(), "key", s.Key, "timeout", s.RunTimeout())
	s.pending = nil
	s.hcancel(ErrRunTimeout)
	return Failed(ErrRunTimeout)
}

// abandon ends a segment whose dispatch context is done.
func (s *Session) abandon(ctx context.Context) Outcome {
	if timedOut(ctx) {
		return s.runTimedOut()
	}
	s.hcancel(context.Cause(ctx))
	return Failed(ctx.Err())
}

// prepare stores the reply to a pending Get. It reports stop when the
// segment ends without entering the handler.
func (s *Session) prepare(ctx context.Context) (Outcome, bool) {
	s.phase = phaseParser
	defer func() { s.phase = phaseHandler }()

	if s.CurrentKey != "" && s.filters != nil {
		v, err := s.applyFilters(ctx)
		if p := s.pending; p != nil {
			s.pending = nil
			return *p, true
		}
		if err != nil {
			return s.rejected(ctx, err), true
		}
		s.state[s.CurrentKey] = v
		return Outcome{}, false
	}

	if s.Command.ArgsParser != nil {
		err := s.Command.ArgsParser(ctx, s)
		if p := s.pending; p != nil {
			s.pending = nil
			return *p, true
		}
		if err != nil {
			return Failed(fmt.Errorf("args parser: %w", err)), true
		}
	}
	if s.CurrentKey != "" {
		if _, ok := s.state[s.CurrentKey]; !ok {
			s.state[s.CurrentKey] = s.CurrentArg
		}
	}
	return Outcome{}, false
}

// applyFilters runs the filters of the pending Get. Filters only see the
// reply text, so one that ignores ctx is left behind when ctx ends.
func (s *Session) applyFilters(ctx context.Context) (any, error) {
	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	arg, filters := s.CurrentArg, s.filters
	go func() {
		v, err := argfilter.Apply(ctx, arg, filters...)
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

func (s *Session) rejected(ctx context.Context, err error) Outcome {
	var ce *argfilter.CancelError
	if errors.As(err, &ce) {
		s.notify(ctx, ce.Message)
		return Done()
	}
	var ve *argfilter.ValidateError
	if !errors.As(err, &ve) {
		return Failed(fmt.Errorf("argument filter: %w", err))
	}

	if max := s.cfg.MaxValidationFailures; max > 0 {
		s.failures++
		if s.failures >= max {
			s.notify(ctx, expression.Render(s.cfg.TooManyValidationFailures))
			return Done()
		}
	}
	msg := ve.Message
	if msg == "" {
		msg = expression.Render(s.cfg.ValidationFailure)
	}
	return Suspended(event.TextMessage(msg))
}

func (s *Session) await(ctx context.Context) Outcome {
	select {
	case out := <-s.yieldCh:
		return out
	case <-ctx.Done():
		return s.abandon(ctx)
	case <-s.hctx.Done():
		return Failed(context.Cause(s.hctx))
	}
}

// run is the handler goroutine.
func (s *Session) run() {
	out := s.call()
	if s.emitted {
		return
	}
	s.emitted = true
	select {
	case s.yieldCh <- out:
	case <-s.hctx.Done():
	}
}

func (s *Session) call() (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("commands: handler panicked", "cmd", s.Command.Name.String(),
				"key", s.Key, "panic", r, "stack", string(debug.Stack()))
			out = Failed(fmt.Errorf("%w: %v", ErrHandlerPanic, r))
		}
	}()
	return s.Command.Handler(s.hctx, s)
}
