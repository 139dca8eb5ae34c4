package commands_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/bdobrica/kotoba/internal/kotoba/commands"
	"github.com/bdobrica/kotoba/internal/kotoba/commands/argfilter"
	"github.com/bdobrica/kotoba/internal/kotoba/event"
	"github.com/bdobrica/kotoba/internal/kotoba/reply"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func privateEvent(text string) *event.Event {
	return &event.Event{
		Kind:     event.KindMessage,
		ChatType: event.ChatPrivate,
		UserID:   "@alice:example.org",
		Message:  event.TextMessage(text),
		ToMe:     true,
	}
}

func newSession(t *testing.T, cmd *commands.Command, arg string, rec *reply.Recorder) *commands.Session {
	t.Helper()
	cfg := commands.DefaultSessionConfig()
	cfg.Sender = rec
	s := commands.NewSession(context.Background(), cmd, privateEvent(arg), "/user/@alice:example.org", arg, nil, cfg)
	t.Cleanup(func() { s.Kill(nil) })
	return s
}

// step runs one segment the way the dispatcher does.
func step(s *commands.Session) commands.Outcome {
	s.MarkRunning(time.Now())
	out := s.Step(context.Background())
	s.MarkIdle(time.Now())
	return out
}

func resume(s *commands.Session, text string) commands.Outcome {
	s.Refresh(privateEvent(text), text)
	return step(s)
}

func TestSession_GetSuspendsAndResumes(t *testing.T) {
	calls := 0
	cmd := commands.New(commands.Name{"weather"}, func(ctx context.Context, s *commands.Session) commands.Outcome {
		calls++
		city, err := s.GetString(ctx, "city", commands.Prompt("Which city?"))
		if err != nil {
			return commands.Failed(err)
		}
		return s.Finish(ctx, "sunny in "+city)
	})
	rec := &reply.Recorder{}
	s := newSession(t, cmd, "", rec)

	out := step(s)
	if out.Kind != commands.KindSuspended {
		t.Fatalf("first step: got %v, want suspended", out.Kind)
	}
	if got := out.Prompt.String(); got != "Which city?" {
		t.Errorf("prompt: got %q, want %q", got, "Which city?")
	}
	if s.IsFirstRun() {
		t.Error("IsFirstRun should be false after a suspension")
	}

	out = resume(s, "Berlin")
	if out.Kind != commands.KindCompleted || !out.Handled {
		t.Fatalf("second step: got %+v", out)
	}
	if got := rec.Last(); got != "sunny in Berlin" {
		t.Errorf("reply: got %q, want %q", got, "sunny in Berlin")
	}
	if calls != 1 {
		t.Errorf("handler entered %d times, want 1", calls)
	}
	if got := s.State()["city"]; got != "Berlin" {
		t.Errorf("state: got %v", got)
	}
}

func TestSession_ArgumentFromFirstMessage(t *testing.T) {
	cmd := commands.New(commands.Name{"echo"}, func(ctx context.Context, s *commands.Session) commands.Outcome {
		v, err := s.Get(ctx, "text")
		if err != nil {
			return commands.Failed(err)
		}
		return s.Finish(ctx, v.(string))
	}, commands.WithArgsParser(func(ctx context.Context, s *commands.Session) error {
		if s.IsFirstRun() && s.CurrentArg != "" {
			s.State()["text"] = s.CurrentArg
		}
		return nil
	}))
	rec := &reply.Recorder{}
	s := newSession(t, cmd, "hello there", rec)

	if out := step(s); out.Kind != commands.KindCompleted {
		t.Fatalf("got %v, want completed", out.Kind)
	}
	if got := rec.Last(); got != "hello there" {
		t.Errorf("reply: got %q", got)
	}
}

func TestSession_ValidationFailuresAreCapped(t *testing.T) {
	reached := false
	cmd := commands.New(commands.Name{"age"}, func(ctx context.Context, s *commands.Session) commands.Outcome {
		_, err := s.Get(ctx, "age", commands.Prompt("How old?"),
			commands.Filters(argfilter.Strip, argfilter.Int("numbers only")))
		if err != nil {
			return commands.Failed(err)
		}
		reached = true
		return commands.Done()
	})
	rec := &reply.Recorder{}
	s := newSession(t, cmd, "", rec)

	step(s)
	for i := 1; i <= 2; i++ {
		out := resume(s, "old")
		if out.Kind != commands.KindSuspended {
			t.Fatalf("failure %d: got %v, want suspended", i, out.Kind)
		}
		if got := out.Prompt.String(); got != "numbers only" {
			t.Errorf("failure %d prompt: got %q", i, got)
		}
	}
	out := resume(s, "older")
	if out.Kind != commands.KindCompleted || !out.Handled {
		t.Fatalf("third failure: got %+v, want completed", out)
	}
	if !strings.Contains(rec.Last(), "Too many") {
		t.Errorf("reply: got %q", rec.Last())
	}
	if reached {
		t.Error("handler continued past the validation cap")
	}
}

func TestSession_FilterStoresConvertedValue(t *testing.T) {
	var got any
	cmd := commands.New(commands.Name{"age"}, func(ctx context.Context, s *commands.Session) commands.Outcome {
		v, err := s.Get(ctx, "age", commands.Filters(argfilter.Int("")))
		if err != nil {
			return commands.Failed(err)
		}
		got = v
		return commands.Done()
	})
	s := newSession(t, cmd, "", &reply.Recorder{})
	step(s)
	resume(s, "41")
	if got != 41 {
		t.Errorf("got %v (%T), want 41", got, got)
	}
}

func TestSession_CancellationFinishes(t *testing.T) {
	cmd := commands.New(commands.Name{"ask"}, func(ctx context.Context, s *commands.Session) commands.Outcome {
		_, err := s.Get(ctx, "x", commands.Filters(argfilter.ExtractText,
			argfilter.HandleCancellation(nil), argfilter.NotEmpty("")))
		if err != nil {
			return commands.Failed(err)
		}
		t.Error("handler resumed after cancellation")
		return commands.Done()
	})
	s := newSession(t, cmd, "", &reply.Recorder{})
	step(s)
	if out := resume(s, "算了"); out.Kind != commands.KindCompleted || !out.Handled {
		t.Errorf("got %+v", out)
	}
}

func TestSession_RunTimeout(t *testing.T) {
	cmd := commands.New(commands.Name{"slow"}, func(ctx context.Context, s *commands.Session) commands.Outcome {
		<-ctx.Done()
		return commands.Failed(ctx.Err())
	}, commands.WithRunTimeout(20*time.Millisecond))
	s := newSession(t, cmd, "", &reply.Recorder{})

	out := step(s)
	if !errors.Is(out.Err, commands.ErrRunTimeout) {
		t.Fatalf("err: got %v, want ErrRunTimeout", out.Err)
	}
	if !out.Handled {
		t.Error("a timed-out command still counts as handled")
	}
}

func TestSession_RunTimeoutCoversFilters(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	// Ignores ctx on purpose: the segment must end without it.
	stuck := func(_ context.Context, v any) (any, error) {
		<-release
		return v, nil
	}

	got := make(chan any, 1)
	cmd := commands.New(commands.Name{"slowfilter"}, func(ctx context.Context, s *commands.Session) commands.Outcome {
		v, err := s.Get(ctx, "x", commands.Filters(stuck))
		if err != nil {
			return commands.Failed(err)
		}
		got <- v
		return commands.Done()
	}, commands.WithRunTimeout(30*time.Millisecond))
	s := newSession(t, cmd, "", &reply.Recorder{})

	if out := step(s); out.Kind != commands.KindSuspended {
		t.Fatalf("first step: got %v, want suspended", out.Kind)
	}
	start := time.Now()
	out := resume(s, "hello")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("resume took %v with a 30ms run timeout", elapsed)
	}
	if !errors.Is(out.Err, commands.ErrRunTimeout) {
		t.Fatalf("err: got %v, want ErrRunTimeout", out.Err)
	}
	if len(got) != 0 {
		t.Error("handler received a value after the run timeout")
	}
}

func TestSession_RunTimeoutCoversArgsParser(t *testing.T) {
	ran := false
	cmd := commands.New(commands.Name{"slowparser"}, func(ctx context.Context, s *commands.Session) commands.Outcome {
		ran = true
		return commands.Done()
	},
		commands.WithRunTimeout(20*time.Millisecond),
		commands.WithArgsParser(func(ctx context.Context, s *commands.Session) error {
			select {
			case <-ctx.Done():
				return context.Cause(ctx)
			case <-time.After(time.Second):
				return nil
			}
		}),
	)
	s := newSession(t, cmd, "", &reply.Recorder{})

	out := step(s)
	if !errors.Is(out.Err, commands.ErrRunTimeout) {
		t.Fatalf("err: got %v, want ErrRunTimeout", out.Err)
	}
	if ran {
		t.Error("handler ran after the parser timed out")
	}
}

func TestSession_FromContext(t *testing.T) {
	var seen *commands.Session
	cmd := commands.New(commands.Name{"who"}, func(ctx context.Context, s *commands.Session) commands.Outcome {
		seen, _ = commands.FromContext(ctx)
		return commands.Done()
	})
	s := newSession(t, cmd, "", &reply.Recorder{})
	step(s)
	if seen != s {
		t.Errorf("FromContext: got %p, want %p", seen, s)
	}
	if _, ok := commands.FromContext(context.Background()); ok {
		t.Error("FromContext on a plain context: got ok")
	}
}

func TestSession_InteractionDisabled(t *testing.T) {
	var getErr error
	cmd := commands.New(commands.Name{"priv"}, func(ctx context.Context, s *commands.Session) commands.Outcome {
		_, getErr = s.Get(ctx, "x", commands.Prompt("?"))
		return commands.Failed(getErr)
	})
	s := newSession(t, cmd, "", &reply.Recorder{})
	s.DisableInteraction()

	out := step(s)
	if !errors.Is(getErr, commands.ErrInteractionDisabled) {
		t.Errorf("Get: got %v", getErr)
	}
	if out.Handled {
		t.Error("a detached command that needs input is not handled")
	}
}

func TestSession_Switch(t *testing.T) {
	cmd := commands.New(commands.Name{"weather"}, func(ctx context.Context, s *commands.Session) commands.Outcome {
		if s.IsFirstRun() && s.CurrentArg == "switch" {
			return s.Switch(event.TextMessage("/other"))
		}
		if err := s.Pause(ctx, "city?"); err != nil {
			return commands.Failed(err)
		}
		if rest, ok := strings.CutPrefix(s.CurrentArg, "never mind, "); ok {
			return s.Switch(event.TextMessage(rest))
		}
		return commands.Done()
	})

	first := newSession(t, cmd, "switch", &reply.Recorder{})
	if out := step(first); out.Kind != commands.KindCompleted || out.Handled {
		t.Errorf("switch on first run: got %+v, want completed unhandled", out)
	}

	s := newSession(t, cmd, "", &reply.Recorder{})
	step(s)
	out := resume(s, "never mind, /echo hi")
	if out.Kind != commands.KindSwitched {
		t.Fatalf("got %v, want switched", out.Kind)
	}
	if got := out.Content.String(); got != "/echo hi" {
		t.Errorf("content: got %q", got)
	}
}

func TestSession_ParserPauseBeforeHandler(t *testing.T) {
	entered := 0
	cmd := commands.New(commands.Name{"img"}, func(ctx context.Context, s *commands.Session) commands.Outcome {
		entered++
		return s.Finish(ctx, "got "+s.CurrentArg)
	}, commands.WithArgsParser(func(ctx context.Context, s *commands.Session) error {
		if s.CurrentArg == "" {
			return s.Pause(ctx, "send something")
		}
		return nil
	}))
	rec := &reply.Recorder{}
	s := newSession(t, cmd, "", rec)

	if out := step(s); out.Kind != commands.KindSuspended || out.Prompt.String() != "send something" {
		t.Fatalf("got %+v", out)
	}
	if entered != 0 {
		t.Fatal("handler ran before the parser was satisfied")
	}
	resume(s, "cat.png")
	if got := rec.Last(); got != "got cat.png" {
		t.Errorf("reply: got %q", got)
	}
}

func TestSession_PanicIsRecovered(t *testing.T) {
	cmd := commands.New(commands.Name{"boom"}, func(ctx context.Context, s *commands.Session) commands.Outcome {
		panic("kaboom")
	})
	s := newSession(t, cmd, "", &reply.Recorder{})
	out := step(s)
	if !errors.Is(out.Err, commands.ErrHandlerPanic) || !out.Handled {
		t.Errorf("got %+v", out)
	}
}

func TestSession_KillReleasesParkedHandler(t *testing.T) {
	released := make(chan error, 1)
	cmd := commands.New(commands.Name{"wait"}, func(ctx context.Context, s *commands.Session) commands.Outcome {
		err := s.Pause(ctx, "")
		released <- err
		return commands.Failed(err)
	})
	s := newSession(t, cmd, "", &reply.Recorder{})
	step(s)
	s.Kill(nil)

	select {
	case err := <-released:
		if !errors.Is(err, commands.ErrKilled) {
			t.Errorf("got %v, want ErrKilled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("handler still parked after Kill")
	}
}

func TestSession_ShellLike(t *testing.T) {
	var argv []string
	cmd := commands.New(commands.Name{"run"}, func(ctx context.Context, s *commands.Session) commands.Outcome {
		argv = s.Argv()
		return commands.Done()
	}, commands.WithShellLike(true))
	s := newSession(t, cmd, `deploy "my app" --force`, &reply.Recorder{})
	step(s)
	want := []string{"deploy", "my app", "--force"}
	if strings.Join(argv, "|") != strings.Join(want, "|") {
		t.Errorf("argv: got %q, want %q", argv, want)
	}
}

func TestSession_ShellLikeBadQuotes(t *testing.T) {
	ran := false
	cmd := commands.New(commands.Name{"run"}, func(ctx context.Context, s *commands.Session) commands.Outcome {
		ran = true
		return commands.Done()
	}, commands.WithShellLike(true), commands.WithUsage("run <target> [flags]"))
	rec := &reply.Recorder{}
	s := newSession(t, cmd, `deploy "my app`, rec)

	out := step(s)
	if out.Kind != commands.KindCompleted || !out.Handled {
		t.Fatalf("got %+v, want a handled completion", out)
	}
	if ran {
		t.Error("handler ran with unparsable arguments")
	}
	if got, want := rec.Last(), "Usage: run <target> [flags]"; got != want {
		t.Errorf("reply: got %q, want %q", got, want)
	}
}

func TestSession_Expiry(t *testing.T) {
	cmd := commands.New(commands.Name{"x"}, noop, commands.WithExpireTimeout(time.Minute))
	s := newSession(t, cmd, "", &reply.Recorder{})
	start := time.Now()
	if !s.Valid(start.Add(time.Hour)) {
		t.Error("a session that never ran cannot expire")
	}
	s.MarkRunning(start)
	s.MarkIdle(start)
	if !s.Valid(start.Add(59 * time.Second)) {
		t.Error("expired too early")
	}
	if s.Valid(start.Add(61 * time.Second)) {
		t.Error("should have expired")
	}

	forever := commands.New(commands.Name{"y"}, noop, commands.WithExpireTimeout(commands.NoTimeout))
	f := newSession(t, forever, "", &reply.Recorder{})
	f.MarkRunning(start)
	f.MarkIdle(start)
	if !f.Valid(start.Add(24 * time.Hour)) {
		t.Error("NoTimeout should never expire")
	}
}
