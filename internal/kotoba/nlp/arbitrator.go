package nlp

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/kotoba/internal/kotoba/event"
	"github.com/bdobrica/kotoba/internal/kotoba/permission"
	"github.com/bdobrica/kotoba/internal/kotoba/reply"
)

const (
	// DefaultIntentThreshold is the minimum confidence an intent needs to
	// be run.
	DefaultIntentThreshold = 60.0

	// DefaultShortMessageMaxLength is the longest plain text, in runes, an
	// OnlyShortMessage processor looks at.
	DefaultShortMessageMaxLength = 50
)

// Arbitrator runs processors against a message and picks the winning intent.
type Arbitrator struct {
	Checker *permission.Checker
	Sender  reply.Sender
	// ShortMessageMaxLength defaults to DefaultShortMessageMaxLength.
	ShortMessageMaxLength int
	// Limiter, when set, skips processing for senders over their quota.
	Limiter *RateLimiter
}

// Result is the outcome of one arbitration.
type Result struct {
	// Ran reports whether at least one processor was eligible and ran.
	Ran bool
	// Intents are the non-nil intents, most confident first.
	Intents []*IntentCommand
}

// Winner returns the most confident intent if it reaches threshold.
func (r Result) Winner(threshold float64) (*IntentCommand, bool) {
	if len(r.Intents) == 0 || r.Intents[0].Confidence < threshold {
		return nil, false
	}
	return r.Intents[0], true
}

// Eligible reports whether p should see s.
func (a *Arbitrator) Eligible(ctx context.Context, p *Processor, s *Session) bool {
	if !p.AllowEmptyMessage && s.Msg == "" {
		return false
	}
	maxLen := a.ShortMessageMaxLength
	if maxLen <= 0 {
		maxLen = DefaultShortMessageMaxLength
	}
	if p.OnlyShortMessage && utf8.RuneCountInString(s.MsgText) > maxLen {
		return false
	}
	if p.OnlyToMe && !s.Event.ToMe {
		return false
	}
	if len(p.Keywords) > 0 {
		hit := false
		for _, kw := range p.Keywords {
			if strings.Contains(s.MsgText, kw) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if p.Permission == nil {
		return true
	}
	if a.Checker == nil {
		return p.Permission.Evaluate(ctx, permission.NewSenderRoles(s.Event, nil, nil))
	}
	return a.Checker.Check(ctx, s.Event, p.Permission)
}

// Arbitrate runs every eligible processor in procs concurrently. Ties in
// confidence go to the processor listed first.
func (a *Arbitrator) Arbitrate(ctx context.Context, ev *event.Event, procs []*Processor) Result {
	if a.Limiter != nil && !a.Limiter.Allow(ev.UserID) {
		slog.Debug("nlp: sender over rate limit", "user", ev.UserID)
		return Result{}
	}

	s := NewSession(ev, a.Sender)
	type slot struct {
		ran    bool
		intent *IntentCommand
	}
	slots := make([]slot, len(procs))

	var g errgroup.Group
	for i, p := range procs {
		g.Go(func() error {
			ran, intent := a.try(ctx, p, s)
			slots[i] = slot{ran: ran, intent: intent}
			return nil
		})
	}
	_ = g.Wait()

	var res Result
	for _, sl := range slots {
		if !sl.ran {
			continue
		}
		res.Ran = true
		if sl.intent != nil {
			res.Intents = append(res.Intents, sl.intent)
		}
	}
	sort.SliceStable(res.Intents, func(i, j int) bool {
		return res.Intents[i].Confidence > res.Intents[j].Confidence
	})
	return res
}

// try runs one processor. A processor that fails or panics counts as having
// run.
func (a *Arbitrator) try(ctx context.Context, p *Processor, s *Session) (ran bool, intent *IntentCommand) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("nlp: processor panicked", "plugin", p.Plugin,
				"panic", r, "stack", string(debug.Stack()))
			ran, intent = true, nil
		}
	}()
	if !a.Eligible(ctx, p, s) {
		return false, nil
	}
	intent, err := p.Handler(ctx, s)
	if err != nil {
		slog.Error("nlp: processor failed", "plugin", p.Plugin, "err", fmt.Errorf("processor: %w", err))
		return true, nil
	}
	return true, intent
}
