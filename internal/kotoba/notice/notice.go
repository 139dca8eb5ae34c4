// Package notice delivers notice and request events (members joining,
// invites, friend requests) to the handlers plugins subscribe.
package notice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/kotoba/internal/kotoba/commands"
	"github.com/bdobrica/kotoba/internal/kotoba/event"
	"github.com/bdobrica/kotoba/internal/kotoba/reply"
)

var (
	// ErrNotRequest is returned by Approve and Reject on a notice.
	ErrNotRequest = errors.New("notice: event is not a request")
	// ErrInvalidHandler is returned by Register for a handler without a
	// function.
	ErrInvalidHandler = errors.New("notice: handler has no function")
)

// Session wraps a notice or request event.
type Session struct {
	Event *event.Event

	sender    reply.Sender
	responder reply.Responder
}

// NewSession builds a session. responder may be nil for notices.
func NewSession(ev *event.Event, sender reply.Sender, responder reply.Responder) *Session {
	return &Session{Event: ev, sender: sender, responder: responder}
}

// Send replies to the conversation the event came from.
func (s *Session) Send(ctx context.Context, msg event.Message) error {
	if s.sender == nil {
		return nil
	}
	return s.sender.Send(ctx, s.Event, msg)
}

// SendText is Send with a plain text message.
func (s *Session) SendText(ctx context.Context, text string) error {
	return s.Send(ctx, event.TextMessage(text))
}

// Approve accepts the request.
func (s *Session) Approve(ctx context.Context, remark string) error {
	if s.Event.Kind != event.KindRequest || s.responder == nil {
		return ErrNotRequest
	}
	return s.responder.Approve(ctx, s.Event, remark)
}

// Reject declines the request.
func (s *Session) Reject(ctx context.Context, reason string) error {
	if s.Event.Kind != event.KindRequest || s.responder == nil {
		return ErrNotRequest
	}
	return s.responder.Reject(ctx, s.Event, reason)
}

// HandlerFunc handles one event.
type HandlerFunc func(ctx context.Context, s *Session) error

// Handler subscribes Func to dotted event names. A name also matches every
// more specific event: "notice.member_increase" sees
// "notice.member_increase.invite".
type Handler struct {
	Events []string
	Func   HandlerFunc
	Plugin string
}

// OnNotice subscribes fn to the given notice types, or to every notice when
// none are given.
func OnNotice(fn HandlerFunc, types ...string) *Handler {
	return &Handler{Events: qualify(event.KindNotice, types), Func: fn}
}

// OnRequest subscribes fn to the given request types, or to every request.
func OnRequest(fn HandlerFunc, types ...string) *Handler {
	return &Handler{Events: qualify(event.KindRequest, types), Func: fn}
}

func qualify(kind event.Kind, types []string) []string {
	if len(types) == 0 {
		return []string{string(kind)}
	}
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(kind) + "." + t
	}
	return out
}

// Bus routes events to handlers. It is safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	handlers []*Handler
	switches map[*Handler]bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{switches: make(map[*Handler]bool)}
}

// Register subscribes h. Registering it twice is a no-op.
func (b *Bus) Register(h *Handler) error {
	if h == nil || h.Func == nil {
		return ErrInvalidHandler
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.switches[h]; ok {
		return nil
	}
	b.handlers = append(b.handlers, h)
	b.switches[h] = true
	return nil
}

// Unregister removes h and reports whether it was subscribed.
func (b *Bus) Unregister(h *Handler) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.switches[h]; !ok {
		return false
	}
	delete(b.switches, h)
	kept := b.handlers[:0]
	for _, x := range b.handlers {
		if x != h {
			kept = append(kept, x)
		}
	}
	b.handlers = kept
	return true
}

// SetEnabled changes h's switch. It reports false when h is not subscribed.
func (b *Bus) SetEnabled(h *Handler, t commands.Toggle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.switches[h]
	if !ok {
		return false
	}
	switch t {
	case commands.On:
		b.switches[h] = true
	case commands.Off:
		b.switches[h] = false
	default:
		b.switches[h] = !cur
	}
	return true
}

// Len returns the number of subscribed handlers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// Subscribers returns the enabled handlers matching name, each once, in
// subscription order.
func (b *Bus) Subscribers(name string) []*Handler {
	prefixes := Prefixes(name)
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*Handler
	for _, h := range b.handlers {
		if !b.switches[h] {
			continue
		}
		if matchesAny(h.Events, prefixes) {
			out = append(out, h)
		}
	}
	return out
}

func matchesAny(events, prefixes []string) bool {
	for _, e := range events {
		for _, p := range prefixes {
			if e == p {
				return true
			}
		}
	}
	return false
}

// Prefixes lists name and each of its dotted parents, most specific first.
func Prefixes(name string) []string {
	var out []string
	for name != "" {
		out = append(out, name)
		i := strings.LastIndex(name, ".")
		if i < 0 {
			break
		}
		name = name[:i]
	}
	return out
}

// Emit runs the subscribers of name concurrently and returns their joined
// errors. A panicking handler is reported as an error.
func (b *Bus) Emit(ctx context.Context, name string, s *Session) error {
	subs := b.Subscribers(name)
	if len(subs) == 0 {
		return nil
	}
	slog.Debug("notice: emitting", "event", name, "handlers", len(subs))

	errs := make([]error, len(subs))
	var g errgroup.Group
	for i, h := range subs {
		g.Go(func() error {
			errs[i] = call(ctx, h, s)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func call(ctx context.Context, h *Handler, s *Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("notice: handler panicked", "plugin", h.Plugin, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("notice handler panicked: %v", r)
		}
	}()
	if err := h.Func(ctx, s); err != nil {
		return fmt.Errorf("notice handler (plugin %q): %w", h.Plugin, err)
	}
	return nil
}
