// Package reply defines the outbound half of the transport contract and the
// delivery policy applied to it.
package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bdobrica/kotoba/common/retry"
	"github.com/bdobrica/kotoba/common/trace"
	"github.com/bdobrica/kotoba/internal/kotoba/event"
)

// Sender delivers a message to the conversation ev came from.
type Sender interface {
	Send(ctx context.Context, ev *event.Event, msg event.Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, ev *event.Event, msg event.Message) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, ev *event.Event, msg event.Message) error {
	return f(ctx, ev, msg)
}

// Responder answers request events (invites, join requests).
type Responder interface {
	Approve(ctx context.Context, ev *event.Event, remark string) error
	Reject(ctx context.Context, ev *event.Event, reason string) error
}

// TransportError wraps a failure reported by the chat backend.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err carries a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Guard applies the delivery policy: retries, then either swallows the final
// failure (logging it) or returns it.
type Guard struct {
	next    Sender
	retry   retry.Config
	swallow bool
}

// NewGuard wraps next. With swallow set, Send never returns a transport error.
func NewGuard(next Sender, cfg retry.Config, swallow bool) *Guard {
	return &Guard{next: next, retry: cfg, swallow: swallow}
}

// Send delivers msg, retrying transient failures. Empty messages are dropped.
func (g *Guard) Send(ctx context.Context, ev *event.Event, msg event.Message) error {
	if msg.IsEmpty() {
		return nil
	}
	err := retry.Do(ctx, g.retry, func() error {
		return g.next.Send(ctx, ev, msg)
	})
	if err == nil {
		return nil
	}
	if !IsTransportError(err) {
		err = &TransportError{Op: "send", Err: err}
	}
	if g.swallow {
		slog.Warn("reply: delivery failed", "trace_id", trace.FromContext(ctx),
			"conversation", event.ContextID(ev, event.ContextDefault, false), "err", err)
		return nil
	}
	return err
}

// Sent is one message captured by a Recorder.
type Sent struct {
	Event   *event.Event
	Message event.Message
}

// Recorder is an in-memory Sender. It backs the dry-run transport and tests.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
	// Err, when set, is returned by every Send after recording the attempt.
	Err error
}

// Send records msg.
func (r *Recorder) Send(_ context.Context, ev *event.Event, msg event.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{Event: ev, Message: msg.Clone()})
	return r.Err
}

// Messages returns the rendered text of every recorded message.
func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, s := range r.sent {
		out[i] = s.Message.String()
	}
	return out
}

// Last returns the most recent message text, or "".
func (r *Recorder) Last() string {
	msgs := r.Messages()
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

// Reset clears the recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
