// Package nlp turns free-form messages into command invocations.
//
// Plugins register Processors. When a message is not a command, every
// eligible processor inspects it and may return an IntentCommand with a
// confidence score; the most confident intent above DefaultIntentThreshold is
// run as a command.
package nlp

import (
	"context"
	"errors"
	"sync"

	"github.com/bdobrica/kotoba/internal/kotoba/commands"
	"github.com/bdobrica/kotoba/internal/kotoba/event"
	"github.com/bdobrica/kotoba/internal/kotoba/permission"
	"github.com/bdobrica/kotoba/internal/kotoba/reply"
)

// ErrInvalidProcessor is returned by Register for a processor without a
// handler.
var ErrInvalidProcessor = errors.New("nlp: processor has no handler")

// IntentCommand is a processor's guess at the command the user meant.
type IntentCommand struct {
	Confidence float64
	Name       commands.Name
	Args       map[string]any
	CurrentArg string
}

// Session is the message as a processor sees it.
type Session struct {
	Event *event.Event
	// Msg is the rendered message, MsgText its plain-text part.
	Msg       string
	MsgText   string
	MsgImages []string

	sender reply.Sender
}

// NewSession builds the processor view of ev.
func NewSession(ev *event.Event, sender reply.Sender) *Session {
	return &Session{
		Event:     ev,
		Msg:       ev.Message.String(),
		MsgText:   ev.Message.ExtractPlainText(),
		MsgImages: ev.Message.ImageURLs(),
		sender:    sender,
	}
}

// Send replies to the conversation.
func (s *Session) Send(ctx context.Context, msg event.Message) error {
	if s.sender == nil {
		return nil
	}
	return s.sender.Send(ctx, s.Event, msg)
}

// Handler inspects a message. Returning a nil intent means no opinion.
type Handler func(ctx context.Context, s *Session) (*IntentCommand, error)

// Processor is a registered natural-language handler.
type Processor struct {
	Keywords []string
	// Permission defaults to permission.Everybody when nil.
	Permission        permission.Policy
	OnlyToMe          bool
	OnlyShortMessage  bool
	AllowEmptyMessage bool
	Handler           Handler
	Plugin            string
}

// Option configures a Processor built with NewProcessor.
type Option func(*Processor)

// NewProcessor builds a processor that only sees short, non-empty messages
// addressed to the bot unless options say otherwise.
func NewProcessor(h Handler, opts ...Option) *Processor {
	p := &Processor{Handler: h, OnlyToMe: true, OnlyShortMessage: true}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func WithKeywords(keywords ...string) Option {
	return func(p *Processor) { p.Keywords = append(p.Keywords, keywords...) }
}

func WithPermission(policy permission.Policy) Option {
	return func(p *Processor) { p.Permission = policy }
}

func WithOnlyToMe(v bool) Option {
	return func(p *Processor) { p.OnlyToMe = v }
}

func WithOnlyShortMessage(v bool) Option {
	return func(p *Processor) { p.OnlyShortMessage = v }
}

func WithAllowEmptyMessage(v bool) Option {
	return func(p *Processor) { p.AllowEmptyMessage = v }
}

func WithPlugin(path string) Option {
	return func(p *Processor) { p.Plugin = path }
}

// Registry holds the processors in registration order with their global
// switches. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	procs    []*Processor
	switches map[*Processor]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{switches: make(map[*Processor]bool)}
}

// Register adds p. Registering the same processor twice is a no-op.
func (r *Registry) Register(p *Processor) error {
	if p == nil || p.Handler == nil {
		return ErrInvalidProcessor
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.switches[p]; ok {
		return nil
	}
	r.procs = append(r.procs, p)
	r.switches[p] = true
	return nil
}

// Unregister removes p and reports whether it was registered.
func (r *Registry) Unregister(p *Processor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.switches[p]; !ok {
		return false
	}
	delete(r.switches, p)
	kept := r.procs[:0]
	for _, q := range r.procs {
		if q != p {
			kept = append(kept, q)
		}
	}
	r.procs = kept
	return true
}

// SetEnabled changes p's global switch. It reports false when p is not
// registered.
func (r *Registry) SetEnabled(p *Processor, t commands.Toggle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.switches[p]
	if !ok {
		return false
	}
	r.switches[p] = toggle(t, cur)
	return true
}

// Processors returns the enabled processors in registration order.
func (r *Registry) Processors() []*Processor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return enabledIn(r.procs, r.switches)
}

// Len returns the number of registered processors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.procs)
}

// View returns a per-message copy of the switches.
func (r *Registry) View() *View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sw := make(map[*Processor]bool, len(r.switches))
	for p, on := range r.switches {
		sw[p] = on
	}
	return &View{procs: append([]*Processor(nil), r.procs...), switches: sw}
}

// View is a copy of the processor switches scoped to one message.
type View struct {
	mu       sync.Mutex
	procs    []*Processor
	switches map[*Processor]bool
}

// SetEnabled changes p's switch for this message only.
func (v *View) SetEnabled(p *Processor, t commands.Toggle) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	cur, ok := v.switches[p]
	if !ok {
		return false
	}
	v.switches[p] = toggle(t, cur)
	return true
}

// Processors returns the processors enabled in this view.
func (v *View) Processors() []*Processor {
	v.mu.Lock()
	defer v.mu.Unlock()
	return enabledIn(v.procs, v.switches)
}

func enabledIn(procs []*Processor, switches map[*Processor]bool) []*Processor {
	out := make([]*Processor, 0, len(procs))
	for _, p := range procs {
		if switches[p] {
			out = append(out, p)
		}
	}
	return out
}

func toggle(t commands.Toggle, cur bool) bool {
	switch t {
	case commands.On:
		return true
	case commands.Off:
		return false
	}
	return !cur
}
