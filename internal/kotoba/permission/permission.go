// Package permission evaluates who may trigger a command or natural-language
// processor.
//
// A Policy is a predicate over a SenderRoles snapshot. Synchronous predicates
// are plain Func values; predicates that need I/O implement Policy directly or
// use ContextFunc. Aggregate combines several policies with AND/OR semantics,
// evaluating synchronous ones first and stopping as soon as the result is
// known.
package permission

import (
	"context"
	"slices"

	"github.com/bdobrica/kotoba/internal/kotoba/event"
)

// Member is the sender's membership record in a group chat.
type Member struct {
	UserID   string
	Nickname string
	Role     string
}

// SenderRoles is the snapshot a Policy inspects.
type SenderRoles struct {
	Event *event.Event
	// Member is only set for group messages, and only when the role could
	// be resolved.
	Member     *Member
	superusers map[string]struct{}
}

// NewSenderRoles builds a snapshot for ev. Most callers go through
// Checker.Roles, which also resolves Member.
func NewSenderRoles(ev *event.Event, member *Member, superusers []string) *SenderRoles {
	set := make(map[string]struct{}, len(superusers))
	for _, u := range superusers {
		set[u] = struct{}{}
	}
	return &SenderRoles{Event: ev, Member: member, superusers: set}
}

// IsSuperuser reports whether the sender is a configured superuser.
func (s *SenderRoles) IsSuperuser() bool {
	_, ok := s.superusers[s.Event.UserID]
	return ok
}

func (s *SenderRoles) IsGroupchat() bool { return s.Event.ChatType == event.ChatGroup }

func (s *SenderRoles) IsAnonymous() bool { return s.IsGroupchat() && s.Event.Sender.Anonymous }

func (s *SenderRoles) IsAdmin() bool { return s.Member != nil && s.Member.Role == event.RoleAdmin }

func (s *SenderRoles) IsOwner() bool { return s.Member != nil && s.Member.Role == event.RoleOwner }

func (s *SenderRoles) IsPrivatechat() bool { return s.Event.ChatType == event.ChatPrivate }

func (s *SenderRoles) IsPrivateFriend() bool {
	return s.IsPrivatechat() && s.Event.SubType == event.SubTypeFriend
}

func (s *SenderRoles) IsPrivateGroup() bool {
	return s.IsPrivatechat() && s.Event.SubType == event.SubTypeGroup
}

func (s *SenderRoles) IsPrivateDiscuss() bool {
	return s.IsPrivatechat() && s.Event.SubType == event.SubTypeDiscuss
}

func (s *SenderRoles) IsDiscusschat() bool { return s.Event.ChatType == event.ChatDiscuss }

// FromGroup reports whether the event was posted in one of groupIDs.
func (s *SenderRoles) FromGroup(groupIDs ...string) bool {
	return s.Event.GroupID != "" && slices.Contains(groupIDs, s.Event.GroupID)
}

// SentBy reports whether the sender is one of userIDs.
func (s *SenderRoles) SentBy(userIDs ...string) bool {
	return slices.Contains(userIDs, s.Event.UserID)
}

// Policy decides whether the sender may proceed.
type Policy interface {
	Evaluate(ctx context.Context, s *SenderRoles) bool
}

// Func is a synchronous policy.
type Func func(s *SenderRoles) bool

// Evaluate calls f.
func (f Func) Evaluate(_ context.Context, s *SenderRoles) bool { return f(s) }

// And returns a policy satisfied when both f and other are.
func (f Func) And(other Func) Func {
	return func(s *SenderRoles) bool { return f(s) && other(s) }
}

// Or returns a policy satisfied when f or other is.
func (f Func) Or(other Func) Func {
	return func(s *SenderRoles) bool { return f(s) || other(s) }
}

// ContextFunc is a policy that may block on I/O. It should honour ctx.
type ContextFunc func(ctx context.Context, s *SenderRoles) bool

// Evaluate calls f.
func (f ContextFunc) Evaluate(ctx context.Context, s *SenderRoles) bool { return f(ctx, s) }

// Combinator selects how Aggregate joins its policies.
type Combinator int

const (
	// All requires every policy to pass (AND).
	All Combinator = iota
	// Any requires at least one policy to pass (OR).
	Any
)

// Aggregate joins policies with c. Synchronous policies (Func) are evaluated
// first and short-circuit; the rest are evaluated in order only if the result
// is still open. When every policy is synchronous the result is a Func.
//
// With no policies, All yields a policy that always passes and Any one that
// never does.
func Aggregate(policies []Policy, c Combinator) Policy {
	var syncs []Func
	var asyncs []Policy
	for _, p := range policies {
		switch f := p.(type) {
		case Func:
			syncs = append(syncs, f)
		case nil:
			continue
		default:
			asyncs = append(asyncs, p)
		}
	}

	decided := func(v bool) bool {
		if c == Any {
			return v
		}
		return !v
	}

	checkSync := func(s *SenderRoles) (result bool, done bool) {
		for _, f := range syncs {
			if v := f(s); decided(v) {
				return v, true
			}
		}
		return c == All, false
	}

	if len(asyncs) == 0 {
		return Func(func(s *SenderRoles) bool {
			v, _ := checkSync(s)
			return v
		})
	}

	return ContextFunc(func(ctx context.Context, s *SenderRoles) bool {
		if v, done := checkSync(s); done {
			return v
		}
		for _, p := range asyncs {
			if v := p.Evaluate(ctx, s); decided(v) {
				return v
			}
		}
		return c == All
	})
}
