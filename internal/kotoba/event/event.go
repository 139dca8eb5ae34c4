// Package event defines the inbound event model shared by the transport
// adapters and the dispatch engine.
//
// An Event is a transport-neutral snapshot: the Matrix adapter (or a test)
// fills it in, the dispatcher reads it, and handlers receive it through their
// session. Chat-platform specifics are reduced to the identity fields and the
// Sender role strings that permission policies inspect.
package event

import (
	"strings"
	"time"
)

// Kind is the top-level event category.
type Kind string

const (
	KindMessage Kind = "message"
	KindNotice  Kind = "notice"
	KindRequest Kind = "request"
)

// ChatType says where a message was posted.
type ChatType string

const (
	ChatPrivate ChatType = "private"
	ChatGroup   ChatType = "group"
	ChatDiscuss ChatType = "discuss"
)

// Private chat sub types.
const (
	SubTypeFriend  = "friend"
	SubTypeGroup   = "group"
	SubTypeDiscuss = "discuss"
	SubTypeOther   = "other"
)

// Member roles reported in Sender.Role.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Sender describes the author of an event as reported by the transport.
type Sender struct {
	UserID    string
	Nickname  string
	Role      string
	Anonymous bool
}

// Event is one inbound occurrence from the chat backend.
type Event struct {
	ID       string
	Kind     Kind
	ChatType ChatType
	// Detail is the notice or request type (e.g. "member_increase",
	// "invite"). Empty for messages.
	Detail string
	// SubType refines ChatType for private messages, or Detail for notices
	// and requests.
	SubType string

	SelfID    string
	UserID    string
	GroupID   string
	DiscussID string

	Sender  Sender
	Message Message
	// ToMe is true when the message is addressed to the bot: a private
	// chat, a mention, or a leading nickname.
	ToMe bool
	Time time.Time

	// Raw is the transport-specific payload the event was built from.
	Raw any
}

// Name returns the dotted bus name of the event, e.g.
// "notice.member_increase.invite" or "message.group".
func (e *Event) Name() string {
	parts := []string{string(e.Kind)}
	switch e.Kind {
	case KindMessage:
		if e.ChatType != "" {
			parts = append(parts, string(e.ChatType))
		}
	default:
		if e.Detail != "" {
			parts = append(parts, e.Detail)
		}
	}
	if e.SubType != "" {
		parts = append(parts, e.SubType)
	}
	return strings.Join(parts, ".")
}

// Clone returns a copy of e whose Message can be modified without affecting
// the original.
func (e *Event) Clone() *Event {
	c := *e
	c.Message = e.Message.Clone()
	return &c
}
