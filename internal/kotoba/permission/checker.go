package permission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/kotoba/internal/kotoba/event"
)

// MemberResolver looks up the sender's role in a group chat. The Matrix
// adapter implements it from room power levels.
type MemberResolver interface {
	Member(ctx context.Context, ev *event.Event) (*Member, error)
}

// DefaultMemberTTL bounds how long a resolved member record is reused.
const DefaultMemberTTL = 2 * time.Minute

type cachedMember struct {
	member  *Member
	expires time.Time
}

// Checker builds SenderRoles snapshots and evaluates policies against them.
// It is safe for concurrent use.
type Checker struct {
	mu         sync.RWMutex
	superusers []string
	resolver   MemberResolver
	ttl        time.Duration
	cache      map[string]cachedMember
	now        func() time.Time
}

// NewChecker returns a Checker. resolver may be nil, in which case group roles
// come from ev.Sender.Role.
func NewChecker(superusers []string, resolver MemberResolver) *Checker {
	return &Checker{
		superusers: append([]string(nil), superusers...),
		resolver:   resolver,
		ttl:        DefaultMemberTTL,
		cache:      make(map[string]cachedMember),
		now:        time.Now,
	}
}

// SetSuperusers replaces the superuser list.
func (c *Checker) SetSuperusers(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.superusers = append([]string(nil), ids...)
}

// Superusers returns a copy of the superuser list.
func (c *Checker) Superusers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.superusers...)
}

// Roles builds the snapshot for ev.
func (c *Checker) Roles(ctx context.Context, ev *event.Event) *SenderRoles {
	var member *Member
	if ev.ChatType == event.ChatGroup {
		member = c.member(ctx, ev)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return NewSenderRoles(ev, member, c.superusers)
}

// Check evaluates p for ev. A nil policy passes.
func (c *Checker) Check(ctx context.Context, ev *event.Event, p Policy) bool {
	if p == nil {
		return true
	}
	return p.Evaluate(ctx, c.Roles(ctx, ev))
}

func (c *Checker) member(ctx context.Context, ev *event.Event) *Member {
	fallback := &Member{UserID: ev.UserID, Nickname: ev.Sender.Nickname, Role: ev.Sender.Role}
	if c.resolver == nil {
		return fallback
	}

	key := ev.SelfID + "|" + ev.GroupID + "|" + ev.UserID
	now := c.now()
	c.mu.RLock()
	cached, ok := c.cache[key]
	c.mu.RUnlock()
	if ok && now.Before(cached.expires) {
		return cached.member
	}

	m, err := c.resolver.Member(ctx, ev)
	if err != nil {
		slog.Debug("permission: member lookup failed, using event role",
			"group", ev.GroupID, "user", ev.UserID, "err", err)
		return fallback
	}

	c.mu.Lock()
	c.cache[key] = cachedMember{member: m, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return m
}
