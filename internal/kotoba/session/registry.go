// Package session keeps the live command session of each conversation.
//
// At most one session occupies a conversation key. The registry decides,
// under one mutex, whether an incoming message resumes that session, is told
// the conversation is busy, or starts a new one.
package session

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	// ErrBusy is returned by Begin and Replace while the key's session is
	// running.
	ErrBusy = errors.New("a session is running in this conversation")
	// ErrExpired is the cause given to sessions dropped after their expire
	// timeout.
	ErrExpired = errors.New("session expired")
	// ErrNoSession is returned by Begin when nothing is stored under the key
	// and create declined to start a session.
	ErrNoSession = errors.New("no session")
	// ErrReplaced is the cause given to a parked session displaced by
	// Replace.
	ErrReplaced = errors.New("session replaced")
	// ErrShutdown is the cause given to sessions killed by Clear.
	ErrShutdown = errors.New("session registry shut down")
)

// Entry is what the registry needs from a session.
type Entry interface {
	comparable
	Running() bool
	MarkRunning(now time.Time)
	MarkIdle(now time.Time)
	Valid(now time.Time) bool
	Kill(cause error)
}

// Registry maps conversation keys to sessions. It is safe for concurrent use.
type Registry[S Entry] struct {
	mu       sync.Mutex
	sessions map[string]S
	now      func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry[S Entry]() *Registry[S] {
	return &Registry[S]{sessions: make(map[string]S), now: time.Now}
}

// Begin claims the session stored under key, or a new one from create.
//
// A running session yields ErrBusy. A valid parked session is marked running
// and returned with resumed set. An expired one is killed and dropped, and
// create is consulted as if the key were empty. When create returns false,
// Begin returns ErrNoSession.
func (r *Registry[S]) Begin(key string, create func() (S, bool)) (s S, resumed bool, err error) {
	return r.beginAt(key, create, r.now())
}

// beginAt is the time-injectable core of Begin.
func (r *Registry[S]) beginAt(key string, create func() (S, bool), now time.Time) (S, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero S
	if existing, ok := r.sessions[key]; ok {
		switch {
		case existing.Running():
			return zero, false, ErrBusy
		case existing.Valid(now):
			existing.MarkRunning(now)
			return existing, true, nil
		default:
			slog.Debug("session: expired on access", "key", key)
			existing.Kill(ErrExpired)
			delete(r.sessions, key)
		}
	}

	if create == nil {
		return zero, false, ErrNoSession
	}
	s, ok := create()
	if !ok {
		return zero, false, ErrNoSession
	}
	s.MarkRunning(now)
	r.sessions[key] = s
	return s, false, nil
}

// Replace stores s under key, running. A parked occupant is killed. A
// running occupant yields ErrBusy unless it is owner, the session whose
// handler asked for the replacement: owner is then only displaced, and its
// own End or Suspend leaves s in place. Pass the zero S when no session is
// asking.
func (r *Registry[S]) Replace(key string, s, owner S) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[key]; ok && existing != s {
		switch {
		case existing == owner:
		case existing.Running():
			return ErrBusy
		default:
			existing.Kill(ErrReplaced)
		}
	}
	s.MarkRunning(r.now())
	r.sessions[key] = s
	return nil
}

// Suspend releases s after a segment that is waiting for input. It reports
// whether s still occupies key. A displaced session can never be resumed, so
// it is killed instead.
func (r *Registry[S]) Suspend(key string, s S) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.MarkIdle(r.now())
	if cur, ok := r.sessions[key]; !ok || cur != s {
		s.Kill(ErrReplaced)
		return false
	}
	return true
}

// End releases s and removes it if it still occupies key.
func (r *Registry[S]) End(key string, s S) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.MarkIdle(r.now())
	if cur, ok := r.sessions[key]; ok && cur == s {
		delete(r.sessions, key)
	}
}

// Get returns the session stored under key.
func (r *Registry[S]) Get(key string) (S, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Kill cancels and removes the session under key, even if it is running.
func (r *Registry[S]) Kill(key string, cause error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return false
	}
	s.Kill(cause)
	delete(r.sessions, key)
	return true
}

// Sweep drops every parked session that has expired at now and returns how
// many were removed.
func (r *Registry[S]) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key, s := range r.sessions {
		if s.Running() || s.Valid(now) {
			continue
		}
		s.Kill(ErrExpired)
		delete(r.sessions, key)
		n++
	}
	return n
}

// Clear kills every session.
func (r *Registry[S]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, s := range r.sessions {
		s.Kill(ErrShutdown)
		delete(r.sessions, key)
	}
}

// Len returns the number of stored sessions.
func (r *Registry[S]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Keys returns the occupied keys in sorted order.
func (r *Registry[S]) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
