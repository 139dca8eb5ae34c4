package event

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

// ContextMode selects how ContextID groups events into conversations.
type ContextMode string

const (
	// ContextDefault gives every user in every chat its own conversation.
	ContextDefault ContextMode = "default"
	// ContextGroup shares one conversation among all users of a group or
	// discuss chat.
	ContextGroup ContextMode = "group"
	// ContextUser shares one conversation per user across all chats.
	ContextUser ContextMode = "user"
)

// ParseContextMode validates s. The empty string maps to ContextDefault.
func ParseContextMode(s string) (ContextMode, error) {
	switch ContextMode(s) {
	case "", ContextDefault:
		return ContextDefault, nil
	case ContextGroup, ContextUser:
		return ContextMode(s), nil
	}
	return "", fmt.Errorf("unknown context mode %q", s)
}

// ContextID returns the conversation key of ev under mode. When hash is true
// the key is replaced by its hex MD5 digest, which is handy for passing to
// third-party services.
func ContextID(ev *Event, mode ContextMode, hash bool) string {
	id := ""
	switch mode {
	case ContextGroup:
		switch {
		case ev.GroupID != "":
			id = "/group/" + ev.GroupID
		case ev.DiscussID != "":
			id = "/discuss/" + ev.DiscussID
		case ev.UserID != "":
			id = "/user/" + ev.UserID
		}
	case ContextUser:
		if ev.UserID != "" {
			id = "/user/" + ev.UserID
		}
	default:
		if ev.GroupID != "" {
			id = "/group/" + ev.GroupID
		} else if ev.DiscussID != "" {
			id = "/discuss/" + ev.DiscussID
		}
		if ev.UserID != "" {
			id += "/user/" + ev.UserID
		}
	}
	if hash {
		sum := md5.Sum([]byte(id))
		return hex.EncodeToString(sum[:])
	}
	return id
}
