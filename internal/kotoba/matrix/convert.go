package matrix

import (
	"context"
	"html"
	"regexp"
	"strings"
	"time"

	mevent "maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/kotoba/internal/kotoba/event"
)

// Notice and request details produced from membership changes.
const (
	NoticeMemberIncrease = "member_increase"
	NoticeMemberDecrease = "member_decrease"
	RequestGroup         = "group"

	SubTypeApprove = "approve"
	SubTypeInvite  = "invite"
	SubTypeLeave   = "leave"
	SubTypeKick    = "kick"
	SubTypeKickMe  = "kick_me"
)

// converter maps mautrix events to kotoba events.
type converter struct {
	self id.UserID
	// isGroup reports whether a room has more than two members.
	isGroup func(ctx context.Context, roomID id.RoomID) bool
	// since drops events sent before the client started.
	since time.Time
}

func (c *converter) old(evt *mevent.Event) bool {
	return !c.since.IsZero() && time.UnixMilli(evt.Timestamp).Before(c.since)
}

// message converts an m.room.message event. ok is false for events the bot
// must not react to: its own messages, edits, notices from other bots and
// unsupported message types.
func (c *converter) message(ctx context.Context, evt *mevent.Event) (*event.Event, bool) {
	if evt.Sender == c.self || c.old(evt) {
		return nil, false
	}
	content := evt.Content.AsMessage()
	if content.RelatesTo != nil && content.RelatesTo.Type == mevent.RelReplace {
		return nil, false
	}

	var msg event.Message
	switch content.MsgType {
	case mevent.MsgText, mevent.MsgEmote:
		msg = c.parseBody(content)
	case mevent.MsgImage:
		if content.URL == "" {
			return nil, false
		}
		msg = event.Message{event.Image(string(content.URL))}
	default:
		return nil, false
	}

	ev := &event.Event{
		ID:      evt.ID.String(),
		Kind:    event.KindMessage,
		SelfID:  c.self.String(),
		UserID:  evt.Sender.String(),
		Sender:  event.Sender{UserID: evt.Sender.String()},
		Message: msg,
		Time:    time.UnixMilli(evt.Timestamp),
		Raw:     evt,
	}
	if c.isGroup(ctx, evt.RoomID) {
		ev.ChatType = event.ChatGroup
		ev.GroupID = evt.RoomID.String()
	} else {
		ev.ChatType = event.ChatPrivate
		ev.SubType = event.SubTypeFriend
	}
	return ev, true
}

var pillPattern = regexp.MustCompile(`^<a href="https://matrix\.to/#/([^"]+)">([^<]*)</a>`)

// parseBody turns a text body into segments. A leading mention of the bot,
// written as its user ID, its localpart or a pill, becomes an at segment.
func (c *converter) parseBody(content *mevent.MessageEventContent) event.Message {
	body := content.Body
	self := c.self.String()
	localpart, _, _ := strings.Cut(strings.TrimPrefix(self, "@"), ":")

	prefix := ""
	switch {
	case strings.HasPrefix(body, self):
		prefix = self
	case content.Format == mevent.FormatHTML:
		if m := pillPattern.FindStringSubmatch(content.FormattedBody); m != nil && m[1] == self {
			name := html.UnescapeString(m[2])
			if name != "" && strings.HasPrefix(body, name) {
				prefix = name
			}
		}
	}
	if prefix == "" && localpart != "" {
		for _, p := range []string{localpart + ":", localpart + ","} {
			if len(body) >= len(p) && strings.EqualFold(body[:len(p)], p) {
				prefix = body[:len(localpart)]
				break
			}
		}
	}
	if prefix == "" {
		return event.TextMessage(body)
	}

	rest := strings.TrimPrefix(body, prefix)
	rest = strings.TrimLeft(rest, ":,")
	return event.Message{event.At(self), event.Text(rest)}
}

// member converts an m.room.member state event into a notice or request.
func (c *converter) member(evt *mevent.Event) (*event.Event, bool) {
	content := evt.Content.AsMember()
	target := id.UserID(evt.GetStateKey())
	prev := prevMembership(evt)

	ev := &event.Event{
		ID:      evt.ID.String(),
		SelfID:  c.self.String(),
		UserID:  target.String(),
		GroupID: evt.RoomID.String(),
		Sender:  event.Sender{UserID: evt.Sender.String()},
		Time:    time.UnixMilli(evt.Timestamp),
		Raw:     evt,
	}

	switch content.Membership {
	case mevent.MembershipInvite:
		if target != c.self {
			return nil, false
		}
		// The inviter is who the request comes from.
		ev.Kind = event.KindRequest
		ev.Detail = RequestGroup
		ev.SubType = SubTypeInvite
		ev.UserID = evt.Sender.String()
		if content.Reason != "" {
			ev.Message = event.TextMessage(content.Reason)
		}
		return ev, true

	case mevent.MembershipJoin:
		if c.old(evt) || prev == mevent.MembershipJoin || target == c.self {
			return nil, false
		}
		ev.Kind = event.KindNotice
		ev.Detail = NoticeMemberIncrease
		ev.SubType = SubTypeApprove
		if prev == mevent.MembershipInvite {
			ev.SubType = SubTypeInvite
		}
		return ev, true

	case mevent.MembershipLeave, mevent.MembershipBan:
		if c.old(evt) || prev != mevent.MembershipJoin {
			return nil, false
		}
		ev.Kind = event.KindNotice
		ev.Detail = NoticeMemberDecrease
		switch {
		case target == c.self:
			ev.SubType = SubTypeKickMe
		case evt.Sender == target:
			ev.SubType = SubTypeLeave
		default:
			ev.SubType = SubTypeKick
		}
		return ev, true
	}
	return nil, false
}

func prevMembership(evt *mevent.Event) mevent.Membership {
	if evt.Unsigned.PrevContent == nil {
		return ""
	}
	return evt.Unsigned.PrevContent.AsMember().Membership
}

// render builds the Matrix content for msg. Mentions become pills; image
// segments are returned separately because each needs its own event.
func render(msg event.Message) (*mevent.MessageEventContent, []id.ContentURIString) {
	var (
		body      strings.Builder
		formatted strings.Builder
		mentions  []id.UserID
		images    []id.ContentURIString
	)
	for _, seg := range msg {
		switch seg.Type {
		case event.SegmentText:
			text := seg.Data["text"]
			body.WriteString(text)
			formatted.WriteString(strings.ReplaceAll(html.EscapeString(text), "\n", "<br>"))
		case event.SegmentAt:
			uid := seg.Data["user_id"]
			body.WriteString(uid)
			formatted.WriteString(`<a href="https://matrix.to/#/` + html.EscapeString(uid) + `">` +
				html.EscapeString(uid) + `</a>`)
			mentions = append(mentions, id.UserID(uid))
		case event.SegmentImage:
			images = append(images, id.ContentURIString(seg.Data["url"]))
		default:
			s := seg.String()
			body.WriteString(s)
			formatted.WriteString(html.EscapeString(s))
		}
	}

	if body.Len() == 0 {
		return nil, images
	}
	content := &mevent.MessageEventContent{
		MsgType: mevent.MsgText,
		Body:    body.String(),
	}
	if len(mentions) > 0 {
		content.Format = mevent.FormatHTML
		content.FormattedBody = formatted.String()
		content.Mentions = &mevent.Mentions{UserIDs: mentions}
	}
	return content, images
}
