package builtin

import (
	"context"
	"log/slog"
	"slices"

	"github.com/bdobrica/kotoba/internal/kotoba/audit"
	"github.com/bdobrica/kotoba/internal/kotoba/event"
	"github.com/bdobrica/kotoba/internal/kotoba/expression"
	"github.com/bdobrica/kotoba/internal/kotoba/notice"
	"github.com/bdobrica/kotoba/internal/kotoba/plugin"
)

// Request and notice types handled here. They match the names the Matrix
// adapter produces.
const (
	requestGroupInvite   = "group.invite"
	noticeMemberIncrease = "member_increase"
)

const rejectReason = "Only operators can invite this bot."

func eventsPlugin(deps *Deps) *plugin.Plugin {
	return &plugin.Plugin{
		Name: "events",
		EventHandlers: []*notice.Handler{
			notice.OnRequest(invite(deps), requestGroupInvite),
			notice.OnNotice(welcome(deps), noticeMemberIncrease),
		},
	}
}

// invite joins rooms superusers invite the bot to and declines the rest.
func invite(deps *Deps) notice.HandlerFunc {
	return func(ctx context.Context, s *notice.Session) error {
		ev := s.Event
		if slices.Contains(deps.Runtime.Checker.Superusers(), ev.UserID) {
			slog.Info("builtin: accepting invite", "room", ev.GroupID, "inviter", ev.UserID)
			return s.Approve(ctx, "")
		}
		slog.Warn("builtin: declining invite", "room", ev.GroupID, "inviter", ev.UserID)
		deps.notify(ctx, audit.Event{
			Kind:    audit.KindError,
			Actor:   ev.UserID,
			Target:  ev.GroupID,
			Message: "declined room invite",
		})
		return s.Reject(ctx, rejectReason)
	}
}

func welcome(deps *Deps) notice.HandlerFunc {
	return func(ctx context.Context, s *notice.Session) error {
		if deps.Welcome == nil {
			return nil
		}
		text := expression.Render(deps.Welcome, s.Event.UserID)
		if text == "" {
			return nil
		}
		return s.Send(ctx, event.Message{event.At(s.Event.UserID), event.Text(" " + text)})
	}
}
