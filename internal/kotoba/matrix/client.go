// Package matrix connects kotoba to a Matrix homeserver: it turns room
// events into kotoba events and delivers replies, with member roles taken
// from room power levels.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"maunium.net/go/mautrix"
	mevent "maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/kotoba/internal/kotoba/event"
	"github.com/bdobrica/kotoba/internal/kotoba/permission"
	"github.com/bdobrica/kotoba/internal/kotoba/reply"
)

// ErrNoRoom is returned when an outbound message cannot be tied to a room.
var ErrNoRoom = errors.New("matrix: event has no room")

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms are joined on Start. When OnlyRooms is set, events from any
	// other room are ignored.
	Rooms     []string
	OnlyRooms bool
	// DB persists the sync token across restarts. When nil an in-memory
	// store is used and history replays on every restart.
	DB *sql.DB
	// SendRate caps outbound events per second; zero means unlimited.
	SendRate  float64
	SendBurst int
}

// Handler receives converted events.
type Handler func(ctx context.Context, ev *event.Event)

// Client wraps the mautrix client. It implements reply.Sender,
// reply.Responder and permission.MemberResolver.
type Client struct {
	client  *mautrix.Client
	config  *Config
	conv    *converter
	limiter *rate.Limiter
	handler Handler

	rooms   map[string]bool
	members sync.Map // id.RoomID -> int

	stopCh   chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
}

var (
	_ reply.Sender              = (*Client)(nil)
	_ reply.Responder           = (*Client)(nil)
	_ permission.MemberResolver = (*Client)(nil)
)

// New creates a Matrix client. It does not contact the homeserver.
func New(config *Config) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}

	c := &Client{
		client: client,
		config: config,
		rooms:  make(map[string]bool, len(config.Rooms)),
		stopCh: make(chan struct{}),
	}
	for _, r := range config.Rooms {
		c.rooms[r] = true
	}
	c.conv = &converter{self: client.UserID, isGroup: c.isGroup}

	limit, burst := rate.Inf, config.SendBurst
	if config.SendRate > 0 {
		limit = rate.Limit(config.SendRate)
	}
	if burst < 1 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(limit, burst)

	if config.DB != nil {
		client.Store = NewDBSyncStore(config.DB)
		slog.Info("Matrix sync store: using persistent SQLite store")
	} else {
		slog.Warn("Matrix sync store: no DB configured, using in-memory store (history will replay on restart)")
	}
	return c, nil
}

// Start joins the configured rooms and begins syncing in the background.
func (c *Client) Start(ctx context.Context, handler Handler) error {
	c.handler = handler
	c.conv.since = time.Now()

	slog.Warn("Matrix E2EE is not enabled; messages are transmitted in plaintext")

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(mevent.EventMessage, c.handleMessage)
	syncer.OnEventType(mevent.StateMember, c.handleMember)

	for _, roomID := range c.config.Rooms {
		if err := c.joinRoom(ctx, id.RoomID(roomID)); err != nil {
			return fmt.Errorf("failed to join room %s: %w", roomID, err)
		}
	}

	syncCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	// Reconnect with exponential back-off; a transient homeserver error
	// must not leave the bot deaf.
	go func() {
		const (
			backoffMin = 2 * time.Second
			backoffMax = 5 * time.Minute
		)
		backoff := backoffMin
		for {
			err := c.client.SyncWithContext(syncCtx)
			if err == nil || syncCtx.Err() != nil {
				return
			}
			slog.Error("Matrix sync stopped; reconnecting", "err", err, "backoff", backoff)
			select {
			case <-c.stopCh:
				return
			case <-syncCtx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, backoffMax)
		}
	}()
	return nil
}

// Stop stops syncing. It is safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if c.cancel != nil {
			c.cancel()
		}
		c.client.StopSync()
	})
}

// UserID returns the bot's user ID.
func (c *Client) UserID() string {
	return c.client.UserID.String()
}

func (c *Client) accepts(roomID id.RoomID) bool {
	return !c.config.OnlyRooms || c.rooms[roomID.String()]
}

func (c *Client) handleMessage(ctx context.Context, evt *mevent.Event) {
	if !c.accepts(evt.RoomID) || c.handler == nil {
		return
	}
	if ev, ok := c.conv.message(ctx, evt); ok {
		c.handler(ctx, ev)
	}
}

func (c *Client) handleMember(ctx context.Context, evt *mevent.Event) {
	c.members.Delete(evt.RoomID)
	if c.handler == nil {
		return
	}
	ev, ok := c.conv.member(evt)
	if !ok {
		return
	}
	// Invites come from rooms the bot is not in yet.
	if ev.Kind != event.KindRequest && !c.accepts(evt.RoomID) {
		return
	}
	c.handler(ctx, ev)
}

// isGroup reports whether roomID has more than two joined members. Counts
// are cached until the next membership change in the room.
func (c *Client) isGroup(ctx context.Context, roomID id.RoomID) bool {
	if n, ok := c.members.Load(roomID); ok {
		return n.(int) > 2
	}
	resp, err := c.client.JoinedMembers(ctx, roomID)
	if err != nil {
		slog.Warn("matrix: failed to count room members", "room", roomID, "err", err)
		return true
	}
	c.members.Store(roomID, len(resp.Joined))
	return len(resp.Joined) > 2
}

// roomOf returns the room an outbound message for ev goes to.
func roomOf(ev *event.Event) (id.RoomID, error) {
	if ev.GroupID != "" {
		return id.RoomID(ev.GroupID), nil
	}
	if raw, ok := ev.Raw.(*mevent.Event); ok && raw.RoomID != "" {
		return raw.RoomID, nil
	}
	return "", ErrNoRoom
}

// Send implements reply.Sender.
func (c *Client) Send(ctx context.Context, ev *event.Event, msg event.Message) error {
	roomID, err := roomOf(ev)
	if err != nil {
		return &reply.TransportError{Op: "send", Err: err}
	}
	content, images := render(msg)
	for _, url := range images {
		img := &mevent.MessageEventContent{MsgType: mevent.MsgImage, Body: "image", URL: url}
		if err := c.sendEvent(ctx, roomID, img); err != nil {
			return &reply.TransportError{Op: "send image", Err: err}
		}
	}
	if content == nil {
		return nil
	}
	if err := c.sendEvent(ctx, roomID, content); err != nil {
		return &reply.TransportError{Op: "send", Err: err}
	}
	return nil
}

// SendNotice posts an m.notice to roomID. It implements audit.Sender.
func (c *Client) SendNotice(ctx context.Context, roomID, message string) error {
	content := &mevent.MessageEventContent{MsgType: mevent.MsgNotice, Body: message}
	if err := c.sendEvent(ctx, id.RoomID(roomID), content); err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}

func (c *Client) sendEvent(ctx context.Context, roomID id.RoomID, content *mevent.MessageEventContent) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.client.SendMessageEvent(ctx, roomID, mevent.EventMessage, content)
	return err
}

// Approve implements reply.Responder: the bot joins the inviting room.
func (c *Client) Approve(ctx context.Context, ev *event.Event, _ string) error {
	if ev.GroupID == "" {
		return &reply.TransportError{Op: "approve", Err: ErrNoRoom}
	}
	if err := c.joinRoom(ctx, id.RoomID(ev.GroupID)); err != nil {
		return &reply.TransportError{Op: "approve", Err: err}
	}
	return nil
}

// Reject implements reply.Responder: the bot declines the invite.
func (c *Client) Reject(ctx context.Context, ev *event.Event, reason string) error {
	if ev.GroupID == "" {
		return &reply.TransportError{Op: "reject", Err: ErrNoRoom}
	}
	_, err := c.client.LeaveRoom(ctx, id.RoomID(ev.GroupID), &mautrix.ReqLeave{Reason: reason})
	if err != nil {
		return &reply.TransportError{Op: "reject", Err: err}
	}
	return nil
}

// Member implements permission.MemberResolver from the room's power levels.
func (c *Client) Member(ctx context.Context, ev *event.Event) (*permission.Member, error) {
	if ev.GroupID == "" {
		return nil, nil
	}
	var pl mevent.PowerLevelsEventContent
	err := c.client.StateEvent(ctx, id.RoomID(ev.GroupID), mevent.StatePowerLevels, "", &pl)
	if err != nil {
		return nil, fmt.Errorf("matrix: load power levels: %w", err)
	}
	return &permission.Member{
		UserID:   ev.UserID,
		Nickname: ev.Sender.Nickname,
		Role:     roleFor(pl.GetUserLevel(id.UserID(ev.UserID))),
	}, nil
}

// Power level thresholds of the default Matrix room presets.
const (
	levelOwner = 100
	levelAdmin = 50
)

func roleFor(level int) string {
	switch {
	case level >= levelOwner:
		return event.RoleOwner
	case level >= levelAdmin:
		return event.RoleAdmin
	}
	return event.RoleMember
}

func (c *Client) joinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.client.JoinRoomByID(ctx, roomID)
	if err != nil {
		// M_FORBIDDEN also covers "already a member".
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("joinRoom: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}
