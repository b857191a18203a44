// Package gateway is the Session Gateway (SG): the persistent-connection
// endpoint. It binds a connection to (principal, room), pumps Event Bus
// traffic to the socket, enforces per-connection health, and drives cleanup
// on disconnect.
package gateway

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/studyrooms/backend/internal/apperr"
	"github.com/studyrooms/backend/internal/applog"
	"github.com/studyrooms/backend/internal/bus"
	"github.com/studyrooms/backend/internal/connguard"
	"github.com/studyrooms/backend/internal/contextkey"
	"github.com/studyrooms/backend/internal/identity"
	"github.com/studyrooms/backend/internal/identitystore"
	"github.com/studyrooms/backend/internal/journal"
	"github.com/studyrooms/backend/internal/ratelimit"
	"github.com/studyrooms/backend/internal/rooms"
)

// State is a connection's position in the Handshaking -> Bound -> Alive ->
// Closing -> Closed state machine.
type State int32

const (
	StateHandshaking State = iota
	StateBound
	StateAlive
	StateClosing
	StateClosed
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// Admission is the system-wide admission queue's gateway-facing surface:
// releasing a slot (and promoting the next waiter) when a membership tears
// down. *connguard.AdmissionQueue satisfies this.
type Admission interface {
	Release(ctx context.Context, principalID string) error
	Promote(ctx context.Context) (string, error)
}

// Deps bundles the gateway's component dependencies, mirroring the spec's
// SG -> {CG, RLE, IDS, RR, MJ, EB} data-flow.
type Deps struct {
	Rooms      *rooms.Registry
	Identities *identitystore.IdentityStore
	Journal    *journal.Journal
	Bus        *bus.Bus
	RateLimit  *ratelimit.Engine
	Governor   *connguard.Governor
	Admission  Admission
	Logger     *applog.Logger

	PingInterval  time.Duration
	PingMaxMissed int
	HistoryLimit  int
}

// Connection is one bound (principal, room) session.
type Connection struct {
	deps Deps
	ws   *websocket.Conn

	id          uuid.UUID
	principalID string
	displayName string
	roomID      string

	state atomic.Int32

	send chan map[string]interface{}
	done chan struct{}

	unsubscribe       func()
	unsubscribeSystem func()
}

// New wraps an upgraded websocket connection. The handshake (principal,
// room binding) happens in Run, not here, so the caller can construct a
// Connection immediately after Upgrade succeeds.
func New(deps Deps, ws *websocket.Conn, connID uuid.UUID) *Connection {
	return &Connection{
		deps: deps,
		ws:   ws,
		id:   connID,
		send: make(chan map[string]interface{}, bus.DefaultSubscriberQueueDepth),
		done: make(chan struct{}),
	}
}

// State reports the connection's current state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

// Run waits for the connecting client's join frame, performs the handshake,
// and on success pumps frames until the connection closes for any reason.
// It blocks until the connection is fully torn down. roomID comes from the
// `/room/{id}` path; the principal is only known once the join frame
// arrives.
func (c *Connection) Run(ctx context.Context, roomID string) {
	c.roomID = roomID
	c.setState(StateHandshaking)

	ctx = context.WithValue(ctx, contextkey.ContextKeyCorrelationID, c.id)

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetPongHandler(func(string) error {
		c.deps.Governor.RecordPong(c.id)
		return nil
	})

	principalID, displayName, joinErr := c.awaitJoinFrame()
	if joinErr != nil {
		c.sendErrorSync(joinErr)
		c.closeSocket(websocket.CloseProtocolError)
		c.setState(StateClosed)
		return
	}
	c.principalID = principalID
	c.displayName = displayName

	if err := c.handshake(ctx); err != nil {
		c.sendErrorSync(err)
		c.closeSocket(websocket.CloseNormalClosure)
		c.setState(StateClosed)
		return
	}
	c.setState(StateAlive)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		c.readPump(ctx)
	}()

	c.eventAndWritePump(ctx, readerDone)
	<-readerDone

	c.teardown(ctx)
	c.setState(StateClosed)
}

// awaitJoinFrame blocks for the connection's first frame, which must be
// `join {user_id, display_name}` per the subprotocol.
func (c *Connection) awaitJoinFrame() (principalID, displayName string, err *apperr.Error) {
	_, raw, readErr := c.ws.ReadMessage()
	if readErr != nil {
		return "", "", apperr.New(apperr.InvalidMessage, "connection closed before join")
	}

	var frame map[string]interface{}
	if jsonErr := json.Unmarshal(raw, &frame); jsonErr != nil {
		return "", "", apperr.New(apperr.InvalidMessage, "join frame is not valid JSON")
	}
	if frame["type"] != "join" {
		return "", "", apperr.New(apperr.InvalidMessage, "first frame must be join")
	}

	principalID, _ = frame["user_id"].(string)
	displayName, _ = frame["display_name"].(string)
	if principalID == "" {
		return "", "", apperr.New(apperr.InvalidMessage, "join frame missing user_id")
	}
	return principalID, displayName, nil
}

// handshake runs CG admission, the join rate limit, and confirms the
// principal already holds a Membership in this room, then subscribes to
// the room topic and queues the chat-history frame. Matches spec §4.8's
// Handshaking -> Bound transition. The Membership itself is created by the
// HTTP surface's POST /rooms/{id}/join, not here: Rooms.Join enforces
// "at most one active room per principal" by rejecting any second call
// with AlreadyInRoom, which would make it impossible for a client who has
// already joined over HTTP to ever open its room socket. See DESIGN.md.
func (c *Connection) handshake(ctx context.Context) *apperr.Error {
	if _, err := c.deps.Governor.Open(c.id, c.principalID); err != nil {
		return err
	}

	if _, rlErr := c.deps.RateLimit.Check(ctx, c.principalID, "join_attempt"); rlErr != nil {
		c.deps.Governor.Close(c.id)
		return rlErr
	}

	if _, err := c.deps.Identities.Upsert(ctx, c.principalID, c.displayName); err != nil {
		c.deps.Governor.Close(c.id)
		return apperr.New(apperr.Internal, "identity store unavailable")
	}

	joinResult, err := c.deps.Rooms.Verify(ctx, c.principalID, c.roomID)
	if err != nil {
		c.deps.Governor.Close(c.id)
		return err
	}
	c.deps.Governor.BindRoom(c.id, c.roomID)
	c.setState(StateBound)

	sub, unsubscribe := c.deps.Bus.Subscribe(bus.RoomTopic(c.roomID), c.id.String())
	c.unsubscribe = unsubscribe
	go c.pumpBusEvents(ctx, sub)

	sysSub, unsubscribeSystem := c.deps.Bus.Subscribe(bus.SystemTopic, c.id.String()+":system")
	c.unsubscribeSystem = unsubscribeSystem
	go c.pumpSystemEvents(ctx, sysSub)

	history, histErr := c.deps.Journal.History(ctx, c.roomID, c.deps.HistoryLimit)
	if histErr == nil {
		c.enqueue(map[string]interface{}{"type": "chat-history", "messages": history})
	} else {
		c.deps.Logger.Warn(ctx, "chat history unavailable on join: %v", histErr)
	}

	c.deps.Bus.Publish(bus.Event{
		Topic: bus.RoomTopic(c.roomID),
		Type:  bus.EventJoin,
		Payload: map[string]interface{}{
			"type":         "user-joined",
			"principal_id": c.principalID,
			"display_name": c.displayName,
			"joined_at":    joinResult.JoinedAt,
			"occupancy":    joinResult.Occupancy,
		},
	})
	c.deps.Bus.Publish(bus.Event{
		Topic: bus.LobbyTopic,
		Type:  bus.EventOccupancy,
		Payload: map[string]interface{}{
			"type":      "occupancy-update",
			"room_id":   c.roomID,
			"occupancy": joinResult.Occupancy,
		},
	})

	return nil
}

// pumpBusEvents forwards the subscription's events into the outbound send
// queue until the connection's done channel fires (teardown starting).
// Unsubscribe only removes this subscriber from the topic; it does not
// close Events(), so done is what lets this goroutine exit.
func (c *Connection) pumpBusEvents(ctx context.Context, sub *bus.Subscriber) {
	for {
		select {
		case <-c.done:
			return
		case ev := <-sub.Events():
			frame, ok := ev.Payload.(map[string]interface{})
			if !ok {
				continue
			}
			if !c.enqueue(frame) {
				c.deps.Logger.Warn(ctx, "slow consumer on connection")
				// The outbound queue is full, so SLOW_CONSUMER travels as the
				// close frame's reason rather than as a queued error frame.
				msg := websocket.FormatCloseMessage(websocket.CloseMessageTooBig, string(apperr.SlowConsumer))
				_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				_ = c.ws.Close()
				return
			}
		}
	}
}

// pumpSystemEvents watches the process-wide system topic for the shutdown
// broadcast. On EventShutdown it queues the SERVER_SHUTDOWN error frame
// followed by a close-after-write marker, so eventAndWritePump delivers the
// error and then, on reaching the marker (which is never written to the
// socket), tears the connection down on its own.
func (c *Connection) pumpSystemEvents(ctx context.Context, sub *bus.Subscriber) {
	for {
		select {
		case <-c.done:
			return
		case ev := <-sub.Events():
			if ev.Type != bus.EventShutdown {
				continue
			}
			c.enqueue(errorFrame(apperr.New(apperr.ServerShutdown, "server is shutting down")))
			c.enqueue(map[string]interface{}{"type": "close-after-write"})
			return
		}
	}
}

// enqueue attempts a non-blocking send onto the outbound queue, reporting
// whether it succeeded. A full queue signals SLOW_CONSUMER to the caller.
func (c *Connection) enqueue(frame map[string]interface{}) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// rateLimitAction maps a rate-limit denial code back to the action name the
// wire protocol's `rate-limit-exceeded` frame reports.
var rateLimitAction = map[apperr.Code]string{
	apperr.JoinLimitExceeded:     "join_attempt",
	apperr.ChatRateLimitExceeded: "chat_send",
	apperr.RateLimitExceeded:     "api",
}

// errorFrame renders err as either the `rate-limit-exceeded` frame (action,
// reset_at) or the generic `error` frame, per the subprotocol's distinct
// frame types for the two cases.
func errorFrame(err *apperr.Error) map[string]interface{} {
	if action, ok := rateLimitAction[err.Code]; ok {
		return map[string]interface{}{
			"type":     "rate-limit-exceeded",
			"action":   action,
			"reset_at": time.Now().Add(time.Duration(err.RetryAfterS) * time.Second),
		}
	}
	return err.Frame()
}

func (c *Connection) sendError(err *apperr.Error) {
	c.enqueue(errorFrame(err))
}

// readPump reads inbound frames until the connection errors or closes.
// Read limit and pong handling are installed once in Run, before the join
// frame is awaited.
func (c *Connection) readPump(ctx context.Context) {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var frame map[string]interface{}
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		if err := c.handleInbound(ctx, frame); err != nil {
			c.sendError(err)
		}
	}
}

func (c *Connection) handleInbound(ctx context.Context, frame map[string]interface{}) *apperr.Error {
	frameType, _ := frame["type"].(string)

	switch frameType {
	case "pong":
		c.deps.Governor.RecordPong(c.id)
		return nil
	case "leave":
		c.closeSocket(websocket.CloseNormalClosure)
		return nil
	case "send-message":
		return c.handleSendMessage(ctx, frame)
	case "toggle-video":
		return c.handleToggle(ctx, frame, "video_on", "participant-video-toggle")
	case "toggle-audio":
		return c.handleToggle(ctx, frame, "audio_on", "participant-audio-toggle")
	default:
		return apperr.New(apperr.InvalidMessage, "unrecognized frame type")
	}
}

func (c *Connection) handleSendMessage(ctx context.Context, frame map[string]interface{}) *apperr.Error {
	if _, err := c.deps.RateLimit.Check(ctx, c.principalID, "chat_send"); err != nil {
		return err
	}

	content, _ := frame["content"].(string)
	if err := identity.ValidateMessage(content); err != nil {
		return err
	}
	sanitized, err := identity.SanitizeMessage(content)
	if err != nil {
		if err.Code == apperr.MaliciousInput {
			_ = c.deps.RateLimit.RecordViolation(ctx, c.principalID, "chat_send")
		}
		return err
	}

	record, storeErr := c.deps.Journal.Append(ctx, c.roomID, c.principalID, sanitized)
	if storeErr != nil {
		return apperr.New(apperr.Internal, "message journal unavailable")
	}
	_ = c.deps.Identities.Touch(ctx, c.principalID)

	c.deps.Bus.Publish(bus.Event{
		Topic: bus.RoomTopic(c.roomID),
		Type:  bus.EventChat,
		Payload: map[string]interface{}{
			"type":           "new-message",
			"chat_record_id": record.ID,
			"principal_id":   c.principalID,
			"display_name":   c.displayName,
			"content":        record.Content,
			"created_at":     record.CreatedAt,
		},
	})
	return nil
}

func (c *Connection) handleToggle(ctx context.Context, frame map[string]interface{}, field, eventFrameType string) *apperr.Error {
	enabled, _ := frame["enabled"].(bool)
	_ = c.deps.Identities.Touch(ctx, c.principalID)

	c.deps.Bus.Publish(bus.Event{
		Topic: bus.RoomTopic(c.roomID),
		Type:  bus.EventMediaToggle,
		Payload: map[string]interface{}{
			"type":         eventFrameType,
			"principal_id": c.principalID,
			"enabled":      enabled,
			"field":        field,
		},
	})
	return nil
}

// eventAndWritePump drains c.send to the socket and drives the ping
// ticker, until the socket is closed, the reader exits (client disconnect),
// or a ping goes unanswered past the missed-pings threshold.
func (c *Connection) eventAndWritePump(ctx context.Context, readerDone <-chan struct{}) {
	ticker := time.NewTicker(c.deps.PingInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case <-readerDone:
			return
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			if frame["type"] == "close-after-write" {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			missed := c.deps.Governor.RecordPingSent(c.id)
			if missed > c.deps.PingMaxMissed {
				c.sendErrorSync(apperr.New(apperr.ConnectionTimeout, "ping timeout"))
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) sendErrorSync(err *apperr.Error) {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteJSON(errorFrame(err))
}

func (c *Connection) closeSocket(code int) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = c.ws.Close()
}

// teardown runs RR.force_remove, publishes user-left/occupancy-update, and
// releases the CG connection slot. Run calls it exactly once, after a
// successful handshake and after both pumps have exited; it closes c.done,
// so a second call would panic. RR.ForceRemove itself is idempotent.
func (c *Connection) teardown(ctx context.Context) {
	c.setState(StateClosing)

	close(c.done)
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	if c.unsubscribeSystem != nil {
		c.unsubscribeSystem()
	}

	if c.roomID != "" && c.principalID != "" {
		result, err := c.deps.Rooms.ForceRemove(ctx, c.principalID, c.roomID)
		if err != nil {
			c.deps.Logger.Error(ctx, "force_remove failed during teardown: %v", err)
		}

		if result.Removed {
			c.deps.Bus.Publish(bus.Event{
				Topic: bus.RoomTopic(c.roomID),
				Type:  bus.EventLeave,
				Payload: map[string]interface{}{
					"type":         "user-left",
					"principal_id": c.principalID,
					"occupancy":    result.Occupancy,
				},
			})
			c.deps.Bus.Publish(bus.Event{
				Topic: bus.LobbyTopic,
				Type:  bus.EventOccupancy,
				Payload: map[string]interface{}{
					"type":      "occupancy-update",
					"room_id":   c.roomID,
					"occupancy": result.Occupancy,
				},
			})

			if c.deps.Admission != nil {
				if relErr := c.deps.Admission.Release(ctx, c.principalID); relErr != nil {
					c.deps.Logger.Error(ctx, "admission release failed during teardown: %v", relErr)
				} else if _, promoErr := c.deps.Admission.Promote(ctx); promoErr != nil {
					c.deps.Logger.Error(ctx, "admission promote failed during teardown: %v", promoErr)
				}
			}
		}
	}

	c.deps.Governor.Close(c.id)
}
