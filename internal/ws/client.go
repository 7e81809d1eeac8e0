package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"portal/internal/attachment"
	"portal/internal/constants"
	"portal/internal/models"
	"portal/internal/thread"
	"portal/internal/view"
)

// ClientState represents the lifecycle state of a WebSocket client
type ClientState int32

const (
	ClientStateConnected  ClientState = iota // WS connected, awaiting IDENTIFY
	ClientStateIdentified                    // Authenticated, view mounted
	ClientStateClosing                       // Shutdown initiated
	ClientStateClosed                        // Terminal
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = 50 * time.Second

	// Maximum frame size allowed from peer. Attachments travel base64 encoded.
	maxMessageSize = 2*constants.MaxAttachmentsPerMessage*constants.DefaultAttachmentMaxBytes + 64<<10

	// Mutations keep running this long after the connection goes away so a
	// send already accepted by the server still gets confirmed.
	mutationTimeout = 30 * time.Second
)

// Client is one WebSocket connection and, once identified, the view it drives.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan *WSMessage
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	limiter   *rate.Limiter
	logger    *slog.Logger

	state atomic.Int32

	// Populated after IDENTIFY
	user *models.User
	mu   sync.Mutex // Protects view against a concurrent Close
	view *view.View
}

func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan *WSMessage, constants.WSClientSendBufferSize),
		ctx:     ctx,
		cancel:  cancel,
		limiter: rate.NewLimiter(rate.Limit(hub.cfg.CommandRate), hub.cfg.CommandBurst),
		logger:  slog.Default().With("component", "ws"),
	}
	c.state.Store(int32(ClientStateConnected))
	return c
}

// Close unmounts the client's view and stops its pumps. WritePump flushes
// queued frames and then closes the socket. Safe to call more than once and
// from any goroutine.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.transitionTo(ClientStateClosing)
		c.cancel()
		c.mu.Lock()
		v := c.view
		c.mu.Unlock()
		if v != nil {
			v.Unmount()
		}
		c.transitionTo(ClientStateClosed)
	})
}

func (c *Client) ReadPump() {
	defer c.hub.remove(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", "user_id", c.userID(), "error", err)
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Debug("malformed frame", "user_id", c.userID(), "error", err)
			continue
		}

		c.handleMessage(&msg)
		if c.IsClosed() {
			return
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.drain()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(message); err != nil {
				c.logger.Debug("websocket write failed", "user_id", c.userID(), "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drain flushes frames queued before the close, such as a final ERROR.
func (c *Client) drain() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// enqueue waits for room in the send buffer until the client closes.
func (c *Client) enqueue(msg *WSMessage) {
	select {
	case c.send <- msg:
	case <-c.ctx.Done():
	}
}

func (c *Client) dispatch(eventType string, data any) {
	c.enqueue(&WSMessage{Op: OpDispatch, Type: eventType, Data: data})
}

func (c *Client) sendError(code, message, nonce string) {
	c.dispatch(EventError, ErrorPayload{Code: code, Message: message, Nonce: nonce})
}

func (c *Client) userID() string {
	if c.user != nil {
		return c.user.ID
	}
	return "unknown"
}

// SendHello sends the HELLO message to initiate the connection
func (c *Client) SendHello() {
	c.enqueue(&WSMessage{Op: OpHello, Data: HelloPayload{ProtocolVersion: ProtocolVersion}})
}

func (c *Client) handleMessage(msg *inboundMessage) {
	if msg.Op != OpDispatch {
		c.logger.Debug("unknown op code", "op", msg.Op)
		return
	}

	if msg.Type != CmdIdentify && !c.limiter.Allow() {
		c.dispatch(EventError, ErrorPayload{
			Code:       ErrCodeRateLimited,
			Message:    "Sending too fast",
			RetryAfter: time.Now().Add(time.Second).UnixMilli(),
		})
		return
	}

	switch msg.Type {
	case CmdIdentify:
		c.handleIdentify(msg)
	case CmdThreadOpen:
		c.handleThreadOpen(msg)
	case CmdThreadClose:
		c.handleThreadClose()
	case CmdThreadRead:
		c.handleThreadRead(msg)
	case CmdScroll:
		c.handleScroll(msg)
	case CmdRefresh:
		c.handleRefresh()
	case CmdMessageSend:
		c.handleMessageSend(msg)
	case CmdMessageEdit:
		c.handleMessageEdit(msg)
	case CmdMessageDelete:
		c.handleMessageDelete(msg)
	case CmdMessageReact:
		c.handleMessageReact(msg)
	default:
		c.logger.Debug("unknown dispatch type", "type", msg.Type)
	}
}

// decode unmarshals and validates a command payload, reporting failures to
// the client.
func (c *Client) decode(msg *inboundMessage, dst any) bool {
	if len(msg.Data) == 0 || json.Unmarshal(msg.Data, dst) != nil {
		c.sendError(ErrCodeInvalidRequest, "Invalid "+msg.Type+" payload", "")
		return false
	}
	if err := c.hub.validate.Struct(dst); err != nil {
		c.sendError(ErrCodeInvalidRequest, "Invalid "+msg.Type+" payload", "")
		return false
	}
	return true
}

func (c *Client) handleIdentify(msg *inboundMessage) {
	if c.State() != ClientStateConnected {
		return
	}

	var payload IdentifyPayload
	if json.Unmarshal(msg.Data, &payload) != nil || payload.Token == "" {
		c.sendError(ErrCodeAuthFailed, "Missing token", "")
		c.Close()
		return
	}

	claims, err := c.hub.jwtService.ValidateAccessToken(payload.Token)
	if err != nil {
		c.logger.Info("identify with invalid token", "error", err)
		c.sendError(ErrCodeAuthFailed, "Invalid token", "")
		c.Close()
		return
	}

	user, err := c.hub.users.User(c.ctx, claims.UserID)
	if err != nil {
		c.logger.Info("identify for unknown user", "user_id", claims.UserID, "error", err)
		c.sendError(ErrCodeAuthFailed, "User not found", "")
		c.Close()
		return
	}
	c.user = user
	c.logger = c.logger.With("user_id", user.ID)

	v, err := c.hub.mount(c.ctx, user, payload.Token)
	if err != nil {
		c.logger.Error("mounting view failed", "error", err)
		c.sendError(constants.ErrCodeInternal, "Could not start session", "")
		c.Close()
		return
	}
	c.mu.Lock()
	if c.IsClosed() {
		c.mu.Unlock()
		v.Unmount()
		return
	}
	c.view = v
	c.mu.Unlock()

	if !c.transitionTo(ClientStateIdentified) || !c.hub.register(c) {
		c.Close()
		return
	}

	c.enqueue(&WSMessage{
		Op: OpReady,
		Data: ReadyPayload{
			ProtocolVersion: ProtocolVersion,
			SessionID:       v.ID(),
			User:            user,
			Peers:           v.Tracker().Snapshot(),
		},
	})

	go c.forward()

	c.logger.Info("client identified", "session_id", v.ID())
}

// forward relays view updates to the socket until the client closes.
func (c *Client) forward() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case u := <-c.view.Updates():
			switch u.Kind {
			case view.UpdateThread:
				c.dispatch(EventThreadUpdate, u.Thread)
			case view.UpdatePeers:
				c.dispatch(EventPeersUpdate, u.Peers)
			case view.UpdateBadge:
				c.dispatch(EventBadgeUpdate, map[string]int{"unread": u.Badge})
			case view.UpdateNotice:
				c.dispatch(EventNotice, u.Event)
			}
		}
	}
}

func (c *Client) handleThreadOpen(msg *inboundMessage) {
	if !c.IsIdentified() {
		return
	}
	var payload ThreadOpenPayload
	if !c.decode(msg, &payload) {
		return
	}
	c.view.OpenThread(payload.PeerID)
}

func (c *Client) handleThreadClose() {
	if !c.IsIdentified() {
		return
	}
	c.view.CloseThread()
}

func (c *Client) handleThreadRead(msg *inboundMessage) {
	if !c.IsIdentified() {
		return
	}
	var payload ThreadReadPayload
	if !c.decode(msg, &payload) {
		return
	}
	c.mutate(func(ctx context.Context) error {
		return c.view.Tracker().MarkRead(ctx, payload.PeerID)
	})
}

func (c *Client) handleScroll(msg *inboundMessage) {
	if !c.IsIdentified() {
		return
	}
	var payload ScrollPayload
	if !c.decode(msg, &payload) {
		return
	}
	c.view.Session().OnScroll(c.ctx, thread.ScrollPosition{
		ScrollTop:    payload.ScrollTop,
		ScrollHeight: payload.ScrollHeight,
		ClientHeight: payload.ClientHeight,
	})
}

func (c *Client) handleRefresh() {
	if !c.IsIdentified() {
		return
	}
	c.view.Refresh()
}

func (c *Client) handleMessageSend(msg *inboundMessage) {
	if !c.IsIdentified() {
		return
	}
	var payload MessageSendPayload
	if !c.decode(msg, &payload) {
		return
	}

	draft := thread.Draft{Text: payload.Text, RepliedTo: payload.RepliedTo}
	for _, f := range payload.Files {
		draft.Files = append(draft.Files, attachment.File{Name: f.Name, Data: f.Data})
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), mutationTimeout)
		defer cancel()

		res, err := c.view.Session().Send(ctx, draft)
		if err != nil {
			p := errorPayload(err)
			p.Nonce = payload.Nonce
			c.dispatch(EventError, p)
			return
		}

		out := SendResultPayload{Nonce: payload.Nonce, Message: &res.Message}
		for _, rejected := range res.Rejected {
			out.Rejected = append(out.Rejected, errorPayload(rejected))
		}
		c.dispatch(EventSendResult, out)
	}()
}

func (c *Client) handleMessageEdit(msg *inboundMessage) {
	if !c.IsIdentified() {
		return
	}
	var payload MessageEditPayload
	if !c.decode(msg, &payload) {
		return
	}
	c.mutate(func(ctx context.Context) error {
		return c.view.Session().Edit(ctx, payload.MessageID, payload.Text)
	})
}

func (c *Client) handleMessageDelete(msg *inboundMessage) {
	if !c.IsIdentified() {
		return
	}
	var payload MessageDeletePayload
	if !c.decode(msg, &payload) {
		return
	}
	c.mutate(func(ctx context.Context) error {
		return c.view.Session().Delete(ctx, payload.MessageID)
	})
}

func (c *Client) handleMessageReact(msg *inboundMessage) {
	if !c.IsIdentified() {
		return
	}
	var payload MessageReactPayload
	if !c.decode(msg, &payload) {
		return
	}
	c.mutate(func(ctx context.Context) error {
		return c.view.Session().React(ctx, payload.MessageID, payload.Emoji)
	})
}

// mutate runs fn off the read loop and reports a failure as an ERROR event.
// Success needs no reply: the view emits the resulting state.
func (c *Client) mutate(fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), mutationTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			c.dispatch(EventError, errorPayload(err))
		}
	}()
}

// errorPayload maps an engine error to the code a client can act on.
func errorPayload(err error) ErrorPayload {
	var oversized *attachment.OversizedError
	switch {
	case errors.As(err, &oversized):
		return ErrorPayload{Code: ErrCodeAttachmentTooLarge, Message: oversized.Error()}
	case errors.Is(err, thread.ErrMessageTooLong):
		return ErrorPayload{Code: ErrCodeMessageTooLong, Message: "Message exceeds maximum length"}
	case errors.Is(err, thread.ErrEmptyMessage):
		return ErrorPayload{Code: ErrCodeMessageEmpty, Message: "Message needs text or an attachment"}
	case errors.Is(err, thread.ErrNoActiveThread):
		return ErrorPayload{Code: ErrCodeNoActiveThread, Message: "Open a conversation first"}
	case errors.Is(err, thread.ErrMessageNotFound):
		return ErrorPayload{Code: ErrCodeNotFound, Message: "Message not found"}
	case errors.Is(err, thread.ErrNotSender), errors.Is(err, thread.ErrNotPermitted):
		return ErrorPayload{Code: ErrCodeForbidden, Message: err.Error()}
	}

	switch thread.KindOf(err) {
	case thread.KindOversized:
		return ErrorPayload{Code: ErrCodeAttachmentTooLarge, Message: err.Error()}
	case thread.KindTransient:
		return ErrorPayload{Code: ErrCodeSendFailed, Message: "Could not reach the server, try again"}
	default:
		return ErrorPayload{Code: ErrCodeMutationRejected, Message: err.Error()}
	}
}

// State returns the current client state
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

// IsIdentified returns true if the client is in the identified state
func (c *Client) IsIdentified() bool {
	return c.State() == ClientStateIdentified
}

// IsClosed returns true if the client is closing or closed
func (c *Client) IsClosed() bool {
	state := c.State()
	return state == ClientStateClosing || state == ClientStateClosed
}

// isValidClientTransition checks if a state transition is valid
func isValidClientTransition(from, to ClientState) bool {
	switch from {
	case ClientStateConnected:
		return to == ClientStateIdentified || to == ClientStateClosing
	case ClientStateIdentified:
		return to == ClientStateClosing
	case ClientStateClosing:
		return to == ClientStateClosed
	case ClientStateClosed:
		return false
	}
	return false
}

// transitionTo atomically transitions to a new state if valid
func (c *Client) transitionTo(newState ClientState) bool {
	for {
		current := ClientState(c.state.Load())
		if !isValidClientTransition(current, newState) {
			return false
		}
		if c.state.CompareAndSwap(int32(current), int32(newState)) {
			return true
		}
	}
}
