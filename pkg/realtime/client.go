package realtime

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/platinummonkey/anvil/pkg/auth"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before it is
	// considered dead.
	pongWait = 60 * time.Second
	// pingPeriod must be under pongWait; clients get ~10s to answer.
	pingPeriod = 54 * time.Second

	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Client is one WebSocket connection. The hub holds it in its client and
// room maps; the client's own cleanup removes it from both before the
// connection drops.
type Client struct {
	ID string

	hub  *Hub
	conn *websocket.Conn
	send chan ServerFrame

	// principal is written by the read pump (auth frame) and only read
	// from there afterwards.
	principal *auth.Principal
}

// ServeWS upgrades an HTTP request and runs the connection until it dies.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	client := &Client{
		ID:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan ServerFrame, sendBufferSize),
	}
	if p := auth.PrincipalFrom(r.Context()); p != nil {
		client.principal = p
	}
	// Queue the connect frame before the client is registered so nothing
	// can close the send channel underneath the send.
	client.send <- ServerFrame{
		Type: FrameConnect,
		Data: ConnectData{ClientID: client.ID, Timestamp: time.Now().UTC()},
	}
	h.addClient(client)

	go client.writePump()
	go client.readPump()
}

// readPump consumes client frames until the connection closes, then tears
// the client down.
func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var frame ClientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.WithError(err).WithField("client", c.ID).Debug("websocket read error")
			}
			return
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame ClientFrame) {
	switch frame.Type {
	case FrameAuth:
		c.handleAuth(frame.Token)
	case FrameJoin:
		if frame.Room == "" {
			c.reply(errorFrame("join requires a room"))
			return
		}
		c.hub.join(c, frame.Room)
	case FrameLeave:
		if frame.Room == "" {
			c.reply(errorFrame("leave requires a room"))
			return
		}
		c.hub.leave(c, frame.Room)
	case FrameEmit:
		if frame.Event == "" {
			c.reply(errorFrame("emit requires an event"))
			return
		}
		c.hub.Emit(frame.Event, frame.Data, frame.Room)
	default:
		c.reply(errorFrame("unknown frame type " + frame.Type))
	}
}

func (c *Client) handleAuth(token string) {
	if c.hub.authenticator == nil {
		c.reply(errorFrame("authentication is not enabled"))
		return
	}
	p, err := c.hub.authenticator.FromToken(c.hub.baseCtx, token)
	if err != nil {
		c.reply(errorFrame("invalid or expired token"))
		return
	}
	c.principal = p
}

// reply queues a frame for this client only, dropping it if the client is
// already write-blocked.
func (c *Client) reply(frame ServerFrame) {
	select {
	case c.send <- frame:
	default:
	}
}

// writePump owns all writes on the connection: queued frames plus the
// heartbeat ping.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
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
