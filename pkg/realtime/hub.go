package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/anvil/pkg/auth"
	"github.com/platinummonkey/anvil/pkg/broker"
)

const (
	inboxSize      = 1024
	enqueueTimeout = 50 * time.Millisecond
)

// TokenAuthenticator resolves auth-frame tokens to principals.
// auth.Middleware implements it.
type TokenAuthenticator interface {
	FromToken(ctx context.Context, token string) (*auth.Principal, error)
}

// outbound is one queued fan-out. remote events came in from the broker and
// are not republished.
type outbound struct {
	room   string // "" broadcasts to every connection
	frame  ServerFrame
	remote bool
}

// Hub tracks connections and rooms and fans events out to them. All emits
// go through a buffered inbox so callers in the request path never block on
// slow clients.
type Hub struct {
	serverID      string
	broker        broker.Broker
	authenticator TokenAuthenticator
	upgrader      websocket.Upgrader
	log           *logrus.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	inbox   chan outbound
	done    chan struct{}

	mu      sync.RWMutex
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool
	// memberships mirrors rooms per client so cleanup does not scan every
	// room. Both maps hold the same *Client records.
	memberships map[*Client]map[string]bool
}

// NewHub creates a hub for this server instance. The broker may be nil for
// memory-only operation; allowedOrigins configures the upgrader ("*" or an
// empty list allows any origin).
func NewHub(serverID string, b broker.Broker, authenticator TokenAuthenticator, allowedOrigins []string, log *logrus.Logger) *Hub {
	if log == nil {
		log = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		serverID:      serverID,
		broker:        b,
		authenticator: authenticator,
		log:           log,
		baseCtx:       ctx,
		cancel:        cancel,
		inbox:         make(chan outbound, inboxSize),
		done:          make(chan struct{}),
		clients:       make(map[*Client]bool),
		rooms:         make(map[string]map[*Client]bool),
		memberships:   make(map[*Client]map[string]bool),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// SetAuthenticator installs the auth-frame resolver. The middleware needs
// the pipeline and the pipeline needs the hub, so the authenticator is
// wired after construction. Call before serving.
func (h *Hub) SetAuthenticator(a TokenAuthenticator) {
	h.authenticator = a
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Run consumes the inbox until Shutdown. It also bridges the broker: local
// events are published out, remote ones redispatched.
func (h *Hub) Run() {
	defer close(h.done)

	var unsubscribe func()
	if h.broker != nil {
		unsubscribe = h.broker.Subscribe(func(ev broker.Event) {
			h.enqueue(outbound{
				room:   ev.Room,
				frame:  emitFrame(ev.Event, ev.Data, ev.Room),
				remote: true,
			})
		})
		defer unsubscribe()
	}

	for {
		select {
		case <-h.baseCtx.Done():
			return
		case out := <-h.inbox:
			h.deliver(out)
			if !out.remote && h.broker != nil {
				ev := broker.Event{
					ServerID:  h.serverID,
					Event:     out.frame.Event,
					Room:      out.room,
					Data:      out.frame.Data,
					Timestamp: time.Now().UTC(),
				}
				if err := h.broker.Publish(h.baseCtx, ev); err != nil {
					h.log.WithError(err).Debug("broker publish failed, event stays instance-local")
				}
			}
		}
	}
}

// Shutdown stops the fan-out loop and closes every connection.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.cancel()
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.removeClient(c)
		c.conn.Close()
	}
	return nil
}

// EmitCollectionChange broadcasts a committed mutation to the collection's
// typed room and the wrapped collections room.
func (h *Hub) EmitCollectionChange(collection, action string, doc interface{}) {
	room := CollectionRoom(collection)
	h.enqueue(outbound{room: room, frame: emitFrame(action, doc, room)})
	h.enqueue(outbound{room: CollectionsRoom, frame: emitFrame(action, map[string]interface{}{
		"collection": collection,
		"data":       doc,
	}, CollectionsRoom)})
}

// Emit sends a custom event to a room, or to every connection when room is
// empty. Used by script emit() and client emit frames.
func (h *Hub) Emit(event string, data interface{}, room string) {
	h.enqueue(outbound{room: room, frame: emitFrame(event, data, room)})
}

// enqueue offers the event to the inbox with a short timeout. Overflow
// drops the event; realtime delivery is best-effort by design.
func (h *Hub) enqueue(out outbound) {
	select {
	case h.inbox <- out:
	case <-time.After(enqueueTimeout):
		h.log.WithFields(logrus.Fields{"room": out.room, "event": out.frame.Event}).
			Debug("realtime inbox full, dropping event")
	}
}

// deliver fans one event out. Clients whose send queue is full are closed
// and reaped; a reader that slow would only accumulate stale state.
func (h *Hub) deliver(out outbound) {
	// The sends below are non-blocking, so the read lock is held for the
	// whole fan-out. Send queues are only closed under the write lock,
	// which rules out a send on a closed channel.
	h.mu.RLock()
	var targets map[*Client]bool
	if out.room == "" {
		targets = h.clients
	} else {
		targets = h.rooms[out.room]
	}
	var slow []*Client
	for c := range targets {
		select {
		case c.send <- out.frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		h.log.WithField("client", c.ID).Warn("closing write-blocked websocket client")
		h.removeClient(c)
		c.conn.Close()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
	h.memberships[c] = make(map[string]bool)
}

// removeClient detaches the client from the client and room maps and closes
// its send queue. Safe to call twice; only the first call closes.
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	for room := range h.memberships[c] {
		delete(h.rooms[room], c)
		if len(h.rooms[room]) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(h.memberships, c)
	close(c.send)
}

func (h *Hub) join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][c] = true
	h.memberships[c][room] = true
}

func (h *Hub) leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.memberships[c], room)
	if members := h.rooms[room]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// ConnectionCount reports the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomCount reports the number of non-empty rooms.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
