package fanout

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetwatch/telemetry/internal/logging"
	"github.com/fleetwatch/telemetry/internal/model"
)

// upgrader leaves origin checking to an upstream reverse proxy, not this
// handler.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// missedHeartbeatFactor bounds how many missed heartbeats terminate the
// subscription: pongWait is 3x the configured heartbeat interval.
const missedHeartbeatFactor = 3

// clientRequest is the single client->server message envelope this
// transport understands. Type selects the operation: "SUBSCRIBE" and
// "UNSUBSCRIBE" take effect on Topic; "STATS" requests the role-scoped
// counts §4.7 describes and ignores Topic. A connection may send several
// of these to fan into multiple topics.
type clientRequest struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// wireMessage is the tagged envelope sent to clients so a single socket
// can carry both location and panic traffic distinguishably.
type wireMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// ServeWS upgrades r to a websocket, authenticates the bearer token, and
// pumps every LocationUpdate/PanicAlert the client subscribes to onto the
// socket until the connection drops. Generalized to per-client
// multi-topic subscription instead of a single implicit broadcast feed.
func (h *Hub) ServeWS(validator *TokenValidator, w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			if rest, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
				token = rest
			}
		}
	}
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	principal, err := validator.Validate(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", logging.Component("fanout"))
		return
	}

	heartbeat := h.HeartbeatInterval()
	c := &wsClient{
		hub:       h,
		conn:      conn,
		principal: principal,
		out:       make(chan wireMessage, 256),
		closed:    make(chan struct{}),
		pongWait:  heartbeat * missedHeartbeatFactor,
		pingEvery: heartbeat,
	}
	go c.writePump()
	c.readPump()
}

// wsClient binds one socket to zero or more hub Subscribers, fanning
// their routed events into a single outbound channel serialized by
// writePump. closed is signaled exactly once, by whichever of readPump
// or writePump exits first, and every
// other goroutine touching this client selects on it instead of relying
// on channel-close semantics for shutdown.
type wsClient struct {
	hub        *Hub
	conn       *websocket.Conn
	principal  model.Principal
	out        chan wireMessage
	subs       []*Subscriber
	closed     chan struct{}
	closedOnce sync.Once
	pongWait   time.Duration
	pingEvery  time.Duration
}

func (c *wsClient) shutdown() {
	c.closedOnce.Do(func() { close(c.closed) })
}

func (c *wsClient) readPump() {
	defer func() {
		c.shutdown()
		for _, sub := range c.subs {
			c.hub.Unsubscribe(sub)
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req clientRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		switch req.Type {
		case "SUBSCRIBE":
			if req.Topic != "" {
				c.subscribe(Topic(req.Topic))
			}
		case "UNSUBSCRIBE":
			if req.Topic != "" {
				c.unsubscribe(Topic(req.Topic))
			}
		case "STATS":
			c.sendStats()
		default:
			// Unrecognized frame types are ignored rather than
			// disconnecting the client, consistent with forward
			// compatibility for additive protocol changes.
		}
	}
}

func (c *wsClient) subscribe(topic Topic) {
	sub, err := c.hub.Subscribe(c.principal, topic)
	if err != nil {
		c.out <- wireMessage{Type: "error", Data: err.Error()}
		return
	}
	c.subs = append(c.subs, sub)
	go c.drain(sub)
}

// unsubscribe tears down topic's Subscriber, if this client holds one.
// c.subs is only ever touched from readPump's goroutine, so no mutex
// guards it.
func (c *wsClient) unsubscribe(topic Topic) {
	for i, sub := range c.subs {
		if sub.topic != topic {
			continue
		}
		c.hub.Unsubscribe(sub)
		c.subs = append(c.subs[:i], c.subs[i+1:]...)
		return
	}
}

// sendStats answers a "STATS" frame with the role-scoped counts §4.7
// describes, routed through the same out channel as every other reply so
// ordering relative to location/panic traffic is preserved.
func (c *wsClient) sendStats() {
	stats, err := c.hub.RoleStats(c.principal)
	if err != nil {
		c.out <- wireMessage{Type: "error", Data: err.Error()}
		return
	}
	c.out <- wireMessage{Type: "stats", Data: stats}
}

func (c *wsClient) drain(sub *Subscriber) {
	for {
		select {
		case loc, ok := <-sub.Locations():
			if !ok {
				return
			}
			select {
			case c.out <- wireMessage{Type: "location", Data: loc}:
			case <-c.closed:
				return
			}
		case alert, ok := <-sub.Panics():
			if !ok {
				return
			}
			select {
			case c.out <- wireMessage{Type: "panic", Data: alert}:
			case <-c.closed:
				return
			}
		case <-sub.Done():
			return
		case <-c.closed:
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(c.pingEvery)
	defer func() {
		ticker.Stop()
		c.shutdown()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
