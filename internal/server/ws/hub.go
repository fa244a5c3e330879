// Package ws relays stream events from the event bus to downstream
// websocket clients.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	rediscache "github.com/alanyoungcy/polyclob/internal/cache/redis"
	"github.com/alanyoungcy/polyclob/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256

	// maxReplay caps the entries returned by one replay request.
	maxReplay = 500
)

// relayed lists the stream channels the hub forwards.
var relayed = []domain.Channel{domain.ChannelMarket, domain.ChannelUser, domain.ChannelControl}

// upgrader configures the WebSocket upgrade parameters. Origin checks are
// left to the CORS and auth middleware in front of the hub.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client represents a single WebSocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[domain.Channel]bool
	mu   sync.RWMutex
}

// controlMsg is the JSON message a client sends to manage its feed.
//
//	{"action":"subscribe","channels":["market"]}
//	{"action":"unsubscribe","channels":["user"]}
//	{"action":"replay","channels":["market"],"last_id":"0-0","count":100}
type controlMsg struct {
	Action   string           `json:"action"`
	Channels []domain.Channel `json:"channels"`
	LastID   string           `json:"last_id"`
	Count    int              `json:"count"`
}

type replayEntry struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

type replayFrame struct {
	Type    string         `json:"type"`
	Channel domain.Channel `json:"channel"`
	Entries []replayEntry  `json:"entries"`
}

// Hub manages a set of connected WebSocket clients and broadcasts events
// from the event bus to the clients subscribed to their channel.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	done       chan struct{}
	bus        domain.EventBus
	mu         sync.RWMutex
	logger     *slog.Logger
	mode       string
	state      func() domain.ConnectionState
	startedAt  time.Time
}

// broadcastMsg carries a message along with its source channel so the hub
// can route it only to clients subscribed to that channel.
type broadcastMsg struct {
	channel domain.Channel
	data    []byte
}

// Config captures runtime metadata used in the status frame sent to
// clients on connect.
type Config struct {
	Mode      string
	StartedAt time.Time
	State     func() domain.ConnectionState // nil when no session runs in-process
}

// NewHub creates a new WebSocket hub that bridges the event bus to
// connected WebSocket clients.
func NewHub(bus domain.EventBus, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws_hub")),
		mode:       mode,
		state:      cfg.State,
		startedAt:  startedAt,
	}
}

// Run starts the hub's main event loop. It handles client registration,
// unregistration, and message broadcasting until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	for _, ch := range relayed {
		go h.relay(ctx, ch)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("total_clients", h.clientCount()))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("total_clients", h.clientCount()))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.isSubscribed(msg.channel) {
					select {
					case c.send <- msg.data:
					default:
						h.logger.Warn("dropping message for slow client", slog.String("channel", string(msg.channel)))
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// relay subscribes to one bus channel and forwards its payloads to the
// broadcast loop.
func (h *Hub) relay(ctx context.Context, ch domain.Channel) {
	topic := rediscache.EventChannel(ch)
	msgCh, err := h.bus.Subscribe(ctx, topic)
	if err != nil {
		h.logger.Error("subscribe failed",
			slog.String("topic", topic),
			slog.String("error", err.Error()),
		)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("bus subscription closed", slog.String("topic", topic))
				return
			}
			select {
			case h.broadcast <- broadcastMsg{channel: ch, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub. Clients start subscribed to every channel.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[domain.Channel]bool, len(relayed)),
	}
	for _, ch := range relayed {
		c.subs[ch] = true
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	c.sendStatus()

	go c.writePump()
	go c.readPump()
}

// clientCount returns the number of currently connected clients.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump reads control messages from the connection until it fails.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close error", slog.String("error", err.Error()))
			}
			return
		}

		var msg controlMsg
		if err := json.Unmarshal(message, &msg); err != nil || msg.Action == "" {
			continue
		}
		c.handleControl(msg)
	}
}

// handleControl applies subscribe, unsubscribe and replay requests.
func (c *client) handleControl(msg controlMsg) {
	switch msg.Action {
	case "subscribe":
		c.mu.Lock()
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
		c.mu.Unlock()
	case "unsubscribe":
		c.mu.Lock()
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
		c.mu.Unlock()
	case "replay":
		for _, ch := range msg.Channels {
			c.replay(ch, msg.LastID, msg.Count)
		}
	}
}

// replay sends the recent tail of ch after lastID as one frame.
func (c *client) replay(ch domain.Channel, lastID string, count int) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	if lastID == "" {
		lastID = "0-0"
	}
	if count <= 0 || count > maxReplay {
		count = maxReplay
	}

	msgs, err := c.hub.bus.StreamRead(ctx, rediscache.EventStream(ch), lastID, count)
	if err != nil {
		c.hub.logger.Warn("replay failed",
			slog.String("channel", string(ch)),
			slog.String("error", err.Error()),
		)
		return
	}

	frame := replayFrame{Type: "replay", Channel: ch, Entries: make([]replayEntry, 0, len(msgs))}
	for _, m := range msgs {
		frame.Entries = append(frame.Entries, replayEntry{ID: m.ID, Payload: m.Payload})
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendStatus pushes the process mode and stream state so clients can mark
// the connection healthy before any event flows.
func (c *client) sendStatus() {
	state := "unknown"
	if c.hub.state != nil {
		state = c.hub.state().String()
	}
	uptime := int64(time.Since(c.hub.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}

	msg, err := json.Marshal(map[string]any{
		"type":           "status",
		"mode":           c.hub.mode,
		"stream_state":   state,
		"uptime_seconds": uptime,
	})
	if err != nil {
		return
	}
	c.trySend(msg)
}

func (c *client) trySend(data []byte) {
	defer func() {
		// send is closed once the hub has shut down
		_ = recover()
	}()
	select {
	case c.send <- data:
	default:
	}
}

// isSubscribed checks whether the client is subscribed to the given channel.
func (c *client) isSubscribed(ch domain.Channel) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[ch]
}

// writePump pumps messages from the hub to the connection as text frames
// and sends periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
