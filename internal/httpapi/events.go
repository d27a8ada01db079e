package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"facility_viewer/core-go/internal/scene"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	clientBuffer   = 32
	broadcastQueue = 64
)

// streamedTopics are the bus topics forwarded to websocket clients.
var streamedTopics = map[string]struct{}{
	scene.TopicAlertsUpdated:    {},
	scene.TopicIsolationChanged: {},
	scene.TopicSelectionChanged: {},
	scene.TopicMarkersChanged:   {},
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Hub fans viewer bus events out to websocket clients. Run owns the client set; bus handlers only
// enqueue, so a slow client never stalls a publisher.
type Hub struct {
	log        zerolog.Logger
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	done       chan struct{}
	clients    atomic.Int64
	dispose    func()
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub subscribes to bus. Call Run to start delivery and Close to unsubscribe.
func NewHub(log zerolog.Logger, bus *scene.Bus) *Hub {
	h := &Hub{
		log:        log.With().Str("component", "events").Logger(),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, broadcastQueue),
		done:       make(chan struct{}),
	}
	h.dispose = bus.Subscribe("", h.onEvent)
	return h
}

func (h *Hub) Close() {
	if h.dispose != nil {
		h.dispose()
	}
}

// Clients is the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.clients.Load())
}

func (h *Hub) onEvent(ev scene.Event) {
	if _, ok := streamedTopics[ev.Topic]; !ok {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("topic", ev.Topic).Msg("marshal event failed")
		return
	}
	select {
	case h.broadcast <- b:
	case <-h.done:
	default:
		h.log.Warn().Str("topic", ev.Topic).Msg("event queue full; dropping event")
	}
}

// Run delivers events until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	clients := make(map[*wsClient]struct{})
	defer func() {
		for c := range clients {
			close(c.send)
		}
		h.clients.Store(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			clients[c] = struct{}{}
			h.clients.Store(int64(len(clients)))
			h.log.Debug().Str("remote", c.conn.RemoteAddr().String()).Msg("websocket client registered")

		case c := <-h.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.send)
				h.clients.Store(int64(len(clients)))
				h.log.Debug().Str("remote", c.conn.RemoteAddr().String()).Msg("websocket client unregistered")
			}

		case msg := <-h.broadcast:
			for c := range clients {
				select {
				case c.send <- msg:
				default:
					h.log.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("websocket client too slow; disconnecting")
					delete(clients, c)
					close(c.send)
				}
			}
			h.clients.Store(int64(len(clients)))
		}
	}
}

// ServeWS upgrades the request and streams events until either side goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &wsClient{hub: h, conn: conn, send: make(chan []byte, clientBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	case <-r.Context().Done():
		_ = conn.Close()
		return
	}

	go c.writePump()
	c.readPump()
}

// readPump discards client messages; it exists to process control frames and detect disconnects.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
