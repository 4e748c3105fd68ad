// Package clients keeps track of the open pages controlled by the worker.
//
// Pages connect over a websocket and receive claim, focus, open and
// notification messages. Notification clicks travel back over the same socket.
package clients

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// DefaultMaxNotifications bounds the notifications remembered as shown.
const DefaultMaxNotifications = 64

const (
	MessageTypeClaim             = "claim"
	MessageTypeFocus             = "focus"
	MessageTypeOpen              = "open"
	MessageTypeNotification      = "notification"
	MessageTypeNotificationClose = "notification-close"
	MessageTypeNotificationClick = "notificationclick"
	MessageTypePing              = "ping"
	MessageTypePong              = "pong"
)

type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notification is a user-visible notification shown by every connected page.
type Notification struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	Icon    string   `json:"icon,omitempty"`
	Badge   string   `json:"badge,omitempty"`
	URL     string   `json:"url,omitempty"`
	Actions []Action `json:"actions,omitempty"`
}

// Click is sent by a page when the user interacts with a notification.
type Click struct {
	NotificationID string `json:"id"`
	Action         string `json:"action"`
}

type Config struct {
	// Origins allowed to connect. Every origin is allowed if empty.
	AllowedOrigins []string
	// Called for every notification click reported by a page.
	OnClick func(ctx context.Context, click Click)
	// Notifications remembered as shown. The oldest is forgotten beyond this.
	// DefaultMaxNotifications if zero.
	MaxNotifications int
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Hub is the registry of connected pages.
type Hub struct {
	mu            sync.RWMutex
	clients       map[string]*Client
	notifications *lru.Cache[string, Notification]
	upgrader      websocket.Upgrader
	onClick       func(ctx context.Context, click Click)
	log           zerolog.Logger
}

func NewHub(config Config) *Hub {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	h := &Hub{
		clients:       make(map[string]*Client),
		onClick:       config.OnClick,
		log:           logger.With().Str("component", "clients").Logger(),
	}
	maxNotifications := config.MaxNotifications
	if maxNotifications <= 0 {
		maxNotifications = DefaultMaxNotifications
	}
	// lru.New only fails for a non-positive size
	h.notifications, _ = lru.New[string, Notification](maxNotifications)
	origins := make(map[string]struct{}, len(config.AllowedOrigins))
	for _, o := range config.AllowedOrigins {
		origins[o] = struct{}{}
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			if len(origins) == 0 {
				return true
			}
			_, ok := origins[r.Header.Get("Origin")]
			return ok
		},
	}
	return h
}

// ServeHTTP upgrades the request and registers the page.
// The page reports its URL with the url query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Could not upgrade client connection")
		return
	}
	url := r.URL.Query().Get("url")
	if url == "" {
		url = "/"
	}
	c := &Client{
		ID:   uuid.NewString(),
		URL:  url,
		hub:  h,
		conn: conn,
		send: make(chan Message, 64),
	}
	h.register(c)
	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	c.connectedAt = time.Now()
	h.clients[c.ID] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug().Str("client", c.ID).Str("url", c.URL).Int("total", n).Msg("Client connected")
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; ok {
		delete(h.clients, c.ID)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug().Str("client", c.ID).Int("total", n).Msg("Client disconnected")
}

// sorted returns the clients oldest first. Callers hold h.mu.
func (h *Hub) sorted() []*Client {
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].connectedAt.Before(clients[j].connectedAt)
	})
	return clients
}

func (h *Hub) broadcast(msg Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for _, c := range h.sorted() {
		if c.enqueue(msg) {
			sent++
		}
	}
	return sent
}

// Count returns the number of connected pages.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Controlled returns the number of pages claimed by the worker.
func (h *Hub) Controlled() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		if c.controlled {
			n++
		}
	}
	return n
}

// Claim takes control of every connected page.
func (h *Hub) Claim(ctx context.Context) error {
	h.mu.Lock()
	for _, c := range h.clients {
		c.controlled = true
	}
	h.mu.Unlock()
	n := h.broadcast(Message{Type: MessageTypeClaim})
	h.log.Info().Int("clients", n).Msg("Claimed clients")
	return nil
}

// FocusOrOpen focuses a page showing url, or asks the oldest page to open it.
// Without any connected page there is nothing to focus and the call is a no-op.
func (h *Hub) FocusOrOpen(ctx context.Context, url string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := h.sorted()
	for _, c := range clients {
		if c.URL == url {
			c.enqueue(Message{Type: MessageTypeFocus, Data: map[string]string{"url": url}})
			return nil
		}
	}
	if len(clients) == 0 {
		h.log.Debug().Str("url", url).Msg("No client to open url")
		return nil
	}
	clients[0].enqueue(Message{Type: MessageTypeOpen, Data: map[string]string{"url": url}})
	return nil
}

// ShowNotification shows n on every connected page and remembers it until closed
// or pushed out by newer notifications.
func (h *Hub) ShowNotification(ctx context.Context, n Notification) error {
	h.notifications.Add(n.ID, n)
	h.broadcast(Message{Type: MessageTypeNotification, Data: n})
	return nil
}

// CloseNotification removes the notification from every page.
func (h *Hub) CloseNotification(ctx context.Context, id string) error {
	h.notifications.Remove(id)
	h.broadcast(Message{Type: MessageTypeNotificationClose, Data: map[string]string{"id": id}})
	return nil
}

// Notifications returns the notifications currently shown, oldest first.
func (h *Hub) Notifications() []Notification {
	return h.notifications.Values()
}

// Close disconnects every page.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		_ = c.conn.Close()
	}
}
