// Package stream fans rollup updates out to dashboard websocket clients.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Config tunes connection deadlines and buffering.
type Config struct {
	WriteDeadline   time.Duration
	ReadDeadline    time.Duration
	PingInterval    time.Duration
	BroadcastBuffer int
	Logger          *zap.Logger
}

// Message is one update addressed to the subscribers of a classroom.
type Message struct {
	ClassroomID string      `json:"classroomId"`
	Type        string      `json:"type"`
	Payload     interface{} `json:"payload"`
}

type envelope struct {
	classroomID string
	body        []byte
}

type client struct {
	conn       *websocket.Conn
	classrooms map[string]struct{}
}

func (c *client) wants(classroomID string) bool {
	_, ok := c.classrooms[classroomID]
	return ok
}

// Hub manages websocket connections for live rollup streaming.
type Hub struct {
	cfg      Config
	logger   *zap.Logger
	upgrader websocket.Upgrader

	clients    map[*websocket.Conn]*client
	register   chan *client
	unregister chan *websocket.Conn
	broadcast  chan envelope

	mu sync.RWMutex
}

// NewHub creates a new websocket hub.
func NewHub(cfg Config) *Hub {
	if cfg.WriteDeadline <= 0 {
		cfg.WriteDeadline = 10 * time.Second
	}
	if cfg.ReadDeadline <= 0 {
		cfg.ReadDeadline = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.ReadDeadline {
		cfg.PingInterval = cfg.ReadDeadline / 2
	}
	if cfg.BroadcastBuffer <= 0 {
		cfg.BroadcastBuffer = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Hub{
		cfg:    cfg,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
			},
		},
		clients:    make(map[*websocket.Conn]*client),
		register:   make(chan *client, 16),
		unregister: make(chan *websocket.Conn, 16),
		broadcast:  make(chan envelope, cfg.BroadcastBuffer),
	}
}

// Run starts the hub's main loop until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				_ = conn.Close()
			}
			h.clients = make(map[*websocket.Conn]*client)
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("stream client connected", zap.Int("clients", count))
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				_ = conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("stream client disconnected", zap.Int("clients", count))
		case msg := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn, c := range h.clients {
				if !c.wants(msg.classroomID) {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, msg.body); err != nil {
					h.logger.Debug("stream write failed", zap.Error(err))
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()

			if len(failed) > 0 {
				h.mu.Lock()
				for _, conn := range failed {
					delete(h.clients, conn)
					_ = conn.Close()
				}
				h.mu.Unlock()
			}
		}
	}
}

// Publish queues msg for every client subscribed to its classroom. Messages are dropped when
// the buffer is full so publishers never block.
func (h *Hub) Publish(msg Message) bool {
	if h == nil {
		return false
	}
	body, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("stream marshal failed", zap.Error(err))
		return false
	}
	select {
	case h.broadcast <- envelope{classroomID: msg.ClassroomID, body: body}:
		return true
	default:
		h.logger.Warn("stream broadcast buffer full, dropping update", zap.String("classroom_id", msg.ClassroomID))
		return false
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve upgrades the request and streams updates for classroomIDs until the client leaves.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, classroomIDs []string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("stream upgrade failed", zap.Error(err))
		return
	}

	subs := make(map[string]struct{}, len(classroomIDs))
	for _, id := range classroomIDs {
		subs[id] = struct{}{}
	}
	h.register <- &client{conn: conn, classrooms: subs}

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		h.unregister <- conn
	}()

	go func() {
		ticker := time.NewTicker(h.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteDeadline)); err != nil {
					return
				}
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.ReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.ReadDeadline))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("stream read error", zap.Error(err))
			}
			return
		}
	}
}
