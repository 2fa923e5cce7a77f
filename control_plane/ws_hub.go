package main

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/itskum47/forgeci/control_plane/cache"
	"github.com/itskum47/forgeci/control_plane/domain"
	"github.com/itskum47/forgeci/control_plane/logger"
	"github.com/itskum47/forgeci/control_plane/observability"
)

const (
	maxWSConnections = 200
	wsWriteTimeout   = 5 * time.Second
)

// dashboardMessage is what stream clients receive on every dashboard change.
type dashboardMessage struct {
	ETag      string                      `json:"etag"`
	Version   uint64                      `json:"version"`
	Pipelines []*domain.DashboardPipeline `json:"pipelines"`
}

type wsClient struct {
	conn  *websocket.Conn
	user  string
	admin bool

	// gorilla allows one concurrent writer per connection.
	writeMu sync.Mutex
}

func (c *wsClient) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsClient) writePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

// DashboardHub pushes dashboard snapshots to websocket clients. A single
// goroutine owns the client set; snapshot changes are coalesced so a slow
// broadcast only ever sends the latest one.
type DashboardHub struct {
	dashboard  *cache.DashboardCache
	clients    map[*wsClient]struct{}
	register   chan *wsClient
	unregister chan *wsClient
	changed    chan struct{}
	done       chan struct{}
	mu         sync.RWMutex
	log        *logger.Logger
}

func NewDashboardHub(dashboard *cache.DashboardCache, log *logger.Logger) *DashboardHub {
	h := &DashboardHub{
		dashboard:  dashboard,
		clients:    make(map[*wsClient]struct{}),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		changed:    make(chan struct{}, 1),
		done:       make(chan struct{}),
		log:        log.WithFields(zap.String("component", "dashboard-hub")),
	}
	dashboard.OnChange(func(*cache.DashboardSnapshot) { h.notify() })
	return h
}

// notify never blocks; the dashboard cache calls it while holding its lock.
func (h *DashboardHub) notify() {
	select {
	case h.changed <- struct{}{}:
	default:
	}
}

// Run owns the client set until ctx is cancelled.
func (h *DashboardHub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				c.conn.Close()
				h.log.Warn("websocket connection rejected", zap.Int("max_connections", maxWSConnections))
				continue
			}
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			observability.WebSocketConnections.Set(float64(total))
			h.log.Debug("websocket client registered", zap.String("user", c.user), zap.Int("total", total))
			h.send(c, h.dashboard.Snapshot())

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			observability.WebSocketConnections.Set(float64(total))

		case <-h.changed:
			h.broadcast(h.dashboard.Snapshot())
		}
	}
}

func (h *DashboardHub) broadcast(snapshot *cache.DashboardSnapshot) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		h.send(c, snapshot)
	}
}

func (h *DashboardHub) send(c *wsClient, snapshot *cache.DashboardSnapshot) {
	msg := dashboardMessage{
		ETag:      snapshot.ETag,
		Version:   snapshot.Version,
		Pipelines: snapshot.VisibleTo(c.user, c.admin),
	}
	if err := c.writeJSON(msg); err != nil {
		h.log.Debug("websocket write failed", zap.String("user", c.user), zap.Error(err))
		// The read pump notices the broken connection and unregisters it.
		c.conn.Close()
	}
}

func (h *DashboardHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	close(h.done)
	h.log.Info("shutting down websocket hub", zap.Int("clients", len(h.clients)))
	for c := range h.clients {
		c.conn.Close()
	}
	h.clients = make(map[*wsClient]struct{})
	observability.WebSocketConnections.Set(0)
}

// Register hands a client to the hub. It reports false once the hub stopped.
func (h *DashboardHub) Register(c *wsClient) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *DashboardHub) Unregister(c *wsClient) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *DashboardHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
