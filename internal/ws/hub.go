// Package ws carries bus subscriptions over websockets: Hub is the broker
// endpoint and Client is the matching monitor source.
package ws

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/pimnotify/internal/bus"
	"github.com/dgnsrekt/pimnotify/internal/wire"
)

const (
	// Time allowed to write a message to the peer.
	defaultWriteWait = 10 * time.Second

	// Send pings to peer with this period.
	defaultPingPeriod = 30 * time.Second

	// Time allowed for the client to send its Hello.
	defaultHelloWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB

	// Most notifications written in one frame.
	maxBatch = 64
)

// HubOptions configure the broker endpoint.
type HubOptions struct {
	BufferSize   int
	Policy       bus.OverflowPolicy
	PingInterval time.Duration
	WriteTimeout time.Duration
	HelloTimeout time.Duration
}

// ConnInfo describes one live connection.
type ConnInfo struct {
	ID           string    `json:"id"`
	SubscriberID string    `json:"subscriberId"`
	Session      string    `json:"session"`
	Subprotocol  string    `json:"subprotocol"`
	Remote       string    `json:"remote"`
	Since        time.Time `json:"since"`
}

// Hub accepts websocket subscribers and registers each one on the bus.
type Hub struct {
	name     string
	bus      *bus.Bus
	opts     HubOptions
	upgrader websocket.Upgrader
	ctx      context.Context
	cancel   context.CancelFunc
	conns    map[string]*conn
	wg       sync.WaitGroup
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewHub creates a Hub that serves subscribers of b.
func NewHub(name string, b *bus.Bus, opts HubOptions, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingPeriod
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteWait
	}
	if opts.HelloTimeout <= 0 {
		opts.HelloTimeout = defaultHelloWait
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		name: name,
		bus:  b,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
			Subprotocols:    wire.Subprotocols(),
		},
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*conn),
		logger: logger.With(zap.String("hub", name)),
	}
}

// ServeHTTP upgrades the request and serves the connection until either
// side closes it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "broker shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	codec, err := wire.ForSubprotocol(ws.Subprotocol())
	if err != nil {
		h.logger.Error("unsupported subprotocol", zap.String("subprotocol", ws.Subprotocol()), zap.Error(err))
		_ = ws.Close()
		return
	}

	h.logger.Debug("websocket subprotocol negotiated",
		zap.String("protocol", codec.Subprotocol()),
		zap.Strings("requested", websocket.Subprotocols(r)),
	)

	c := &conn{
		id:     uuid.New().String(),
		hub:    h,
		ws:     ws,
		codec:  codec,
		acks:   make(chan wire.Frame, 16),
		done:   make(chan struct{}),
		remote: r.RemoteAddr,
		since:  time.Now(),
	}
	c.logger = h.logger.With(zap.String("connID", c.id))

	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		codec.Close()
		_ = ws.Close()
		return
	}
	h.conns[c.id] = c
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		defer h.remove(c)
		c.serve(h.ctx)
	}()
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	c.logger.Debug("connection closed")
}

// Connections lists live connections, oldest first.
func (h *Hub) Connections() []ConnInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	infos := make([]ConnInfo, 0, len(h.conns))
	for _, c := range h.conns {
		infos = append(infos, c.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Since.Before(infos[j].Since) })
	return infos
}

// Close disconnects every subscriber and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	h.cancel()
	h.mu.Unlock()

	// Connections still waiting for a Hello are not watching ctx.
	h.mu.RLock()
	for _, c := range h.conns {
		if !c.ready() {
			_ = c.ws.Close()
		}
	}
	h.mu.RUnlock()

	h.wg.Wait()
	h.logger.Info("hub closed")
}
