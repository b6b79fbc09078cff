// Package stream pushes JSON progress events to WebSocket clients.
package stream

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/geodatastore/clms/core/infra/logging"
	"github.com/gorilla/websocket"
)

const (
	defaultClientBuffer = 100
	writeTimeout        = 10 * time.Second
)

type Options struct {
	// ClientBuffer is the per-client queue; a full queue drops the client.
	ClientBuffer int
	// AllowedOrigins lists browser origins; "*" allows any. Requests
	// without an Origin header are always accepted.
	AllowedOrigins []string
}

// Hub fans broadcast messages out to connected clients.
type Hub struct {
	upgrader websocket.Upgrader
	buffer   int

	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
	closed  bool
}

func NewHub(opts Options) *Hub {
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = defaultClientBuffer
	}
	h := &Hub{buffer: opts.ClientBuffer, clients: map[*websocket.Conn]chan []byte{}}
	origins := opts.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return originAllowed(r, origins) },
	}
	return h
}

func originAllowed(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if len(allowed) == 0 {
		return strings.EqualFold(u.Host, r.Host)
	}
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "*" || strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
			return true
		}
	}
	return false
}

// Broadcast encodes v once and queues it for every client. Clients whose
// queue is full are disconnected.
func (h *Hub) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error("stream", "encode broadcast failed", "err", err)
		return
	}
	var slow []*websocket.Conn
	h.mu.RLock()
	for conn, ch := range h.clients {
		select {
		case ch <- data:
		default:
			slow = append(slow, conn)
		}
	}
	h.mu.RUnlock()
	for _, conn := range slow {
		logging.Warn("stream", "dropping slow client", "remote", conn.RemoteAddr().String())
		h.drop(conn)
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	ch, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
		close(ch)
	}
	h.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams messages until the client
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("stream", "ws upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ch := make(chan []byte, h.buffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = ws.Close()
		return
	}
	h.clients[ws] = ch
	h.mu.Unlock()
	logging.Info("stream", "ws connected", "remote", r.RemoteAddr)
	defer h.drop(ws)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		h.drop(conn)
	}
}
