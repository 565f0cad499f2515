package transport

import (
	"context"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/race/netrace/internal/ratelimit"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = 30 * time.Second
	wsMaxMessageSize = maxDatagram
	wsSendBuffer     = 256
)

// WSAddr identifies one websocket connection.
type WSAddr struct {
	ID uuid.UUID
}

func (a WSAddr) Network() string { return "websocket" }
func (a WSAddr) String() string  { return a.ID.String() }

// wsPeer is one websocket connection. Each has its own goroutines for
// reading and writing.
type wsPeer struct {
	addr     WSAddr
	ws       *websocket.Conn
	sendChan chan []byte
	done     chan struct{}
	once     sync.Once
}

func newWSPeer(ws *websocket.Conn) *wsPeer {
	return &wsPeer{
		addr:     WSAddr{ID: uuid.New()},
		ws:       ws,
		sendChan: make(chan []byte, wsSendBuffer),
		done:     make(chan struct{}),
	}
}

// send queues data without blocking. A full buffer drops the message; the
// next snapshot replaces it anyway.
func (p *wsPeer) send(data []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.sendChan <- data:
	default:
	}
	return nil
}

func (p *wsPeer) close() {
	p.once.Do(func() {
		close(p.done)
		p.ws.Close()
	})
}

// writePump sends queued messages and pings to detect dead connections.
func (p *wsPeer) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer p.close()

	for {
		select {
		case <-p.done:
			return
		case message := <-p.sendChan:
			p.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := p.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			p.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := p.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump delivers binary messages until the connection fails.
func (p *wsPeer) readPump(deliver func(data []byte) bool, logger *log.Logger) {
	defer p.close()

	p.ws.SetReadLimit(wsMaxMessageSize)
	p.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	p.ws.SetPongHandler(func(string) error {
		p.ws.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		msgType, message, err := p.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Printf("WebSocket read error: %v", err)
			}
			return
		}
		if msgType != websocket.BinaryMessage || len(message) == 0 {
			continue
		}
		if !deliver(message) {
			return
		}
	}
}

// WebSocketHub is the server side of the websocket transport: every
// connection upgraded by ServeHTTP becomes a peer with its own WSAddr.
type WebSocketHub struct {
	upgrader websocket.Upgrader
	limiter  *ratelimit.Limiter
	logger   *log.Logger

	mu      sync.RWMutex
	peers   map[uuid.UUID]*wsPeer
	packets chan Packet
	done    chan struct{}
	closed  atomic.Bool
	local   WSAddr
}

// NewWebSocketHub creates a hub. allowAnyOrigin disables the same-origin
// check for browser clients served elsewhere.
func NewWebSocketHub(allowAnyOrigin bool, limiter *ratelimit.Limiter, logger *log.Logger) *WebSocketHub {
	if logger == nil {
		logger = log.Default()
	}
	h := &WebSocketHub{
		limiter: limiter,
		logger:  logger,
		peers:   make(map[uuid.UUID]*wsPeer),
		packets: make(chan Packet, packetQueueSize),
		done:    make(chan struct{}),
		local:   WSAddr{ID: uuid.New()},
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if allowAnyOrigin {
		h.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return h
}

// ServeHTTP upgrades the request and runs the peer until it disconnects.
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	peer := newWSPeer(ws)
	h.mu.Lock()
	h.peers[peer.addr.ID] = peer
	h.mu.Unlock()
	h.logger.Printf("New websocket peer %s from %s", peer.addr, ws.RemoteAddr())

	go peer.writePump()
	go func() {
		peer.readPump(func(data []byte) bool {
			if !h.limiter.Allow(peer.addr.String()) {
				return true
			}
			select {
			case <-h.done:
				return false
			default:
			}
			enqueue(h.packets, Packet{Data: data, Addr: peer.addr})
			return true
		}, h.logger)
		h.removePeer(peer)
	}()
}

func (h *WebSocketHub) removePeer(p *wsPeer) {
	h.mu.Lock()
	_, ok := h.peers[p.addr.ID]
	delete(h.peers, p.addr.ID)
	h.mu.Unlock()

	if ok && !h.closed.Load() {
		enqueue(h.packets, Packet{Addr: p.addr, PeerLeft: true})
		h.logger.Printf("WebSocket peer %s closed", p.addr)
	}
}

// SendTo queues data for the peer at addr.
func (h *WebSocketHub) SendTo(data []byte, addr net.Addr) error {
	if h.closed.Load() {
		return ErrClosed
	}
	wa, ok := addr.(WSAddr)
	if !ok {
		return net.InvalidAddrError(addr.String())
	}
	h.mu.RLock()
	peer := h.peers[wa.ID]
	h.mu.RUnlock()
	if peer == nil {
		return ErrClosed
	}
	return peer.send(data)
}

// Broadcast queues data for every peer in addrs.
func (h *WebSocketHub) Broadcast(data []byte, addrs []net.Addr) error {
	var first error
	for _, addr := range addrs {
		if err := h.SendTo(data, addr); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (h *WebSocketHub) Packets() <-chan Packet { return h.packets }
func (h *WebSocketHub) LocalAddr() net.Addr    { return h.local }

// PeerCount returns the number of open connections.
func (h *WebSocketHub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Close disconnects every peer. The packet channel stays open; consumers
// stop on their own context.
func (h *WebSocketHub) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	close(h.done)
	h.mu.Lock()
	peers := h.peers
	h.peers = make(map[uuid.UUID]*wsPeer)
	h.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
	return nil
}

// WebSocketConn is the client side of the websocket transport. It has a
// single peer, the server.
type WebSocketConn struct {
	peer    *wsPeer
	server  WSAddr
	packets chan Packet
	logger  *log.Logger
}

// DialWebSocket connects to a hub at url (ws:// or wss://).
func DialWebSocket(ctx context.Context, url string, logger *log.Logger) (*WebSocketConn, error) {
	if logger == nil {
		logger = log.Default()
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c := &WebSocketConn{
		peer:    newWSPeer(ws),
		server:  WSAddr{ID: uuid.New()},
		packets: make(chan Packet, packetQueueSize),
		logger:  logger,
	}
	go c.peer.writePump()
	go func() {
		defer close(c.packets)
		c.peer.readPump(func(data []byte) bool {
			enqueue(c.packets, Packet{Data: data, Addr: c.server})
			return true
		}, logger)
		enqueue(c.packets, Packet{Addr: c.server, PeerLeft: true})
	}()
	return c, nil
}

// ServerAddr is the address packets from the server arrive with.
func (c *WebSocketConn) ServerAddr() net.Addr { return c.server }

// SendTo sends data to the server; addr is ignored.
func (c *WebSocketConn) SendTo(data []byte, addr net.Addr) error {
	return c.peer.send(data)
}

// Broadcast sends data to the server once.
func (c *WebSocketConn) Broadcast(data []byte, addrs []net.Addr) error {
	return c.peer.send(data)
}

func (c *WebSocketConn) Packets() <-chan Packet { return c.packets }
func (c *WebSocketConn) LocalAddr() net.Addr    { return c.peer.addr }

// Close closes the connection.
func (c *WebSocketConn) Close() error {
	c.peer.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
	c.peer.close()
	return nil
}
