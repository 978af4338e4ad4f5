package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
)

// Peer is one connected UI, usually a browser tab.
type Peer struct {
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	id      string
}

// HandlerFunc processes a message received from a peer.
type HandlerFunc func(ctx context.Context, msg Message)

// Hub maintains the set of active peers and broadcasts messages to them.
type Hub struct {
	peers      map[*Peer]bool
	broadcast  chan []byte
	register   chan *Peer
	unregister chan *Peer
	done       chan struct{}
	count      atomic.Int32

	handle  HandlerFunc
	welcome func() []Message
	limit   rate.Limit
	burst   int
	logger  *slog.Logger
	ctx     context.Context
}

// NewHub returns a hub dispatching peer messages to handle. welcome, when set, builds
// the messages each new peer receives first. Each peer may send limit messages per
// second with the given burst.
func NewHub(handle HandlerFunc, welcome func() []Message, limit rate.Limit, burst int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		peers:      make(map[*Peer]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Peer),
		unregister: make(chan *Peer),
		done:       make(chan struct{}),
		handle:     handle,
		welcome:    welcome,
		limit:      limit,
		burst:      burst,
		logger:     logger,
		ctx:        context.Background(),
	}
}

// Run owns the peer set until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	h.ctx = ctx
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for p := range h.peers {
				delete(h.peers, p)
				close(p.send)
			}
			h.count.Store(0)
			return
		case p := <-h.register:
			h.peers[p] = true
			h.count.Store(int32(len(h.peers)))
			h.logger.Info("peer registered", "peer", p.id, "peers", len(h.peers))
			if h.welcome != nil {
				for _, m := range h.welcome() {
					h.deliver(p, encode(m))
				}
			}
		case p := <-h.unregister:
			if _, ok := h.peers[p]; ok {
				delete(h.peers, p)
				close(p.send)
				h.count.Store(int32(len(h.peers)))
				h.logger.Info("peer unregistered", "peer", p.id, "peers", len(h.peers))
			}
		case message := <-h.broadcast:
			for p := range h.peers {
				h.deliver(p, message)
			}
		}
	}
}

// deliver drops a peer whose buffer is full.
func (h *Hub) deliver(p *Peer, message []byte) {
	select {
	case p.send <- message:
	default:
		close(p.send)
		delete(h.peers, p)
		h.count.Store(int32(len(h.peers)))
		h.logger.Warn("peer too slow, dropped", "peer", p.id)
	}
}

// Broadcast sends msg to every peer.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- encode(msg):
	case <-h.done:
	}
}

// Peers returns the number of connected peers.
func (h *Hub) Peers() int { return int(h.count.Load()) }

func encode(m Message) []byte {
	b, _ := json.Marshal(m)
	return b
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the request and attaches the connection as a peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	p := &Peer{
		conn:    conn,
		send:    make(chan []byte, 256),
		limiter: rate.NewLimiter(h.limit, h.burst),
		id:      uuid.NewString(),
	}
	select {
	case h.register <- p:
	case <-h.done:
		conn.Close()
		return
	}
	go h.writePump(p)
	go h.readPump(p)
}

func (h *Hub) readPump(p *Peer) {
	defer func() {
		select {
		case h.unregister <- p:
		case <-h.done:
		}
		p.conn.Close()
	}()
	p.conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("peer read failed", "peer", p.id, "err", err)
			}
			return
		}
		if !p.limiter.Allow() {
			h.logger.Warn("peer rate limited", "peer", p.id)
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("bad peer message", "peer", p.id, "err", err)
			continue
		}
		if msg.ClientID == "" {
			msg.ClientID = p.id
		}
		h.handle(h.ctx, msg)
	}
}

func (h *Hub) writePump(p *Peer) {
	defer p.conn.Close()
	for message := range p.send {
		_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			h.logger.Debug("peer write failed", "peer", p.id, "err", err)
			return
		}
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
