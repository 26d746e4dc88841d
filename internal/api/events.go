package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/local/printcost/internal/engine"
)

const writeWait = 5 * time.Second

// collectionEvent is pushed to a session's sockets after every mutation.
type collectionEvent struct {
	Type      string      `json:"type"`
	Files     interface{} `json:"files"`
	TotalCost float64     `json:"totalCost"`
}

func encodeSnapshot(kind string, s engine.Snapshot) []byte {
	files := interface{}(s.Files)
	if s.Files == nil {
		files = []struct{}{}
	}
	b, err := json.Marshal(collectionEvent{Type: kind, Files: files, TotalCost: s.TotalCost})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal collection event")
		return nil
	}
	return b
}

type hubClient struct {
	session string
	conn    *websocket.Conn
	initial []byte
}

type hubMessage struct {
	session string
	data    []byte
}

// Hub fans collection snapshots out to the websockets of each session.
// Only the Run goroutine writes to connections.
type Hub struct {
	clients    map[string]map[*websocket.Conn]bool
	register   chan hubClient
	unregister chan hubClient
	broadcast  chan hubMessage
	drop       chan string
	done       chan struct{}
	mu         sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*websocket.Conn]bool),
		register:   make(chan hubClient),
		unregister: make(chan hubClient),
		broadcast:  make(chan hubMessage, 64),
		drop:       make(chan string),
		done:       make(chan struct{}),
	}
}

// Run serves the hub until ctx is done, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, conns := range h.clients {
				for c := range conns {
					c.Close()
				}
			}
			h.clients = make(map[string]map[*websocket.Conn]bool)
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			if h.clients[c.session] == nil {
				h.clients[c.session] = make(map[*websocket.Conn]bool)
			}
			h.clients[c.session][c.conn] = true
			h.mu.Unlock()
			if c.initial != nil {
				h.write(c.session, c.conn, c.initial)
			}
			log.Debug().Str("session", c.session).Msg("websocket client connected")
		case c := <-h.unregister:
			h.remove(c.session, c.conn)
		case m := <-h.broadcast:
			h.mu.Lock()
			conns := make([]*websocket.Conn, 0, len(h.clients[m.session]))
			for c := range h.clients[m.session] {
				conns = append(conns, c)
			}
			h.mu.Unlock()
			for _, c := range conns {
				h.write(m.session, c, m.data)
			}
		case id := <-h.drop:
			h.mu.Lock()
			for c := range h.clients[id] {
				c.Close()
			}
			delete(h.clients, id)
			h.mu.Unlock()
		}
	}
}

func (h *Hub) write(session string, c *websocket.Conn, data []byte) {
	_ = c.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Debug().Err(err).Str("session", session).Msg("websocket write failed")
		h.remove(session, c)
	}
}

func (h *Hub) remove(session string, c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[session][c]; ok {
		delete(h.clients[session], c)
		c.Close()
		if len(h.clients[session]) == 0 {
			delete(h.clients, session)
		}
	}
}

// Publish queues a snapshot for session. A full buffer drops the event;
// the next mutation carries the whole collection anyway.
func (h *Hub) Publish(session string, s engine.Snapshot) {
	data := encodeSnapshot("collection", s)
	if data == nil {
		return
	}
	select {
	case h.broadcast <- hubMessage{session: session, data: data}:
	default:
		log.Warn().Str("session", session).Msg("event buffer full; snapshot dropped")
	}
}

// Register adds conn to session and sends it initial first.
func (h *Hub) Register(session string, conn *websocket.Conn, initial []byte) {
	select {
	case h.register <- hubClient{session: session, conn: conn, initial: initial}:
	case <-h.done:
		conn.Close()
	}
}

func (h *Hub) Unregister(session string, conn *websocket.Conn) {
	select {
	case h.unregister <- hubClient{session: session, conn: conn}:
	case <-h.done:
	}
}

// Drop closes every socket of session.
func (h *Hub) Drop(session string) {
	select {
	case h.drop <- session:
	case <-h.done:
	}
}

// Clients returns the number of open sockets for session.
func (h *Hub) Clients(session string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[session])
}
