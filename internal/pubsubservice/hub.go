package pubsubservice

import (
	"encoding/xml"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/dreamdispatch/pubsub/internal/subscriptionset"
)

// changeStreamBufferSize bounds how many pending broadcasts a slow
// diagnostics client can fall behind before it is dropped.
const changeStreamBufferSize = 64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// changeStreamClient is one connected diagnostics websocket client.
type changeStreamClient struct {
	hub  *changeStreamHub
	conn *websocket.Conn
	send chan []byte
}

// changeStreamHub fans combined-set change documents out to every
// connected diagnostics client.
type changeStreamHub struct {
	mu      sync.RWMutex
	clients map[*changeStreamClient]bool
}

func newChangeStreamHub() *changeStreamHub {
	return &changeStreamHub{clients: make(map[*changeStreamClient]bool)}
}

func (h *changeStreamHub) add(c *changeStreamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *changeStreamHub) remove(c *changeStreamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// broadcastDocument marshals doc as XML and fans it out to every connected
// client; a client whose send buffer is full is dropped rather than
// blocking the broadcaster.
func (h *changeStreamHub) broadcastDocument(doc subscriptionset.Document) {
	data, err := xml.Marshal(doc)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			close(c.send)
			delete(h.clients, c)
		}
	}
}

func (c *changeStreamClient) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *changeStreamClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (s *Service) handleDiagnosticsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &changeStreamClient{hub: s.changeStream, conn: conn, send: make(chan []byte, changeStreamBufferSize)}
	s.changeStream.add(client)

	go client.writePump()
	client.readPump()
}
