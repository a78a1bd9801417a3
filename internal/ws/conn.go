package ws

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabsession/internal/doc"
	"collabsession/internal/session"
)

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	id       string
	key      doc.Key
	userID   uint64
	readOnly bool
	session  *session.Session
	log      *slog.Logger

	mu     sync.Mutex
	send   chan ServerMessage
	closed bool
}

func NewConn(ws *websocket.Conn, hub *Hub, id string, key doc.Key, userID uint64, readOnly bool, s *session.Session, log *slog.Logger) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		id:       id,
		key:      key,
		userID:   userID,
		readOnly: readOnly,
		session:  s,
		send:     make(chan ServerMessage, 32),
		log:      log,
	}
}

func (c *Conn) ID() string { return c.id }

// Enqueue queues a message for delivery; a full queue drops the message
// rather than blocking the sender. Clients recover via a sync request.
// Enqueue after Close is a no-op: the hub may still broadcast to this
// connection between the read loop ending and the room entry going away.
func (c *Conn) Enqueue(msg ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// Close stops the write loop. Must run after the connection left its room.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.log.Debug("read loop closed", "docId", c.key.ID, "connId", c.id, "error", err)
			return
		}
		switch msg.Type {
		case "edit":
			c.handleEdit(ctx, msg)

		case "sync":
			c.Enqueue(ServerMessage{
				Type:  "sync",
				DocID: c.key.ID,
				Text:  c.session.Text(),
				Clock: c.session.Clock(),
			})

		default:
			c.Enqueue(ServerMessage{Type: "error", Content: "unknown message type"})
		}
	}
}

func (c *Conn) handleEdit(ctx context.Context, msg ClientMessage) {
	editID := msg.EditID
	if editID == "" {
		editID = uuid.NewString()
	}
	edit := doc.Edit{ID: editID, Clock: msg.Clock, Ops: msg.Ops}

	applied, err := c.session.ApplyEdit(ctx, c.id, edit)
	if err != nil {
		c.Enqueue(ServerMessage{Type: "error", Content: err.Error()})
		return
	}
	if !applied {
		c.Enqueue(ServerMessage{Type: "error", Content: "read-only connection"})
		return
	}

	c.Enqueue(ServerMessage{Type: "ack", DocID: c.key.ID, EditID: editID, Clock: c.session.Clock()})
	c.hub.Broadcast(c.key.String(), c, ServerMessage{
		Type:     "edit",
		DocID:    c.key.ID,
		EditID:   editID,
		AuthorID: c.userID,
		Clock:    msg.Clock,
		Ops:      msg.Ops,
	})
}

func (c *Conn) writeLoop() {
	for msg := range c.send {
		if err := c.ws.WriteJSON(msg); err != nil {
			return
		}
	}
}
