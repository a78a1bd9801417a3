package ws

import (
	"collabsession/internal/ot/delta"
)

type ClientMessage struct {
	Type   string      `json:"type"` // "edit" | "sync"
	EditID string      `json:"editId,omitempty"`
	Clock  uint64      `json:"clock,omitempty"`
	Ops    delta.Delta `json:"ops,omitempty"`
}

type ServerMessage struct {
	Type string `json:"type"` // "welcome" | "edit" | "ack" | "sync" | "error"
	// welcome/sync: current canonical text and server clock for catch-up
	DocID    string `json:"docId,omitempty"`
	Text     string `json:"text,omitempty"`
	Clock    uint64 `json:"clock,omitempty"`
	ReadOnly bool   `json:"readOnly,omitempty"`
	// edit broadcast
	EditID   string      `json:"editId,omitempty"`
	AuthorID uint64      `json:"authorId,omitempty"`
	Ops      delta.Delta `json:"ops,omitempty"`
	// error
	Content string `json:"content,omitempty"`
}
