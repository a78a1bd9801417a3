package events

import (
	"context"
	"time"
)

// DocumentUpdated is the fact-of-record for one successful flush. Emitted
// exactly once per flush that actually wrote; skipped flushes emit nothing.
type DocumentUpdated struct {
	EventType    string    `json:"eventType"` // fixed "documents.update"
	DocumentID   string    `json:"documentId"`
	CollectionID string    `json:"collectionId"`
	TeamID       string    `json:"teamId"`
	ActorID      uint64    `json:"actorId"`
	Multiplayer  bool      `json:"multiplayer"`
	Terminal     bool      `json:"terminal"` // triggered by last-connection-out
	OccurredAt   time.Time `json:"occurredAt"`
}

// Emitter hands events to the external bus. Implementations must not block
// the flush path beyond ctx.
type Emitter interface {
	Emit(ctx context.Context, evt DocumentUpdated) error
}
