package doc

import (
	"github.com/google/uuid"

	"collabsession/internal/ot/delta"
)

// Edit is one change broadcast by a client. ID makes application idempotent:
// a state that has already absorbed an edit ignores replays of it. Clock is
// the author's Lamport clock and, together with ActorID and ID, fixes the
// edit's place in the deterministic replay order.
type Edit struct {
	ID      string      `json:"id"`
	ActorID uint64      `json:"actorId"` // 0 = anonymous
	Clock   uint64      `json:"clock"`
	Ops     delta.Delta `json:"ops"`
}

// NewEdit assigns a fresh edit id.
func NewEdit(actorID, clock uint64, ops delta.Delta) Edit {
	return Edit{ID: uuid.NewString(), ActorID: actorID, Clock: clock, Ops: ops}
}

// State is the in-memory mergeable document. Implementations must be
// commutative over edit multisets: applying the same set of edits in any
// order yields the same Text and Serialize output.
//
// State is not safe for concurrent use; the session holding it serializes
// access.
type State interface {
	// Apply absorbs one edit. Re-applying an edit already absorbed is a no-op
	// and must not return an error.
	Apply(e Edit) error
	// Text derives the canonical text.
	Text() string
	// Serialize encodes the state to its snapshot form.
	Serialize() ([]byte, error)
	// CollaboratorIDs lists every authenticated actor whose edits the state
	// has absorbed, in ascending order.
	CollaboratorIDs() []uint64
	// Clock returns the highest Lamport clock absorbed so far.
	Clock() uint64
}

// Engine materializes states. The session core depends only on this
// capability surface, so a different CRDT implementation can be swapped in
// without touching admission, hydration or reconciliation.
type Engine interface {
	// Parse imports canonical text into a fresh state. This is the one-time
	// upgrade path for records without a snapshot.
	Parse(text string) (State, error)
	// Deserialize restores a state from a snapshot previously produced by
	// Serialize.
	Deserialize(snapshot []byte) (State, error)
}
