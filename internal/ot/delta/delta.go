package delta

import "fmt"

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind           `json:"kind"`
	Count int            `json:"count,omitempty"` // retain/delete length
	Text  string         `json:"text,omitempty"`  // insert payload
	Attrs map[string]any `json:"attrs,omitempty"` // style attributes (bold, color, ...)
}

// Delta is an ordered list of operations applied against a position cursor
// starting at 0.
//
// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]
type Delta []Op

// Validate rejects structurally invalid ops. Deltas arrive from clients as
// plain JSON; a negative span would corrupt the replay cursor for every
// later edit, so it must never enter a document.
func (d Delta) Validate() error {
	for i, op := range d {
		switch op.Kind {
		case KindRetain, KindDelete:
			if op.Count < 0 {
				return fmt.Errorf("op %d: negative %s count %d", i, op.Kind, op.Count)
			}
		case KindInsert:
		default:
			return fmt.Errorf("op %d: unknown kind %q", i, op.Kind)
		}
	}
	return nil
}
