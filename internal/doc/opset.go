package doc

import (
	"encoding/json"
	"fmt"
	"sort"
)

// OpSetEngine is the default mergeable-document implementation. A state is
// the text the record carried at import time plus the set of edits absorbed
// since. Merging is set union, so application order never matters; the
// canonical text is derived by replaying the set in a total order
// (clock, actor, id) through a piece table.
type OpSetEngine struct{}

func NewOpSetEngine() *OpSetEngine { return &OpSetEngine{} }

func (e *OpSetEngine) Parse(text string) (State, error) {
	return &opSetState{initial: text, edits: make(map[string]Edit)}, nil
}

func (e *OpSetEngine) Deserialize(snapshot []byte) (State, error) {
	var enc encodedOpSet
	if err := json.Unmarshal(snapshot, &enc); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	st := &opSetState{initial: enc.Initial, edits: make(map[string]Edit, len(enc.Edits))}
	for _, ed := range enc.Edits {
		st.edits[ed.ID] = ed
	}
	return st, nil
}

type encodedOpSet struct {
	Initial string `json:"initial"`
	Edits   []Edit `json:"edits"`
}

type opSetState struct {
	initial string
	edits   map[string]Edit
}

func (s *opSetState) Apply(e Edit) error {
	if e.ID == "" {
		return fmt.Errorf("edit without id")
	}
	if err := e.Ops.Validate(); err != nil {
		return fmt.Errorf("edit %s: %w", e.ID, err)
	}
	if _, ok := s.edits[e.ID]; ok {
		return nil // already absorbed
	}
	s.edits[e.ID] = e
	return nil
}

func (s *opSetState) Text() string {
	pt := NewPieceTable(s.initial)
	for _, e := range s.ordered() {
		_ = pt.Apply(e.Ops)
	}
	return pt.String()
}

// Serialize emits edits in replay order so equal states produce identical
// bytes.
func (s *opSetState) Serialize() ([]byte, error) {
	return json.Marshal(encodedOpSet{Initial: s.initial, Edits: s.ordered()})
}

func (s *opSetState) CollaboratorIDs() []uint64 {
	seen := make(map[uint64]struct{})
	for _, e := range s.edits {
		if e.ActorID != 0 {
			seen[e.ActorID] = struct{}{}
		}
	}
	ids := make([]uint64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *opSetState) Clock() uint64 {
	var max uint64
	for _, e := range s.edits {
		if e.Clock > max {
			max = e.Clock
		}
	}
	return max
}

func (s *opSetState) ordered() []Edit {
	edits := make([]Edit, 0, len(s.edits))
	for _, e := range s.edits {
		edits = append(edits, e)
	}
	sort.Slice(edits, func(i, j int) bool {
		a, b := edits[i], edits[j]
		if a.Clock != b.Clock {
			return a.Clock < b.Clock
		}
		if a.ActorID != b.ActorID {
			return a.ActorID < b.ActorID
		}
		return a.ID < b.ID
	})
	return edits
}
