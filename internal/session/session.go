package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"collabsession/internal/doc"
)

type connState struct {
	id           string
	userID       uint64
	readOnly     bool
	lastPresence time.Time // zero until the first coalesced write
}

// Session is the live, in-memory side of one document: the mergeable state,
// the active connection set, and the collaborators accumulated since the last
// flush. It is rebuilt by hydration after a process restart; nothing here is
// durable.
type Session struct {
	key doc.Key
	reg *Registry

	// hydrateMu serializes first-hydration within this process; the store's
	// row lock serializes it across processes.
	hydrateMu    sync.Mutex
	collectionID string
	teamID       string

	mu      sync.Mutex
	state   doc.State // nil until hydrated
	conns   map[string]*connState
	pending map[uint64]struct{} // collaborators since last successful flush
	// lastActor is the most recent authenticated contributor; attribution
	// falls back to the stored value when it is 0.
	lastActor uint64

	flushState        flushPhase
	timer             *time.Timer
	deadline          time.Time // max-wait ceiling, zero when idle
	editsDuringFlight bool
	destroyed         bool
}

func newSession(key doc.Key, reg *Registry) *Session {
	return &Session{
		key:     key,
		reg:     reg,
		conns:   make(map[string]*connState),
		pending: make(map[uint64]struct{}),
	}
}

func (s *Session) Key() doc.Key { return s.key }

// ensureHydrated materializes the mergeable state exactly once per session.
// The common path deserializes the stored snapshot; a record without one is
// upgraded by parsing its canonical text, and the store persists that
// snapshot under the row lock before anyone proceeds. The import path is
// never executed twice for the same document: within the process the first
// caller holds hydrateMu while loading and later callers reuse the state,
// across processes the row lock plus the persisted snapshot close the race.
func (s *Session) ensureHydrated(ctx context.Context) error {
	s.hydrateMu.Lock()
	defer s.hydrateMu.Unlock()

	s.mu.Lock()
	hydrated := s.state != nil
	s.mu.Unlock()
	if hydrated {
		return nil
	}

	var imported doc.State
	h, err := s.reg.store.LoadForHydration(ctx, s.key.ID, func(text string) ([]byte, error) {
		st, err := s.reg.engine.Parse(text)
		if err != nil {
			return nil, err
		}
		imported = st
		return st.Serialize()
	})
	if err != nil {
		return fmt.Errorf("hydrate %s: %w", s.key, err)
	}

	st := imported
	if st == nil {
		st, err = s.reg.engine.Deserialize(h.Snapshot)
		if err != nil {
			return fmt.Errorf("hydrate %s: decode snapshot: %w", s.key, err)
		}
	}

	s.collectionID = h.CollectionID
	s.teamID = h.TeamID
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	return nil
}

// ApplyEdit absorbs one edit broadcast by a connection. Edits from read-only
// connections are not applied. The actor recorded on the edit is the
// connection's authenticated user, never client-supplied. Returns whether the
// edit was applied to the shared state.
func (s *Session) ApplyEdit(ctx context.Context, connID string, e doc.Edit) (bool, error) {
	s.mu.Lock()
	c, ok := s.conns[connID]
	if !ok || s.state == nil {
		s.mu.Unlock()
		return false, fmt.Errorf("connection %s not attached to %s", connID, s.key)
	}
	if c.readOnly {
		s.mu.Unlock()
		return false, nil
	}

	e.ActorID = c.userID
	if err := s.state.Apply(e); err != nil {
		s.mu.Unlock()
		return false, err
	}
	if c.userID != 0 {
		s.pending[c.userID] = struct{}{}
		s.lastActor = c.userID
	}
	s.scheduleFlushLocked()

	var presenceDue bool
	now := time.Now()
	if c.userID != 0 && now.Sub(c.lastPresence) > s.reg.opts.PresenceWindow {
		c.lastPresence = now
		presenceDue = true
	}
	userID := c.userID
	s.mu.Unlock()

	if presenceDue && s.reg.presence != nil {
		// best effort; bounded write volume is the only guarantee
		if err := s.reg.presence.RecordView(ctx, s.key.ID, userID, now); err != nil {
			s.reg.log.Warn("presence write failed", "docId", s.key.ID, "userId", userID, "error", err)
		}
	}

	s.reg.fireChange(Event{Key: s.key, ConnID: connID, UserID: userID})
	return true, nil
}

// Text derives the current canonical text of the live state.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return ""
	}
	return s.state.Text()
}

// Clock returns the highest Lamport clock absorbed so far.
func (s *Session) Clock() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return 0
	}
	return s.state.Clock()
}

// ConnIDs snapshots the active connection set, for fan-out.
func (s *Session) ConnIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}
