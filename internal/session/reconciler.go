package session

import (
	"context"
	"time"

	"collabsession/internal/events"
	"collabsession/internal/store"
)

// flushPhase is the debounce state machine: idle -> pending on first edit,
// pending -> in-flight when the timer fires or the max-wait deadline passes,
// in-flight -> idle (or back to pending when edits arrived mid-flight).
type flushPhase int

const (
	flushIdle flushPhase = iota
	flushPending
	flushInFlight
)

const emitTimeout = 5 * time.Second

// scheduleFlushLocked is called with s.mu held, on every applied edit. The
// debounce timer is cancel-and-rescheduled, but never past the hard deadline
// set when the session left idle.
func (s *Session) scheduleFlushLocked() {
	now := time.Now()
	switch s.flushState {
	case flushInFlight:
		s.editsDuringFlight = true
	case flushIdle:
		s.flushState = flushPending
		s.deadline = now.Add(s.reg.opts.MaxWait)
		s.timer = time.AfterFunc(s.reg.opts.Debounce, s.timerFired)
	case flushPending:
		wait := s.reg.opts.Debounce
		if remaining := s.deadline.Sub(now); remaining < wait {
			wait = remaining
			if wait < 0 {
				wait = 0
			}
		}
		s.timer.Reset(wait)
	}
}

func (s *Session) timerFired() {
	s.mu.Lock()
	if s.flushState != flushPending {
		s.mu.Unlock()
		return
	}
	s.flushState = flushInFlight
	s.editsDuringFlight = false
	s.mu.Unlock()

	// disconnects do not cancel an in-flight flush; it always runs to
	// completion (success, skip, or logged failure)
	s.flush(context.Background(), false)

	s.mu.Lock()
	if s.flushState == flushInFlight {
		s.flushState = flushIdle
		s.deadline = time.Time{}
		if s.editsDuringFlight {
			s.editsDuringFlight = false
			s.scheduleFlushLocked()
		}
	}
	s.mu.Unlock()
}

// terminalFlush runs when the last connection leaves: immediately, with no
// debounce wait.
func (s *Session) terminalFlush(ctx context.Context) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.flushState = flushInFlight
	s.editsDuringFlight = false
	s.mu.Unlock()

	s.flush(ctx, true)

	s.mu.Lock()
	s.flushState = flushIdle
	s.deadline = time.Time{}
	// a connection that attached mid-flush may have edited already; its
	// changes get a fresh debounce cycle, not a wait for its disconnect
	if s.editsDuringFlight {
		s.editsDuringFlight = false
		s.scheduleFlushLocked()
	}
	s.mu.Unlock()
}

// flush reconciles the live state into the durable store. The store compares
// derived text under the row lock; an identical text skips both the write and
// the event, so a session with no net change produces no downstream traffic.
// Store failures are logged and swallowed: pending state stays intact and the
// next cycle retries with the larger edit set.
func (s *Session) flush(ctx context.Context, terminal bool) {
	start := time.Now()

	s.mu.Lock()
	if s.state == nil {
		s.mu.Unlock()
		return
	}
	text := s.state.Text()
	snapshot, serr := s.state.Serialize()
	pending := make([]uint64, 0, len(s.pending))
	for id := range s.pending {
		pending = append(pending, id)
	}
	actor := s.lastActor
	s.mu.Unlock()

	info := FlushInfo{Key: s.key, Terminal: terminal, ActorID: actor}

	if serr != nil {
		s.reg.log.Error("flush serialize failed", "docId", s.key.ID, "userId", actor, "error", serr)
		info.Err = serr
		info.Duration = time.Since(start)
		s.reg.fireFlush(info)
		return
	}

	res, err := s.reg.store.Flush(ctx, s.key.ID, store.FlushUpdate{
		Text:             text,
		Snapshot:         snapshot,
		CollaboratorIDs:  pending,
		AttributedUserID: actor,
	})
	if err != nil {
		s.reg.log.Error("flush failed", "docId", s.key.ID, "userId", actor, "terminal", terminal, "error", err)
		info.Err = err
		info.Duration = time.Since(start)
		s.reg.fireFlush(info)
		return
	}

	if res.Written {
		// clear only what this cycle persisted; collaborators that arrived
		// mid-flush stay pending for the next one
		s.mu.Lock()
		for _, id := range pending {
			delete(s.pending, id)
		}
		s.mu.Unlock()

		if s.reg.emitter != nil {
			emitCtx, cancel := context.WithTimeout(context.Background(), emitTimeout)
			if err := s.reg.emitter.Emit(emitCtx, events.DocumentUpdated{
				EventType:    "documents.update",
				DocumentID:   s.key.ID,
				CollectionID: res.CollectionID,
				TeamID:       res.TeamID,
				ActorID:      actor,
				Multiplayer:  true,
				Terminal:     terminal,
				OccurredAt:   time.Now(),
			}); err != nil {
				s.reg.log.Warn("flush event emit failed", "docId", s.key.ID, "error", err)
			}
			cancel()
		}
	}

	info.Written = res.Written
	info.Duration = time.Since(start)
	s.reg.fireFlush(info)

	s.reg.log.Info("flush completed",
		"docId", s.key.ID, "written", res.Written, "terminal", terminal, "userId", actor,
		"durationMs", info.Duration.Milliseconds())
}
