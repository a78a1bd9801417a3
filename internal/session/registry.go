// Package session owns the in-memory side of the collaboration pipeline: the
// per-document session registry, exactly-once hydration of mergeable state,
// change tracking, and the debounced reconciler that writes state back to the
// durable store.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"collabsession/internal/doc"
	"collabsession/internal/events"
	"collabsession/internal/store"
)

var ErrTooManyConnections = errors.New("too many connections for document")

// Store is the slice of the durable document store the session core needs.
type Store interface {
	LoadForHydration(ctx context.Context, id string, upgrade func(text string) ([]byte, error)) (*store.HydratedDocument, error)
	Flush(ctx context.Context, id string, u store.FlushUpdate) (store.FlushResult, error)
}

// PresenceRecorder receives coalesced last-viewed updates; failures are
// logged and otherwise ignored.
type PresenceRecorder interface {
	RecordView(ctx context.Context, docID string, userID uint64, at time.Time) error
}

type Options struct {
	// Debounce is the quiet period after the latest edit before a flush.
	Debounce time.Duration
	// MaxWait forces a flush even under continuous edits, bounding staleness.
	MaxWait time.Duration
	// MaxConnections caps concurrent connections per document key. The cap is
	// per instance; cluster-wide accuracy needs an external relay.
	MaxConnections int
	// PresenceWindow coalesces presence writes per connection.
	PresenceWindow time.Duration
}

func (o Options) withDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = 3 * time.Second
	}
	if o.MaxWait <= 0 {
		o.MaxWait = 10 * time.Second
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = 20
	}
	if o.PresenceWindow <= 0 {
		o.PresenceWindow = time.Minute
	}
	return o
}

// Registry is the per-process bookkeeping of live sessions, one per document
// key. Lock ordering: Registry.mu before Session.mu, never the reverse.
type Registry struct {
	opts     Options
	store    Store
	engine   doc.Engine
	emitter  events.Emitter
	presence PresenceRecorder
	hooks    []Hooks
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(st Store, engine doc.Engine, emitter events.Emitter, presence PresenceRecorder, opts Options, log *slog.Logger, hooks ...Hooks) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		opts:     opts.withDefaults(),
		store:    st,
		engine:   engine,
		emitter:  emitter,
		presence: presence,
		hooks:    hooks,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// AttachRequest registers one admitted connection.
type AttachRequest struct {
	ConnID   string
	UserID   uint64 // 0 = anonymous
	ReadOnly bool
}

// Attach runs the capacity check and, when it passes, registers the
// connection and guarantees the session is hydrated before returning. The
// check-then-add is atomic under the registry lock; hydration happens outside
// it so other documents are never stalled by a slow load.
func (r *Registry) Attach(ctx context.Context, key doc.Key, req AttachRequest) (*Session, error) {
	r.mu.Lock()
	s := r.sessions[key.String()]
	created := false
	if s == nil {
		s = newSession(key, r)
		r.sessions[key.String()] = s
		created = true
	}
	s.mu.Lock()
	if len(s.conns) >= r.opts.MaxConnections {
		s.mu.Unlock()
		if created {
			delete(r.sessions, key.String())
		}
		r.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	s.conns[req.ConnID] = &connState{
		id:       req.ConnID,
		userID:   req.UserID,
		readOnly: req.ReadOnly,
	}
	s.mu.Unlock()
	r.mu.Unlock()

	if err := s.ensureHydrated(ctx); err != nil {
		// fatal for this connection attempt only; registration is undone and
		// a later attempt may retry the load
		r.removeConn(key, req.ConnID)
		return nil, err
	}

	r.fireConnect(Event{Key: key, ConnID: req.ConnID, UserID: req.UserID})
	return s, nil
}

// Detach removes a connection. When the active set transitions to empty the
// terminal flush runs synchronously, without waiting for the debounce timer,
// and the session is destroyed once it completes (unless someone reattached
// meanwhile).
func (r *Registry) Detach(ctx context.Context, key doc.Key, connID string) {
	r.mu.Lock()
	s := r.sessions[key.String()]
	r.mu.Unlock()
	if s == nil {
		return
	}

	s.mu.Lock()
	c, ok := s.conns[connID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, connID) // drops the per-connection presence timestamp too
	remaining := len(s.conns)
	s.mu.Unlock()

	r.fireDisconnect(Event{Key: key, ConnID: connID, UserID: c.userID})

	if remaining > 0 {
		return
	}
	// the disconnect usually cancels the request context; the terminal flush
	// must still run to completion
	s.terminalFlush(context.WithoutCancel(ctx))

	r.mu.Lock()
	s.mu.Lock()
	if len(s.conns) == 0 {
		delete(r.sessions, key.String())
		s.destroyed = true
	}
	destroyed := s.destroyed
	s.mu.Unlock()
	r.mu.Unlock()

	if destroyed {
		r.fireSessionDestroy(key)
	}
}

// removeConn undoes a registration that never completed admission.
func (r *Registry) removeConn(key doc.Key, connID string) {
	r.mu.Lock()
	s := r.sessions[key.String()]
	if s == nil {
		r.mu.Unlock()
		return
	}
	s.mu.Lock()
	delete(s.conns, connID)
	if len(s.conns) == 0 && s.state == nil {
		// never hydrated, nothing to flush
		delete(r.sessions, key.String())
		s.destroyed = true
	}
	s.mu.Unlock()
	r.mu.Unlock()
}

// Counts reports active connections and sessions on this instance.
func (r *Registry) Counts() (conns, sessions int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		s.mu.Lock()
		conns += len(s.conns)
		s.mu.Unlock()
	}
	return conns, len(r.sessions)
}
