package session

import (
	"log/slog"
	"time"

	"collabsession/internal/doc"
)

// Event describes one connection-scoped lifecycle step.
type Event struct {
	Key    doc.Key
	ConnID string
	UserID uint64 // 0 = anonymous
}

// FlushInfo describes one completed flush cycle, whatever its outcome.
type FlushInfo struct {
	Key      doc.Key
	Written  bool
	Terminal bool
	ActorID  uint64
	Duration time.Duration
	Err      error
}

// Hooks are optional lifecycle observers composed into an ordered list and
// driven by the registry. Absent handlers are skipped. Hooks observe only:
// they never alter control flow, and a panicking hook is recovered and
// logged rather than allowed to abort a session.
type Hooks struct {
	OnConnect        func(Event)
	OnDisconnect     func(Event)
	OnChange         func(Event)
	OnFlush          func(FlushInfo)
	OnSessionDestroy func(doc.Key)
}

func fire(log *slog.Logger, name string, f func()) {
	if f == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			log.Error("lifecycle hook panicked", "hook", name, "panic", p)
		}
	}()
	f()
}

func (r *Registry) fireConnect(ev Event) {
	for _, h := range r.hooks {
		h := h
		if h.OnConnect != nil {
			fire(r.log, "onConnect", func() { h.OnConnect(ev) })
		}
	}
}

func (r *Registry) fireDisconnect(ev Event) {
	for _, h := range r.hooks {
		h := h
		if h.OnDisconnect != nil {
			fire(r.log, "onDisconnect", func() { h.OnDisconnect(ev) })
		}
	}
}

func (r *Registry) fireChange(ev Event) {
	for _, h := range r.hooks {
		h := h
		if h.OnChange != nil {
			fire(r.log, "onChange", func() { h.OnChange(ev) })
		}
	}
}

func (r *Registry) fireFlush(info FlushInfo) {
	for _, h := range r.hooks {
		h := h
		if h.OnFlush != nil {
			fire(r.log, "onFlush", func() { h.OnFlush(info) })
		}
	}
}

func (r *Registry) fireSessionDestroy(key doc.Key) {
	for _, h := range r.hooks {
		h := h
		if h.OnSessionDestroy != nil {
			fire(r.log, "onSessionDestroy", func() { h.OnSessionDestroy(key) })
		}
	}
}
