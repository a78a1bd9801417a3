// Package admission decides, before a socket joins any session, whether a
// connection may proceed and with what capability level. Gates run in order
// and fail fast; the capacity gate goes last because it mutates shared state.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"collabsession/internal/auth"
	"collabsession/internal/doc"
	"collabsession/internal/session"
	"collabsession/internal/store"
)

// Client-visible close codes, in the RFC 6455 private range so clients can
// tell "reload needed" from "too busy" from "sign in again".
const (
	CloseUnauthenticated    = 4401
	CloseNotFound           = 4404
	CloseClientTooOld       = 4426
	CloseTooManyConnections = 4429
	CloseInternalError      = 4500
)

// Error is a rejection: the socket is closed with Code and Reason, and no
// session state is left behind.
type Error struct {
	Code   int
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// Request describes one incoming connection before admission.
type Request struct {
	Key           doc.Key
	ConnID        string
	Credential    string
	ClientVersion string // empty = compatible
}

// Admission accumulates what the gates grant.
type Admission struct {
	User     *store.User
	ReadOnly bool
	Session  *session.Session
}

type Gate interface {
	Admit(ctx context.Context, req *Request, adm *Admission) error
}

// Pipeline drives the ordered gate list.
type Pipeline struct {
	gates []Gate
	log   *slog.Logger
}

func NewPipeline(log *slog.Logger, gates ...Gate) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{gates: gates, log: log}
}

func (p *Pipeline) Admit(ctx context.Context, req *Request) (*Admission, error) {
	adm := &Admission{}
	for _, g := range p.gates {
		if err := g.Admit(ctx, req, adm); err != nil {
			p.log.Info("connection rejected",
				"docId", req.Key.ID, "connId", req.ConnID, "reason", err.Error())
			return nil, err
		}
	}
	return adm, nil
}

// Default assembles the standard gate order: protocol version, then
// authentication/authorization, then capacity.
func Default(serverVersion string, resolver auth.Resolver, authorizer auth.Authorizer, docs DocumentGetter, registry *session.Registry, log *slog.Logger) *Pipeline {
	return NewPipeline(log,
		&VersionGate{ServerVersion: serverVersion},
		&AuthGate{Resolver: resolver, Authorizer: authorizer, Docs: docs},
		&CapacityGate{Registry: registry},
	)
}

type DocumentGetter interface {
	Get(ctx context.Context, id string) (*store.Document, error)
}

// AuthGate requires a bearer credential, resolves it to a non-suspended user,
// and checks read ability on the target document. Missing update ability
// downgrades the connection to read-only instead of rejecting it.
type AuthGate struct {
	Resolver   auth.Resolver
	Authorizer auth.Authorizer
	Docs       DocumentGetter
}

func (g *AuthGate) Admit(ctx context.Context, req *Request, adm *Admission) error {
	user, err := g.Resolver.Resolve(ctx, req.Credential)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUnauthenticated):
			return &Error{Code: CloseUnauthenticated, Reason: "unauthenticated", Err: err}
		case errors.Is(err, auth.ErrSuspended):
			return &Error{Code: CloseUnauthenticated, Reason: "account suspended", Err: err}
		default:
			return &Error{Code: CloseInternalError, Reason: "authentication unavailable", Err: err}
		}
	}

	d, err := g.Docs.Get(ctx, req.Key.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &Error{Code: CloseNotFound, Reason: "document not found", Err: err}
		}
		return &Error{Code: CloseInternalError, Reason: "document load failed", Err: err}
	}

	if !g.Authorizer.CanPerform(ctx, user, auth.ActionRead, d) {
		return &Error{Code: CloseUnauthenticated, Reason: "forbidden"}
	}
	adm.User = user
	adm.ReadOnly = !g.Authorizer.CanPerform(ctx, user, auth.ActionUpdate, d)
	return nil
}

// CapacityGate registers the connection with the session registry; the
// check-then-add is atomic inside Attach. Runs last so rejected connections
// never mutate shared state.
type CapacityGate struct {
	Registry *session.Registry
}

func (g *CapacityGate) Admit(ctx context.Context, req *Request, adm *Admission) error {
	var userID uint64
	if adm.User != nil {
		userID = adm.User.ID
	}
	s, err := g.Registry.Attach(ctx, req.Key, session.AttachRequest{
		ConnID:   req.ConnID,
		UserID:   userID,
		ReadOnly: adm.ReadOnly,
	})
	if err != nil {
		switch {
		case errors.Is(err, session.ErrTooManyConnections):
			return &Error{Code: CloseTooManyConnections, Reason: "too many connections", Err: err}
		case errors.Is(err, store.ErrNotFound):
			return &Error{Code: CloseNotFound, Reason: "document not found", Err: err}
		default:
			return &Error{Code: CloseInternalError, Reason: "session unavailable", Err: err}
		}
	}
	adm.Session = s
	return nil
}
