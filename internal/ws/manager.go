package ws

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabsession/internal/admission"
	"collabsession/internal/doc"
	"collabsession/internal/metric"
	"collabsession/internal/session"
)

const closeWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

// Manager upgrades sockets and walks them through admission. Gates run after
// the upgrade so a rejection can carry its close code to the client; until
// admission passes no session state exists for the connection.
type Manager struct {
	hub      *Hub
	pipeline *admission.Pipeline
	registry *session.Registry
	metrics  *metric.Metrics // nil disables instrumentation
	log      *slog.Logger
}

func NewManager(hub *Hub, pipeline *admission.Pipeline, registry *session.Registry, metrics *metric.Metrics, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{hub: hub, pipeline: pipeline, registry: registry, metrics: metrics, log: log}
}

// Connect handles GET /collab/ws/:documentKey. The handshake carries the
// bearer credential in the Authorization header or ?token= (browsers cannot
// set headers on websocket upgrades), and the declared protocol version in
// ?protocolVersion=.
func (m *Manager) Connect(c *gin.Context) {
	key, err := doc.ParseKey(c.Param("documentKey"))
	if err != nil {
		c.String(http.StatusBadRequest, "malformed document key")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn("websocket upgrade failed", "docId", key.ID, "error", err)
		return
	}
	defer conn.Close()

	req := &admission.Request{
		Key:           key,
		ConnID:        uuid.NewString(),
		Credential:    extractCredential(c),
		ClientVersion: c.Query("protocolVersion"),
	}
	if m.metrics != nil {
		m.metrics.ConnectionsAttempted.Inc()
	}

	adm, err := m.pipeline.Admit(c.Request.Context(), req)
	if err != nil {
		if m.metrics != nil {
			m.metrics.ConnectionsRejected.WithLabelValues(rejectReason(err)).Inc()
		}
		m.closeWithReason(conn, err)
		return
	}

	var userID uint64
	if adm.User != nil {
		userID = adm.User.ID
	}
	wsConn := NewConn(conn, m.hub, req.ConnID, key, userID, adm.ReadOnly, adm.Session, m.log)
	m.hub.Join(key.String(), wsConn)
	defer func() {
		m.hub.Leave(key.String(), wsConn)
		wsConn.Close()
		m.registry.Detach(c.Request.Context(), key, req.ConnID)
	}()

	go wsConn.writeLoop()
	wsConn.Enqueue(ServerMessage{
		Type:     "welcome",
		DocID:    key.ID,
		Text:     adm.Session.Text(),
		Clock:    adm.Session.Clock(),
		ReadOnly: adm.ReadOnly,
	})

	wsConn.readLoop(c.Request.Context())
}

func rejectReason(err error) string {
	var aerr *admission.Error
	if !errors.As(err, &aerr) {
		return "internal"
	}
	switch aerr.Code {
	case admission.CloseUnauthenticated:
		return "unauthenticated"
	case admission.CloseNotFound:
		return "not_found"
	case admission.CloseClientTooOld:
		return "client_too_old"
	case admission.CloseTooManyConnections:
		return "too_many_connections"
	default:
		return "internal"
	}
}

func (m *Manager) closeWithReason(conn *websocket.Conn, err error) {
	code := admission.CloseInternalError
	reason := "internal error"
	var aerr *admission.Error
	if errors.As(err, &aerr) {
		code = aerr.Code
		reason = aerr.Reason
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
}

func extractCredential(c *gin.Context) string {
	if token := extractBearer(c.GetHeader("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(c.Query("token"))
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
