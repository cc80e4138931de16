package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/MonkyMars/BlueQuill/backend/internal/collab"
)

// Upgrader shared by every connection; origins are restricted to local
// development hosts unless the deployment fronts the relay with its own
// origin policy.
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

type Manager struct {
	hub *Hub
	svc collab.Service
	log zerolog.Logger
}

func NewManager(hub *Hub, svc collab.Service, log zerolog.Logger) *Manager {
	return &Manager{hub: hub, svc: svc, log: log}
}

// Connect upgrades the request and serves the session until the socket
// drops. The document id is the path segment; identity comes from the auth
// middleware. A socket error is handled the same as a clean close: best
// effort cleanup, the client reconnects and resyncs from a fresh snapshot.
func (m *Manager) Connect(c *gin.Context) {
	docID := c.Param("docId")
	if docID == "" {
		c.String(http.StatusBadRequest, "missing document id")
		return
	}
	userID := c.GetUint64("userId")
	username := c.GetString("username")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn().Err(err).Str("origin", c.Request.Header.Get("Origin")).
			Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sessionID := ulid.Make().String()
	ctx := c.Request.Context()

	wsConn := NewConn(conn, m.hub, m.svc, docID, sessionID, userID, username, m.log)

	// Hub registration must precede the join snapshot: an update applied
	// before the snapshot is inside it, and an update applied after is
	// broadcast to a conn already in the room, so nothing falls between.
	// A broadcast that lands ahead of the snapshot in the send queue is
	// merged by the client once the snapshot arrives.
	m.hub.Join(docID, wsConn)
	snapshot, peers, err := m.svc.Join(ctx, docID, sessionID)
	if err != nil {
		m.hub.Leave(docID, wsConn)
		m.log.Error().Err(err).Str("docId", docID).Msg("join failed")
		return
	}
	m.log.Info().Str("docId", docID).Str("sessionId", sessionID).
		Uint64("userId", userID).Msg("session joined")

	go wsConn.writeLoop()

	// Handshake: the full snapshot (possibly behind a broadcast that beat
	// it into the queue), then the awareness of everyone already in the
	// room.
	wsConn.enqueue(EncodeFrame(FrameSnapshot, snapshot))
	for _, rec := range peers {
		wsConn.enqueue(EncodeAwareness(rec))
	}

	wsConn.readLoop(ctx)

	m.hub.Leave(docID, wsConn)
	m.hub.Broadcast(docID, wsConn, EncodeAwarenessGone(sessionID))
	wsConn.shutdown()

	// The request context dies with the connection; cleanup gets its own.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.svc.Leave(cleanupCtx, docID, sessionID); err != nil {
		m.log.Warn().Err(err).Str("docId", docID).Str("sessionId", sessionID).Msg("leave failed")
	}
	if m.hub.presence != nil {
		_ = m.hub.presence.RemoveMember(cleanupCtx, docID, sessionID)
	}
	m.log.Info().Str("docId", docID).Str("sessionId", sessionID).Msg("session left")
}
