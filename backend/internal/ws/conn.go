package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/MonkyMars/BlueQuill/backend/internal/collab"
	"github.com/MonkyMars/BlueQuill/backend/internal/crdt"
)

const (
	writeWait = 10 * time.Second
	// pongWait bounds half-open connections: a peer that answers no ping
	// within this window is dropped.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 4 << 20

	// A single malformed update is dropped and logged; only repeated
	// violations get the session disconnected.
	maxBadUpdates = 8

	// presenceTTL is the logical lifetime of the Redis awareness mirror
	// entry; every awareness frame refreshes it.
	presenceTTL = 60 * time.Second
)

type Conn struct {
	ws  *websocket.Conn
	hub *Hub
	svc collab.Service
	log zerolog.Logger

	docID     string
	sessionID string
	userID    uint64
	username  string

	send chan []byte
	// closed stops the write loop and makes further enqueues no-ops. The
	// send channel itself is never closed, so a broadcast racing with
	// teardown cannot panic.
	closed    chan struct{}
	closeOnce sync.Once

	badUpdates int
}

func NewConn(ws *websocket.Conn, hub *Hub, svc collab.Service, docID, sessionID string, userID uint64, username string, log zerolog.Logger) *Conn {
	return &Conn{
		ws:        ws,
		hub:       hub,
		svc:       svc,
		log:       log.With().Str("docId", docID).Str("sessionId", sessionID).Logger(),
		docID:     docID,
		sessionID: sessionID,
		userID:    userID,
		username:  username,
		send:      make(chan []byte, 64),
		closed:    make(chan struct{}),
	}
}

// shutdown stops the write loop. Safe to call more than once.
func (c *Conn) shutdown() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// enqueue hands a frame to the write loop without blocking the sender's
// room. A full queue means a consumer too slow to keep its replica honest;
// closing the socket makes it resync from a fresh snapshot instead of
// silently missing updates.
func (c *Conn) enqueue(frame []byte) {
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case <-c.closed:
	case c.send <- frame:
	default:
		c.log.Warn().Msg("send queue full, closing slow consumer")
		c.shutdown()
		_ = c.ws.Close()
	}
}

func (c *Conn) readLoop(ctx context.Context) {

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("read ended")
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		tag, payload, err := DecodeFrame(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("undecodable frame dropped")
			if c.noteViolation() {
				return
			}
			continue
		}

		switch tag {
		case FrameUpdate:
			if err := c.svc.ApplyUpdate(ctx, c.docID, c.sessionID, payload); err != nil {
				if errors.Is(err, crdt.ErrBadUpdate) {
					c.log.Warn().Err(err).Msg("malformed update dropped")
					if c.noteViolation() {
						return
					}
					continue
				}
				c.log.Error().Err(err).Msg("apply update failed")
				return
			}
			c.hub.Broadcast(c.docID, c, data)

		case FrameAwareness:
			c.handleAwareness(ctx, payload)

		default:
			// Snapshots and removals only flow relay -> client.
		}
	}
}

func (c *Conn) handleAwareness(ctx context.Context, payload []byte) {
	var rec collab.AwarenessRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		c.log.Warn().Err(err).Msg("malformed awareness dropped")
		return
	}
	// Identity comes from auth, not from the client payload.
	rec.SessionID = c.sessionID
	rec.UserID = c.userID
	if rec.Name == "" {
		rec.Name = c.username
	}

	if err := c.svc.SetAwareness(ctx, c.docID, rec); err != nil {
		c.log.Warn().Err(err).Msg("set awareness failed")
		return
	}
	if c.hub.presence != nil {
		if err := c.hub.presence.AddMember(ctx, c.docID, c.sessionID, rec.Name, rec.Color, presenceTTL); err != nil {
			c.log.Debug().Err(err).Msg("presence mirror update failed")
		}
		if rec.Cursor != nil {
			if cur, err := json.Marshal(rec.Cursor); err == nil {
				_ = c.hub.presence.SetCursor(ctx, c.docID, c.sessionID, cur, presenceTTL)
			}
		}
	}
	c.hub.Broadcast(c.docID, c, EncodeAwareness(rec))
}

// noteViolation counts a protocol violation and reports whether the session
// has used up its allowance.
func (c *Conn) noteViolation() bool {
	c.badUpdates++
	if c.badUpdates >= maxBadUpdates {
		c.log.Warn().Int("violations", c.badUpdates).Msg("too many bad frames, disconnecting")
		return true
	}
	return false
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
