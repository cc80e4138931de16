package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/MonkyMars/BlueQuill/backend/internal/authservice"
	"github.com/MonkyMars/BlueQuill/backend/internal/collab"
	"github.com/MonkyMars/BlueQuill/backend/internal/crdt"
	"github.com/MonkyMars/BlueQuill/backend/internal/httpapi/middleware"
	"github.com/MonkyMars/BlueQuill/backend/internal/ws"
)

// startRelay brings up a full relay over httptest: auth middleware, hub,
// room service with no backing store (rooms cold-start empty).
func startRelay(t *testing.T) (wsURL string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc := collab.NewRoomService(nil, nil, zerolog.Nop(), collab.RoomServiceOptions{
		CheckpointEvery: time.Hour,
	})
	hub := ws.NewHub(nil)
	mgr := ws.NewManager(hub, svc, zerolog.Nop())

	router := gin.New()
	group := router.Group("/collab", middleware.AuthMiddleware())
	group.GET("/ws/:docId", mgr.Connect)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/collab/ws"
}

func testToken(t *testing.T, userID uint64, username string) string {
	t.Helper()
	token, _, err := authservice.SignAccessToken(userID, username, time.Hour)
	require.NoError(t, err)
	return token
}

func dialAdapter(t *testing.T, wsURL, docID string, opt Options) *Adapter {
	t.Helper()
	opt.URL = wsURL
	opt.DocID = docID
	opt.Logger = zerolog.Nop()
	a := New(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Connect(ctx))
	t.Cleanup(func() { a.Close() })
	return a
}

func TestTwoAdaptersConverge(t *testing.T) {
	wsURL := startRelay(t)
	docID := "doc-converge"

	alice := dialAdapter(t, wsURL, docID, Options{Token: testToken(t, 1, "alice")})
	bob := dialAdapter(t, wsURL, docID, Options{Token: testToken(t, 2, "bob")})

	require.NoError(t, alice.InsertText(0, "Hello"))
	require.NoError(t, bob.InsertText(0, "World"))

	require.Eventually(t, func() bool {
		a, err := alice.Text()
		if err != nil {
			return false
		}
		b, err := bob.Text()
		if err != nil {
			return false
		}
		return len(a) == len("HelloWorld") && a == b
	}, 5*time.Second, 20*time.Millisecond, "replicas did not converge")
}

func TestLateJoinerStartsFromSnapshot(t *testing.T) {
	wsURL := startRelay(t)
	docID := "doc-late"

	alice := dialAdapter(t, wsURL, docID, Options{Token: testToken(t, 1, "alice")})
	require.NoError(t, alice.InsertText(0, "Title\n"))

	// Whether the relay applied the update before or after bob's join
	// snapshot, bob converges: either the snapshot carries it or the
	// broadcast does.
	bob := dialAdapter(t, wsURL, docID, Options{Token: testToken(t, 2, "bob")})
	require.Eventually(t, func() bool {
		text, err := bob.Text()
		return err == nil && text == "Title\n"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAwarenessPropagates(t *testing.T) {
	wsURL := startRelay(t)
	docID := "doc-aware"

	var (
		mu   sync.Mutex
		seen []collab.AwarenessRecord
		gone []string
	)

	alice := dialAdapter(t, wsURL, docID, Options{Token: testToken(t, 1, "alice")})
	_ = dialAdapter(t, wsURL, docID, Options{
		Token: testToken(t, 2, "bob"),
		OnAwareness: func(rec collab.AwarenessRecord) {
			mu.Lock()
			seen = append(seen, rec)
			mu.Unlock()
		},
		OnAwarenessGone: func(sessionID string) {
			mu.Lock()
			gone = append(gone, sessionID)
			mu.Unlock()
		},
	})

	require.NoError(t, alice.SetAwareness(collab.AwarenessRecord{
		Name:   "alice",
		Color:  "#ff8800",
		Cursor: &collab.CursorRange{Anchor: 3, Head: 7},
	}))

	var aliceSession string
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, rec := range seen {
			if rec.UserID == 1 && rec.Cursor != nil && rec.Cursor.Anchor == 3 {
				aliceSession = rec.SessionID
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond, "awareness never reached the peer")
	require.NotEmpty(t, aliceSession)

	require.NoError(t, alice.Close())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, id := range gone {
			if id == aliceSession {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond, "departure never reached the peer")
}

func TestHandshakeToleratesUpdateBeforeSnapshot(t *testing.T) {
	base, err := crdt.NewReplica("doc-early")
	require.NoError(t, err)
	_, err = base.InsertText(0, "Title\n")
	require.NoError(t, err)
	snapshot := base.Snapshot()
	update, err := base.InsertText(6, "body")
	require.NoError(t, err)

	// The relay registers a session in its room before taking the join
	// snapshot, so a peer broadcast can be queued ahead of it.
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.BinaryMessage, ws.EncodeFrame(ws.FrameUpdate, update))
		_ = conn.WriteMessage(websocket.BinaryMessage, ws.EncodeFrame(ws.FrameSnapshot, snapshot))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	a := New(Options{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		DocID:  "doc-early",
		Logger: zerolog.Nop(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Connect(ctx))
	defer a.Close()

	text, err := a.Text()
	require.NoError(t, err)
	require.Equal(t, "Title\nbody", text)
}

func TestCloseDuringReconnectDial(t *testing.T) {
	base, err := crdt.NewReplica("doc-hang")
	require.NoError(t, err)
	snapshot := base.Snapshot()

	// First dial succeeds and is dropped by the server; the redial is
	// stalled so Close lands while the dial is in flight.
	var dials int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&dials, 1)
		if n > 1 {
			time.Sleep(300 * time.Millisecond)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.BinaryMessage, ws.EncodeFrame(ws.FrameSnapshot, snapshot))
		if n == 1 {
			_ = conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	a := New(Options{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		DocID:      "doc-hang",
		Logger:     zerolog.Nop(),
		MinBackoff: 20 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Connect(ctx))

	time.Sleep(120 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		_ = a.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close hung while a reconnect dial was in flight")
	}
	require.False(t, a.Connected())
}

func TestEditWhileDisconnectedSurvivesResync(t *testing.T) {
	wsURL := startRelay(t)
	docID := "doc-offline"

	alice := dialAdapter(t, wsURL, docID, Options{Token: testToken(t, 1, "alice")})
	bob := dialAdapter(t, wsURL, docID, Options{Token: testToken(t, 2, "bob")})

	require.NoError(t, alice.InsertText(0, "before "))
	require.Eventually(t, func() bool {
		text, err := bob.Text()
		return err == nil && text == "before "
	}, 5*time.Second, 20*time.Millisecond)

	// Drop bob's socket out from under the adapter; the edit made while the
	// reconnect backoff runs must still reach alice via the resync push.
	bob.mu.Lock()
	conn := bob.conn
	bob.mu.Unlock()
	require.NotNil(t, conn)
	_ = conn.Close()

	require.NoError(t, bob.InsertText(7, "after"))

	require.Eventually(t, func() bool {
		text, err := alice.Text()
		return err == nil && text == "before after"
	}, 10*time.Second, 50*time.Millisecond, "offline edit never reached the peer")
}
