package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/MonkyMars/BlueQuill/backend/internal/collab"
	"github.com/MonkyMars/BlueQuill/backend/internal/crdt"
	"github.com/MonkyMars/BlueQuill/backend/internal/ws"
)

var (
	ErrNotConnected = errors.New("NOT_CONNECTED")
	// ErrBadHandshake: the relay did not deliver a snapshot within the
	// handshake window.
	ErrBadHandshake = errors.New("BAD_HANDSHAKE")
)

type Options struct {
	// URL is the relay endpoint without the document segment,
	// e.g. ws://localhost:8082/collab/ws
	URL   string
	DocID string
	Token string

	HandshakeTimeout time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration

	// OnChange fires after a remote update has been merged into the local
	// replica; the bound view re-renders from Text(). Local edits do not
	// fire it — the caller already knows.
	OnChange func()
	// OnAwareness fires for every peer awareness record received.
	OnAwareness func(collab.AwarenessRecord)
	// OnAwarenessGone fires when a peer session disconnects.
	OnAwarenessGone func(sessionID string)

	Logger zerolog.Logger
}

// Adapter binds a local replica to the relay: local edits mutate the
// replica first (the user's authoritative view, regardless of network
// state) and the produced update bytes go out on the socket; remote frames
// merge into the replica and surface through OnChange.
//
// On an unexpected close the adapter reconnects with capped exponential
// backoff and performs a fresh snapshot handshake — deltas missed while
// disconnected cannot be recovered any other way — then pushes its own
// change set back so edits made offline reach the relay at least once.
type Adapter struct {
	opt Options
	log zerolog.Logger

	mu        sync.Mutex
	replica   *crdt.Replica
	conn      *websocket.Conn
	awareness *collab.AwarenessRecord

	writeMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(opt Options) *Adapter {
	if opt.HandshakeTimeout <= 0 {
		opt.HandshakeTimeout = 10 * time.Second
	}
	if opt.MinBackoff <= 0 {
		opt.MinBackoff = 250 * time.Millisecond
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = 10 * time.Second
	}
	return &Adapter{
		opt:    opt,
		log:    opt.Logger.With().Str("docId", opt.DocID).Logger(),
		closed: make(chan struct{}),
	}
}

// Connect dials the relay and completes the snapshot handshake before
// returning, so the caller starts from converged state. The read/reconnect
// loop then runs until Close.
func (a *Adapter) Connect(ctx context.Context) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	a.wg.Add(1)
	go a.run(conn)
	return nil
}

func (a *Adapter) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: a.opt.HandshakeTimeout}
	header := http.Header{}
	if a.opt.Token != "" {
		header.Set("Authorization", "Bearer "+a.opt.Token)
	}

	url := a.opt.URL + "/" + a.opt.DocID
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	// Expose the socket before the handshake completes so edits made in
	// the handshake window are sent rather than silently parked until the
	// next resync; the relay merges frames in any order.
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	if err := a.handshake(conn); err != nil {
		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// handshake awaits the relay's snapshot and loads or merges it into the
// local replica. The relay registers the session in its room before taking
// the snapshot, so a peer broadcast can land ahead of the snapshot frame;
// those frames are buffered and merged after the snapshot loads, which is
// safe because update application is commutative and idempotent.
func (a *Adapter) handshake(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(a.opt.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var (
		snapshot []byte
		got      bool
		pending  [][]byte // update frames received before the snapshot
		deferred [][]byte // awareness frames delivered after the snapshot
		gone     [][]byte
	)
	for !got {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadHandshake, err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		tag, payload, err := ws.DecodeFrame(data)
		if err != nil {
			return ErrBadHandshake
		}
		switch tag {
		case ws.FrameSnapshot:
			snapshot = payload
			got = true
		case ws.FrameUpdate:
			pending = append(pending, payload)
		case ws.FrameAwareness:
			deferred = append(deferred, payload)
		case ws.FrameAwarenessGone:
			gone = append(gone, payload)
		}
	}

	a.mu.Lock()
	if a.replica == nil {
		replica, err := crdt.LoadReplica(a.opt.DocID, snapshot)
		if err != nil {
			a.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrBadHandshake, err)
		}
		a.replica = replica
	} else {
		// Reconnect: merge the server's state, then push our own change
		// set so nothing made while disconnected is lost.
		if err := a.replica.ApplyUpdate(snapshot); err != nil {
			a.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrBadHandshake, err)
		}
		a.writeFrame(conn, ws.EncodeFrame(ws.FrameUpdate, a.replica.Changes()))
		if a.awareness != nil {
			if rec, err := json.Marshal(a.awareness); err == nil {
				a.writeFrame(conn, ws.EncodeFrame(ws.FrameAwareness, rec))
			}
		}
	}
	for _, update := range pending {
		if err := a.replica.ApplyUpdate(update); err != nil {
			a.log.Warn().Err(err).Msg("malformed update dropped")
		}
	}
	a.mu.Unlock()

	for _, payload := range deferred {
		var rec collab.AwarenessRecord
		if json.Unmarshal(payload, &rec) == nil && a.opt.OnAwareness != nil {
			a.opt.OnAwareness(rec)
		}
	}
	for _, payload := range gone {
		var g ws.AwarenessGone
		if json.Unmarshal(payload, &g) == nil && a.opt.OnAwarenessGone != nil {
			a.opt.OnAwarenessGone(g.SessionID)
		}
	}
	return nil
}

// discard closes a conn that lost the race with Close, unpublishing it if
// it was the current one.
func (a *Adapter) discard(conn *websocket.Conn) {
	a.mu.Lock()
	if a.conn == conn {
		a.conn = nil
	}
	a.mu.Unlock()
	_ = conn.Close()
}

// run reads frames until the socket fails, then reconnects with backoff.
func (a *Adapter) run(conn *websocket.Conn) {
	defer a.wg.Done()
	for {
		a.readPump(conn)

		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
		_ = conn.Close()

		select {
		case <-a.closed:
			return
		default:
		}

		var err error
		conn, err = a.reconnect()
		if err != nil {
			return
		}
		a.mu.Lock()
		a.conn = conn
		a.mu.Unlock()
		// Revisit after publishing the conn: if Close read a nil conn just
		// before the assignment, closing here is the only path that stops
		// the pump.
		select {
		case <-a.closed:
			a.discard(conn)
			return
		default:
		}
		if a.opt.OnChange != nil {
			// The handshake may have merged server-side progress.
			a.opt.OnChange()
		}
	}
}

func (a *Adapter) readPump(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		tag, payload, err := ws.DecodeFrame(data)
		if err != nil {
			a.log.Warn().Err(err).Msg("undecodable frame dropped")
			continue
		}

		switch tag {
		case ws.FrameUpdate, ws.FrameSnapshot:
			a.mu.Lock()
			err := a.replica.ApplyUpdate(payload)
			a.mu.Unlock()
			if err != nil {
				// Dropped whole; the local replica stays uncorrupted.
				a.log.Warn().Err(err).Msg("malformed update dropped")
				continue
			}
			if a.opt.OnChange != nil {
				a.opt.OnChange()
			}

		case ws.FrameAwareness:
			var rec collab.AwarenessRecord
			if err := json.Unmarshal(payload, &rec); err != nil {
				continue
			}
			if a.opt.OnAwareness != nil {
				a.opt.OnAwareness(rec)
			}

		case ws.FrameAwarenessGone:
			var gone ws.AwarenessGone
			if err := json.Unmarshal(payload, &gone); err != nil {
				continue
			}
			if a.opt.OnAwarenessGone != nil {
				a.opt.OnAwarenessGone(gone.SessionID)
			}
		}
	}
}

func (a *Adapter) reconnect() (*websocket.Conn, error) {
	backoff := a.opt.MinBackoff
	for {
		select {
		case <-a.closed:
			return nil, ErrNotConnected
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), a.opt.HandshakeTimeout)
		conn, err := a.dial(ctx)
		cancel()
		if err == nil {
			// Close may have fired while the dial was in flight.
			select {
			case <-a.closed:
				a.discard(conn)
				return nil, ErrNotConnected
			default:
			}
			a.log.Info().Msg("reconnected")
			return conn, nil
		}
		a.log.Debug().Err(err).Dur("backoff", backoff).Msg("reconnect failed")

		backoff *= 2
		if backoff > a.opt.MaxBackoff {
			backoff = a.opt.MaxBackoff
		}
	}
}

func (a *Adapter) writeFrame(conn *websocket.Conn, frame []byte) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		a.log.Debug().Err(err).Msg("write failed, edit will resync on reconnect")
	}
}

// send forwards a frame when connected; while disconnected it is a no-op,
// because the reconnect handshake re-sends the full local change set.
func (a *Adapter) send(frame []byte) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return
	}
	a.writeFrame(conn, frame)
}

// InsertText applies the edit locally first, then forwards the update.
func (a *Adapter) InsertText(pos int, s string) error {
	a.mu.Lock()
	replica := a.replica
	a.mu.Unlock()
	if replica == nil {
		return ErrNotConnected
	}
	update, err := replica.InsertText(pos, s)
	if err != nil {
		return err
	}
	a.send(ws.EncodeFrame(ws.FrameUpdate, update))
	return nil
}

// DeleteText applies the edit locally first, then forwards the update.
func (a *Adapter) DeleteText(pos, n int) error {
	a.mu.Lock()
	replica := a.replica
	a.mu.Unlock()
	if replica == nil {
		return ErrNotConnected
	}
	update, err := replica.DeleteText(pos, n)
	if err != nil {
		return err
	}
	a.send(ws.EncodeFrame(ws.FrameUpdate, update))
	return nil
}

// SetAwareness publishes this session's presence. The last state is kept
// and re-published after every reconnect.
func (a *Adapter) SetAwareness(rec collab.AwarenessRecord) error {
	a.mu.Lock()
	a.awareness = &rec
	a.mu.Unlock()

	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	a.send(ws.EncodeFrame(ws.FrameAwareness, payload))
	return nil
}

// Text returns the local replica's content.
func (a *Adapter) Text() (string, error) {
	a.mu.Lock()
	replica := a.replica
	a.mu.Unlock()
	if replica == nil {
		return "", ErrNotConnected
	}
	return replica.Text()
}

// Connected reports whether a socket is currently open.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

// Close stops synchronization. The local replica stays readable and
// editable for the life of the adapter; it is just no longer synced.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() { close(a.closed) })
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	a.wg.Wait()
	return nil
}
