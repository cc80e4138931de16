package ws

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestConn() *Conn {
	return &Conn{
		send:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func drain(c *Conn) [][]byte {
	var frames [][]byte
	for {
		select {
		case f := <-c.send:
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func TestHubMembership(t *testing.T) {
	h := NewHub(nil)
	a, b := newTestConn(), newTestConn()

	h.Join("doc-1", a)
	h.Join("doc-1", b)
	require.Equal(t, 2, h.RoomSize("doc-1"))
	require.Equal(t, 0, h.RoomSize("doc-2"))

	h.Leave("doc-1", a)
	require.Equal(t, 1, h.RoomSize("doc-1"))
	h.Leave("doc-1", b)
	require.Equal(t, 0, h.RoomSize("doc-1"))

	// Leaving twice is harmless.
	h.Leave("doc-1", b)
}

func TestBroadcastSkipsSender(t *testing.T) {
	h := NewHub(nil)
	sender, peer, other := newTestConn(), newTestConn(), newTestConn()

	h.Join("doc-1", sender)
	h.Join("doc-1", peer)
	h.Join("doc-2", other)

	frame := EncodeFrame(FrameUpdate, []byte{0x01})
	h.Broadcast("doc-1", sender, frame)

	require.Empty(t, drain(sender))
	require.Equal(t, [][]byte{frame}, drain(peer))
	require.Empty(t, drain(other))
}

func TestEnqueueAfterShutdownIsNoop(t *testing.T) {
	c := newTestConn()
	c.shutdown()
	c.enqueue([]byte{0x01})
	require.Empty(t, drain(c))
}
