package ws

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MonkyMars/BlueQuill/backend/internal/collab"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte{0xca, 0xfe, 0x00, 0x01}
	frame := EncodeFrame(FrameUpdate, payload)

	tag, got, err := DecodeFrame(frame)
	require.NoError(t, err)
	require.Equal(t, FrameUpdate, tag)
	require.Equal(t, payload, got)
}

func TestFrameEmptyPayload(t *testing.T) {
	tag, payload, err := DecodeFrame(EncodeFrame(FrameSnapshot, nil))
	require.NoError(t, err)
	require.Equal(t, FrameSnapshot, tag)
	require.Empty(t, payload)
}

func TestDecodeFrameRejectsBadInput(t *testing.T) {
	_, _, err := DecodeFrame(nil)
	require.ErrorIs(t, err, ErrBadFrame)

	_, _, err = DecodeFrame([]byte{0x7f, 0x01})
	require.ErrorIs(t, err, ErrBadFrame)
}

func TestEncodeAwareness(t *testing.T) {
	rec := collab.AwarenessRecord{
		SessionID: "s1",
		UserID:    7,
		Name:      "ada",
		Color:     "#00ff00",
		Cursor:    &collab.CursorRange{Anchor: 2, Head: 5},
	}

	tag, payload, err := DecodeFrame(EncodeAwareness(rec))
	require.NoError(t, err)
	require.Equal(t, FrameAwareness, tag)

	var got collab.AwarenessRecord
	require.NoError(t, json.Unmarshal(payload, &got))
	require.Equal(t, rec, got)
}

func TestEncodeAwarenessGone(t *testing.T) {
	tag, payload, err := DecodeFrame(EncodeAwarenessGone("s1"))
	require.NoError(t, err)
	require.Equal(t, FrameAwarenessGone, tag)

	var gone AwarenessGone
	require.NoError(t, json.Unmarshal(payload, &gone))
	require.Equal(t, "s1", gone.SessionID)
}
