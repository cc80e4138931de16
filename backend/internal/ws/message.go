package ws

import (
	"encoding/json"
	"errors"

	"github.com/MonkyMars/BlueQuill/backend/internal/collab"
)

// Wire format: binary frames, one leading type byte, payload after it.
//
//	FrameSnapshot      full replica encoding; sent by the relay on join so
//	                   the new session starts converged
//	FrameUpdate        incremental CRDT update bytes
//	FrameAwareness     JSON collab.AwarenessRecord
//	FrameAwarenessGone JSON AwarenessGone; broadcast when a session leaves
const (
	FrameSnapshot      byte = 0x00
	FrameUpdate        byte = 0x01
	FrameAwareness     byte = 0x02
	FrameAwarenessGone byte = 0x03
)

var ErrBadFrame = errors.New("BAD_FRAME")

type AwarenessGone struct {
	SessionID string `json:"sessionId"`
}

func EncodeFrame(tag byte, payload []byte) []byte {
	frame := make([]byte, 1+len(payload))
	frame[0] = tag
	copy(frame[1:], payload)
	return frame
}

func DecodeFrame(frame []byte) (byte, []byte, error) {
	if len(frame) < 1 {
		return 0, nil, ErrBadFrame
	}
	tag := frame[0]
	if tag > FrameAwarenessGone {
		return 0, nil, ErrBadFrame
	}
	return tag, frame[1:], nil
}

func EncodeAwareness(rec collab.AwarenessRecord) []byte {
	payload, _ := json.Marshal(rec)
	return EncodeFrame(FrameAwareness, payload)
}

func EncodeAwarenessGone(sessionID string) []byte {
	payload, _ := json.Marshal(AwarenessGone{SessionID: sessionID})
	return EncodeFrame(FrameAwarenessGone, payload)
}
