package collab

import "time"

// UpdateEvent is published for every update the relay applies. Consumers
// (stats, audit) only see that a document changed and by how many bytes;
// the update payload itself stays on the sync path.
type UpdateEvent struct {
	EventType string    `json:"eventType"` // always "UPDATE_APPLIED"
	DocID     string    `json:"docId"`
	SessionID string    `json:"sessionId"`
	Size      int       `json:"size"`
	AppliedAt time.Time `json:"appliedAt"`
}
