package collab

// CursorRange is a selection inside the document, in rune positions.
// Anchor == Head is a plain caret.
type CursorRange struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// AwarenessRecord is the ephemeral presence state of one session: who is
// connected and where their cursor is. Never persisted; each session owns
// its own record exclusively, so updates are last-write-wins per session
// and disappear with the connection.
type AwarenessRecord struct {
	SessionID string       `json:"sessionId"`
	UserID    uint64       `json:"userId,omitempty"`
	Name      string       `json:"name,omitempty"`
	Color     string       `json:"color,omitempty"`
	Cursor    *CursorRange `json:"cursor,omitempty"`
}
