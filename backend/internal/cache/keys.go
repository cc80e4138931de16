package cache

import "fmt"

// Key layout:
// - roomKey(docID):    room sessions (ZSet<sessionID, expireAtUnix>, score = logical expiry)
// - membersKey(docID): sessionID -> JSON{name,color} (Hash)
// - cursorKey:         per-session cursor blob (String with real TTL)
const (
	keyRoomFmt    = "awareness:room:{docID:%s}"
	keyMembersFmt = "awareness:room:members:{docID:%s}"
	keyCursorFmt  = "awareness:cursor:%s:%s"
)

func roomKey(docID string) string    { return fmt.Sprintf(keyRoomFmt, docID) }
func membersKey(docID string) string { return fmt.Sprintf(keyMembersFmt, docID) }

func cursorKey(docID, sessionID string) string {
	return fmt.Sprintf(keyCursorFmt, docID, sessionID)
}
