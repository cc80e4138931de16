package crdt

import (
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/automerge/automerge-go"
)

// The document text lives under a fixed key in the root map.
const contentKey = "content"

var (
	// ErrBadUpdate marks update bytes that could not be decoded. The update
	// is dropped whole; the replica is never left partially applied.
	ErrBadUpdate = errors.New("BAD_UPDATE")
)

// Replica holds one document's content as an automerge doc.
//
// Local mutations produce update bytes that peers apply with ApplyUpdate;
// applying the same bytes twice, or in any order, converges (automerge
// updates are commutative and idempotent change bundles). A full Snapshot
// is itself a change bundle, so it too can be fed to ApplyUpdate — that is
// what the reconnect resync path relies on.
//
// Safe for concurrent use: the relay's room path and a client's
// reader/writer goroutines both cross into the same replica.
type Replica struct {
	docID string

	mu  sync.Mutex
	doc *automerge.Doc
}

// NewReplica creates an empty replica for docID and seeds the content text.
// Only the room owner (relay cold start, or tests) should create replicas;
// clients start converged from a snapshot via LoadReplica so that every
// session shares the one text object.
func NewReplica(docID string) (*Replica, error) {
	doc := automerge.New()
	if err := doc.RootMap().Set(contentKey, automerge.NewText("")); err != nil {
		return nil, fmt.Errorf("seed content: %w", err)
	}
	if _, err := doc.Commit("init"); err != nil {
		return nil, fmt.Errorf("commit init: %w", err)
	}
	return &Replica{docID: docID, doc: doc}, nil
}

// LoadReplica restores a replica from snapshot bytes.
func LoadReplica(docID string, snapshot []byte) (*Replica, error) {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("load snapshot for doc %s: %w", docID, err)
	}
	return &Replica{docID: docID, doc: doc}, nil
}

func (r *Replica) DocID() string { return r.docID }

// InsertText inserts s at rune position pos and returns the encoded update.
func (r *Replica) InsertText(pos int, s string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.doc.Path(contentKey).Text().Insert(pos, s); err != nil {
		return nil, fmt.Errorf("insert at %d: %w", pos, err)
	}
	return r.commit()
}

// DeleteText deletes n runes starting at rune position pos and returns the
// encoded update.
func (r *Replica) DeleteText(pos, n int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.doc.Path(contentKey).Text().Delete(pos, n); err != nil {
		return nil, fmt.Errorf("delete %d at %d: %w", n, pos, err)
	}
	return r.commit()
}

func (r *Replica) commit() ([]byte, error) {
	if _, err := r.doc.Commit(""); err != nil {
		return nil, err
	}
	update := r.doc.SaveIncremental()
	return update, nil
}

// ApplyUpdate merges update bytes produced by any replica of the same
// document. Idempotent; out-of-order application still converges. Malformed
// bytes are rejected whole with ErrBadUpdate.
func (r *Replica) ApplyUpdate(raw []byte) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty payload", ErrBadUpdate)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.doc.LoadIncremental(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrBadUpdate, err)
	}
	return nil
}

// Snapshot encodes the full current state. Used for the join handshake and
// persistence, not for steady-state sync.
func (r *Replica) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Save()
}

// Changes returns every change the replica knows about, encoded as one
// update bundle. Equivalent to Snapshot for merge purposes; the client
// resync path sends this after a fresh-snapshot handshake so edits made
// while disconnected reach the relay at least once.
func (r *Replica) Changes() []byte {
	return r.Snapshot()
}

// Text returns the document content.
func (r *Replica) Text() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.doc.Path(contentKey).Text().Get()
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	return s, nil
}

// Len returns the content length in runes.
func (r *Replica) Len() (int, error) {
	s, err := r.Text()
	if err != nil {
		return 0, err
	}
	return utf8.RuneCountInString(s), nil
}
