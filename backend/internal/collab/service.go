package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MonkyMars/BlueQuill/backend/internal/crdt"
)

// SnapshotStore is the narrow contract the relay needs from the document
// store: load a persisted snapshot (nil when none exists) and save one.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, docID string) ([]byte, error)
	SaveSnapshot(ctx context.Context, docID string, snapshot []byte) error
}

// EventSink receives applied-update events for downstream consumers.
type EventSink interface {
	Enqueue(ctx context.Context, evt UpdateEvent) error
}

// Service is the room registry driven by the WebSocket layer.
type Service interface {
	// Join registers the session in the document's room, creating the room
	// (and loading a persisted snapshot, if any) on first join. Returns the
	// snapshot the new session starts converged from, plus the awareness
	// records of the sessions already present.
	Join(ctx context.Context, docID, sessionID string) ([]byte, []AwarenessRecord, error)
	// ApplyUpdate merges raw update bytes into the room replica.
	ApplyUpdate(ctx context.Context, docID, sessionID string, raw []byte) error
	// SetAwareness replaces the session's awareness record.
	SetAwareness(ctx context.Context, docID string, rec AwarenessRecord) error
	// Leave removes the session. When the room empties its snapshot is
	// flushed and the room is scheduled for disposal.
	Leave(ctx context.Context, docID, sessionID string) error
}

var ErrRoomNotFound = errors.New("ROOM_NOT_FOUND")

type room struct {
	mu       sync.Mutex
	replica  *crdt.Replica
	sessions map[string]AwarenessRecord
	// dirty is set by ApplyUpdate and cleared by a successful flush.
	dirty bool
	// emptySince is non-zero while the room has no sessions; the sweep
	// disposes the room once the grace period has passed.
	emptySince time.Time
}

// RoomService owns every live room. Each room's replica is mutated only
// under the room mutex, so no two updates for one document merge
// concurrently; the registry map has its own RWMutex.
type RoomService struct {
	mu    sync.RWMutex
	rooms map[string]*room

	store  SnapshotStore
	events EventSink
	log    zerolog.Logger

	checkpointEvery time.Duration
	disposeGrace    time.Duration
}

type RoomServiceOptions struct {
	// CheckpointEvery bounds durability loss to one interval of updates.
	CheckpointEvery time.Duration
	// DisposeGrace keeps an empty room's replica around briefly so a quick
	// reconnect skips the store round-trip.
	DisposeGrace time.Duration
}

func NewRoomService(store SnapshotStore, events EventSink, log zerolog.Logger, opt RoomServiceOptions) *RoomService {
	if opt.CheckpointEvery <= 0 {
		opt.CheckpointEvery = 30 * time.Second
	}
	if opt.DisposeGrace < 0 {
		opt.DisposeGrace = 0
	}
	return &RoomService{
		rooms:           make(map[string]*room),
		store:           store,
		events:          events,
		log:             log,
		checkpointEvery: opt.CheckpointEvery,
		disposeGrace:    opt.DisposeGrace,
	}
}

func (s *RoomService) getRoom(docID string) *room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[docID]
}

func (s *RoomService) getOrCreateRoom(ctx context.Context, docID string) (*room, error) {
	s.mu.RLock()
	rm := s.rooms[docID]
	s.mu.RUnlock()
	if rm != nil {
		return rm, nil
	}

	// Build the replica outside the registry lock; the store call can be
	// slow. Double-check under the write lock and discard on a lost race.
	replica, err := s.coldStart(ctx, docID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rm = s.rooms[docID]; rm == nil {
		rm = &room{
			replica:  replica,
			sessions: make(map[string]AwarenessRecord),
		}
		s.rooms[docID] = rm
	}
	return rm, nil
}

// coldStart loads the persisted snapshot for docID, or returns an empty
// replica. Store unavailability degrades to in-memory-only rather than
// refusing the connection.
func (s *RoomService) coldStart(ctx context.Context, docID string) (*crdt.Replica, error) {
	if s.store != nil {
		snap, err := s.store.LoadSnapshot(ctx, docID)
		if err != nil {
			s.log.Warn().Err(err).Str("docId", docID).
				Msg("snapshot load failed, starting room in-memory only")
		} else if len(snap) > 0 {
			replica, err := crdt.LoadReplica(docID, snap)
			if err == nil {
				return replica, nil
			}
			s.log.Error().Err(err).Str("docId", docID).
				Msg("persisted snapshot did not decode, starting empty")
		}
	}
	return crdt.NewReplica(docID)
}

func (s *RoomService) Join(ctx context.Context, docID, sessionID string) ([]byte, []AwarenessRecord, error) {
	for {
		rm, err := s.getOrCreateRoom(ctx, docID)
		if err != nil {
			return nil, nil, err
		}

		// Registering while holding the registry lock keeps the sweep from
		// disposing the room underneath us; without the re-check a session
		// could land in a room no longer in the registry and every later
		// ApplyUpdate would miss it. Lock order (registry, then room)
		// matches the sweep.
		s.mu.RLock()
		if s.rooms[docID] != rm {
			s.mu.RUnlock()
			continue
		}
		rm.mu.Lock()
		rm.emptySince = time.Time{}
		peers := make([]AwarenessRecord, 0, len(rm.sessions))
		for _, rec := range rm.sessions {
			peers = append(peers, rec)
		}
		rm.sessions[sessionID] = AwarenessRecord{SessionID: sessionID}
		rm.mu.Unlock()
		s.mu.RUnlock()

		return rm.replica.Snapshot(), peers, nil
	}
}

func (s *RoomService) ApplyUpdate(ctx context.Context, docID, sessionID string, raw []byte) error {
	rm := s.getRoom(docID)
	if rm == nil {
		return ErrRoomNotFound
	}

	rm.mu.Lock()
	err := rm.replica.ApplyUpdate(raw)
	if err == nil {
		rm.dirty = true
	}
	rm.mu.Unlock()
	if err != nil {
		return err
	}

	if s.events != nil {
		evt := UpdateEvent{
			EventType: "UPDATE_APPLIED",
			DocID:     docID,
			SessionID: sessionID,
			Size:      len(raw),
			AppliedAt: time.Now(),
		}
		if err := s.events.Enqueue(ctx, evt); err != nil {
			// Best effort: the event feed is not a transactional partner.
			s.log.Debug().Err(err).Str("docId", docID).Msg("update event dropped")
		}
	}
	return nil
}

func (s *RoomService) SetAwareness(ctx context.Context, docID string, rec AwarenessRecord) error {
	rm := s.getRoom(docID)
	if rm == nil {
		return ErrRoomNotFound
	}
	rm.mu.Lock()
	rm.sessions[rec.SessionID] = rec
	rm.mu.Unlock()
	return nil
}

func (s *RoomService) Leave(ctx context.Context, docID, sessionID string) error {
	rm := s.getRoom(docID)
	if rm == nil {
		return ErrRoomNotFound
	}

	rm.mu.Lock()
	delete(rm.sessions, sessionID)
	empty := len(rm.sessions) == 0
	if empty {
		rm.emptySince = time.Now()
	}
	rm.mu.Unlock()

	if empty {
		s.flush(ctx, docID, rm)
	}
	return nil
}

// flush persists the room snapshot when it has unpersisted updates. A
// failed save leaves dirty set, so the next checkpoint retries.
func (s *RoomService) flush(ctx context.Context, docID string, rm *room) {
	if s.store == nil {
		return
	}
	rm.mu.Lock()
	if !rm.dirty {
		rm.mu.Unlock()
		return
	}
	snap := rm.replica.Snapshot()
	rm.mu.Unlock()

	if err := s.store.SaveSnapshot(ctx, docID, snap); err != nil {
		s.log.Warn().Err(err).Str("docId", docID).Msg("snapshot save failed, will retry on next flush")
		return
	}
	rm.mu.Lock()
	rm.dirty = false
	rm.mu.Unlock()
}

// sweep flushes dirty rooms and disposes rooms that have sat empty past the
// grace period.
func (s *RoomService) sweep(ctx context.Context) {
	s.mu.RLock()
	snapshot := make(map[string]*room, len(s.rooms))
	for id, rm := range s.rooms {
		snapshot[id] = rm
	}
	s.mu.RUnlock()

	for docID, rm := range snapshot {
		s.flush(ctx, docID, rm)

		rm.mu.Lock()
		disposable := !rm.emptySince.IsZero() && !rm.dirty &&
			time.Since(rm.emptySince) >= s.disposeGrace && len(rm.sessions) == 0
		rm.mu.Unlock()
		if !disposable {
			continue
		}

		s.mu.Lock()
		// Re-check under the registry lock: a session may have joined.
		rm.mu.Lock()
		if len(rm.sessions) == 0 && !rm.emptySince.IsZero() {
			delete(s.rooms, docID)
			s.log.Info().Str("docId", docID).Msg("room disposed")
		}
		rm.mu.Unlock()
		s.mu.Unlock()
	}
}

// FlushAll persists every dirty room. Called on shutdown.
func (s *RoomService) FlushAll(ctx context.Context) {
	s.mu.RLock()
	snapshot := make(map[string]*room, len(s.rooms))
	for id, rm := range s.rooms {
		snapshot[id] = rm
	}
	s.mu.RUnlock()
	for docID, rm := range snapshot {
		s.flush(ctx, docID, rm)
	}
}

// Run drives the periodic checkpoint until ctx is done, then flushes
// everything one last time.
func (s *RoomService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.checkpointEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.FlushAll(flushCtx)
			cancel()
			return ctx.Err()
		}
	}
}
