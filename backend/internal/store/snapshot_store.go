package store

import (
	"context"
	"database/sql"
	"errors"
)

// SnapshotStore persists full replica encodings. One row per document,
// overwritten on every flush; the relay treats this as a best-effort
// durability backstop, not a transactional partner.
type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// LoadSnapshot returns nil bytes (and no error) when the document has no
// persisted snapshot yet.
func (s *SnapshotStore) LoadSnapshot(ctx context.Context, docID string) ([]byte, error) {
	var snapshot []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM document_snapshots WHERE document_id = ?`,
		docID,
	).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (s *SnapshotStore) SaveSnapshot(ctx context.Context, docID string, snapshot []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (document_id, snapshot)
		VALUES (?, ?)
		ON DUPLICATE KEY UPDATE snapshot = VALUES(snapshot)`,
		docID,
		snapshot,
	)
	return err
}
