package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrDocumentNotFound = errors.New("DOCUMENT_NOT_FOUND")

// Document is the metadata row behind the CRUD API. Content is not here;
// it lives in document_snapshots as an opaque replica encoding.
type Document struct {
	ID        string    `gorm:"type:varchar(26);primaryKey" json:"id"`
	OwnerID   uint64    `gorm:"index" json:"ownerId"`
	Title     string    `gorm:"size:255" json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Document) TableName() string { return "documents" }

type DocumentStore struct{ db *gorm.DB }

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) Create(ctx context.Context, doc Document) error {
	return s.db.WithContext(ctx).Create(&doc).Error
}

func (s *DocumentStore) Get(ctx context.Context, docID string) (Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).First(&doc, "id = ?", docID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrDocumentNotFound
	}
	return doc, err
}

func (s *DocumentStore) ListByOwner(ctx context.Context, ownerID uint64) ([]Document, error) {
	var docs []Document
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("updated_at DESC").
		Find(&docs).Error
	return docs, err
}

func (s *DocumentStore) Rename(ctx context.Context, docID string, ownerID uint64, title string) error {
	res := s.db.WithContext(ctx).
		Model(&Document{}).
		Where("id = ? AND owner_id = ?", docID, ownerID).
		Update("title", title)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (s *DocumentStore) Delete(ctx context.Context, docID string, ownerID uint64) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", docID, ownerID).
		Delete(&Document{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDocumentNotFound
	}
	return nil
}
