package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("document not found")

// HydratedDocument is the row content a session needs to materialize its
// mergeable state.
type HydratedDocument struct {
	ID               string
	CollectionID     string
	TeamID           string
	Text             string
	Snapshot         []byte
	CollaboratorIDs  []uint64
	LastModifiedByID uint64
}

// FlushUpdate carries one reconciliation cycle back to the row.
type FlushUpdate struct {
	Text             string
	Snapshot         []byte
	CollaboratorIDs  []uint64 // pending set; unioned into the stored set
	AttributedUserID uint64   // 0 keeps the prior attribution
}

type FlushResult struct {
	Written      bool
	CollectionID string
	TeamID       string
}

type DocumentStore struct{ db *gorm.DB }

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

// Get loads a document without locking, for admission-time authorization.
func (s *DocumentStore) Get(ctx context.Context, id string) (*Document, error) {
	var rec Document
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// LoadForHydration reads the row under a write lock. If the row has no
// snapshot yet, upgrade is invoked with the canonical text and the snapshot
// it returns is persisted before the lock is released, as a column-only write
// that bumps neither attribution nor updated_at. The row lock serializes
// concurrent first-hydrations across processes, so the upgrade runs at most
// once per document, ever.
func (s *DocumentStore) LoadForHydration(ctx context.Context, id string, upgrade func(text string) ([]byte, error)) (*HydratedDocument, error) {
	var out *HydratedDocument
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec Document
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&rec, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		if len(rec.State) == 0 && upgrade != nil {
			snapshot, err := upgrade(rec.Text)
			if err != nil {
				return err
			}
			if err := tx.Model(&Document{}).Where("id = ?", id).
				UpdateColumn("state", snapshot).Error; err != nil {
				return err
			}
			rec.State = snapshot
		}

		out = &HydratedDocument{
			ID:               rec.ID,
			CollectionID:     rec.CollectionID,
			TeamID:           rec.TeamID,
			Text:             rec.Text,
			Snapshot:         rec.State,
			CollaboratorIDs:  rec.Collaborators(),
			LastModifiedByID: rec.LastModifiedByID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Flush writes one reconciliation cycle under the row lock. When the derived
// text is byte-identical to the stored text the write is skipped entirely and
// Written stays false; callers must not emit events for skipped flushes.
func (s *DocumentStore) Flush(ctx context.Context, id string, u FlushUpdate) (FlushResult, error) {
	var res FlushResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec Document
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&rec, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		res.CollectionID = rec.CollectionID
		res.TeamID = rec.TeamID

		if rec.Text == u.Text {
			return nil
		}

		union := make(map[uint64]struct{})
		for _, cid := range rec.Collaborators() {
			union[cid] = struct{}{}
		}
		for _, cid := range u.CollaboratorIDs {
			union[cid] = struct{}{}
		}
		attributed := u.AttributedUserID
		if attributed == 0 {
			attributed = rec.LastModifiedByID
		}

		if err := tx.Model(&Document{}).Where("id = ?", id).Updates(map[string]any{
			"text":                u.Text,
			"state":               u.Snapshot,
			"collaborator_ids":    encodeIDSet(union),
			"last_modified_by_id": attributed,
		}).Error; err != nil {
			return err
		}
		res.Written = true
		return nil
	})
	if err != nil {
		return FlushResult{}, err
	}
	return res, nil
}
