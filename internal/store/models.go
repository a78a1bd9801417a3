package store

import (
	"encoding/json"
	"sort"
	"time"
)

// Document is the durable record. Text and State are written together, in the
// same transaction, so Text is always derivable from State; a row with an
// empty State has never been opened collaboratively and is upgraded on first
// hydration.
type Document struct {
	ID               string     `gorm:"column:id;primaryKey;size:36"`
	CollectionID     string     `gorm:"column:collection_id;size:36;index"`
	TeamID           string     `gorm:"column:team_id;size:36;index"`
	Title            string     `gorm:"column:title;size:255"`
	Text             string     `gorm:"column:text;type:longtext"`
	State            []byte     `gorm:"column:state;type:longblob"`
	CollaboratorIDs  string     `gorm:"column:collaborator_ids;type:text"` // JSON array of user ids
	LastModifiedByID uint64     `gorm:"column:last_modified_by_id"`
	PublishedAt      *time.Time `gorm:"column:published_at"`
	CreatedAt        time.Time  `gorm:"column:created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at"`
}

func (Document) TableName() string { return "documents" }

func (d *Document) Published() bool { return d.PublishedAt != nil }

func (d *Document) Collaborators() []uint64 {
	return decodeIDSet(d.CollaboratorIDs)
}

type User struct {
	ID           uint64     `gorm:"column:id;primaryKey;autoIncrement"`
	Name         string     `gorm:"column:name;size:255"`
	TeamID       string     `gorm:"column:team_id;size:36;index"`
	Role         string     `gorm:"column:role;size:32"` // "member" | "viewer"
	SuspendedAt  *time.Time `gorm:"column:suspended_at"`
	LastActiveAt *time.Time `gorm:"column:last_active_at"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
}

func (User) TableName() string { return "users" }

func (u *User) Suspended() bool { return u.SuspendedAt != nil }

func decodeIDSet(raw string) []uint64 {
	if raw == "" {
		return nil
	}
	var ids []uint64
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil
	}
	return ids
}

// encodeIDSet stores the union in ascending order so repeated flushes of the
// same set produce identical column values.
func encodeIDSet(ids map[uint64]struct{}) string {
	out := make([]uint64, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	b, _ := json.Marshal(out)
	return string(b)
}
