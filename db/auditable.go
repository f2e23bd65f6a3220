package db

import "time"

// Auditable holds the bookkeeping timestamps shared by persisted entities.
// Entities embed it by value.
type Auditable struct {
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Deleted reports whether the row is soft-deleted.
func (a Auditable) Deleted() bool {
	return a.DeletedAt != nil
}
