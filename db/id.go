package db

import "github.com/google/uuid"

// ValidID reports whether id has the canonical uuid text form used by every
// primary key. Lookups by anything else are misses and never reach Postgres,
// which would reject the cast.
func ValidID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
