package util

import "github.com/google/uuid"

// NewID returns a prefixed UUIDv7, so ids of runs and updates sort in
// creation order.
func NewID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	if prefix == "" {
		return id.String()
	}
	return prefix + "_" + id.String()
}
