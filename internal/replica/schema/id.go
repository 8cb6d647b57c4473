package schema

import "github.com/google/uuid"

// NewID returns a new globally unique record id.
func NewID() string {
	return uuid.NewString()
}
