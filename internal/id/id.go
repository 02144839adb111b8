package id

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a time-ordered v7 UUID, or a random v4 UUID if v7 generation
// fails.
func New() string {
	v, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return v.String()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	_, err := uuid.Parse(strings.TrimSpace(s))
	return err == nil
}
