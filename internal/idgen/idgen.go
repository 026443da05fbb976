// Package idgen generates identifiers for stored records.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random RFC 4122 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars, e.g. "fp_3f2a...".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether id parses as a UUID, with or without a prefix.
func Valid(id string) bool {
	if i := strings.IndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	_, err := uuid.Parse(id)
	return err == nil
}
