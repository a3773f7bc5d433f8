// Package uid provides identifier generation for logical files and temp names.
package uid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random UUIDv4 without dashes (32 hex characters).
func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether id is acceptable as a caller-assigned file id:
// 1 to 128 characters of [A-Za-z0-9._-], not starting with a dot.
func Valid(id string) bool {
	if id == "" || len(id) > 128 || id[0] == '.' {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}
