// Package store contains the SQLite persistence layer.
package store

import (
	"errors"
	"strings"
)

// ErrConflict is returned when an insert violates a uniqueness constraint,
// such as a second profile for the same user.
var ErrConflict = errors.New("store: conflict")

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
