package store

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates a missing or unauthorized resource lookup.
var ErrNotFound = errors.New("record not found")

// ConfigurationError rejects a write whose references are invalid, such as a
// link naming a calendar the user does not own.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
