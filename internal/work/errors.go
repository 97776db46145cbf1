package work

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownID     = errors.New("unknown work item id")
	ErrDuplicateID   = errors.New("work item id already exists")
	ErrBadTransition = errors.New("invalid status transition")
)

// ValidationError rejects a malformed item at insertion. The ledger is left
// unchanged; the reason is specific enough for the caller to act on.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
