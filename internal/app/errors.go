package app

import (
	"errors"
	"fmt"
)

var (
	// ErrObjectNotFound indicates the referenced storage object does not exist.
	ErrObjectNotFound = errors.New("object not found")
	// ErrPhotoNotFound indicates the referenced photo record does not exist.
	ErrPhotoNotFound = errors.New("photo not found")
	// ErrCommentNotFound indicates the referenced comment does not exist.
	ErrCommentNotFound = errors.New("comment not found")
	// ErrForbidden indicates the caller may not act on the resource.
	ErrForbidden = errors.New("forbidden")
)

// ValidationError reports a malformed or out-of-range request parameter.
// It is raised before any query or storage call executes.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalidf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a request validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
