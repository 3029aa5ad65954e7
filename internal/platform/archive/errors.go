package archive

import (
	"errors"
	"fmt"
)

// ErrUnavailable is returned when the archive cannot be reached (connection
// refused, DNS failure, timeout).
var ErrUnavailable = errors.New("archive unavailable")

// Error is a non-success HTTP response from the archive.
type Error struct {
	Operation string
	Status    int
	Body      string
}

func (e *Error) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("archive %s: status %d", e.Operation, e.Status)
	}
	return fmt.Sprintf("archive %s: status %d: %s", e.Operation, e.Status, e.Body)
}

// StatusOf returns the archive HTTP status carried by err, or 0 when err is
// not an *Error.
func StatusOf(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Status
	}
	return 0
}
