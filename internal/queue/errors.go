package queue

import (
	"errors"
	"fmt"
)

// ErrInvalidSource is returned when an enqueue names an unknown origin
var ErrInvalidSource = errors.New("invalid refresh source")

// RequestNotFoundError indicates the refresh request was not found
type RequestNotFoundError struct {
	ID string
}

func (e *RequestNotFoundError) Error() string {
	return fmt.Sprintf("refresh request not found: %s", e.ID)
}

// IsNotFound reports whether err is a RequestNotFoundError
func IsNotFound(err error) bool {
	var nf *RequestNotFoundError
	return errors.As(err, &nf)
}
