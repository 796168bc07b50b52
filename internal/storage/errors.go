package storage

import "errors"

// Common storage errors
var (
	ErrNotFound          = errors.New("record not found")
	ErrAlreadyExists     = errors.New("record already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrClaimUnsupported  = errors.New("atomic claim not supported by datastore")
	ErrClaimLost         = errors.New("claim taken over by another worker")
)
