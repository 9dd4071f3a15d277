package models

import "errors"

var (
	// ErrTransientIO means the registry, store or live system was unreachable.
	// The operation may be retried, nothing was promoted or applied.
	ErrTransientIO = errors.New("transient io error")
	// ErrValidation is returned for malformed documents and versions, they never reach the store.
	ErrValidation = errors.New("validation error")
	// ErrConflict is returned when another writer committed a revision for the same target first.
	ErrConflict = errors.New("revision conflict")
	// ErrApplyFailure means the live system rejected a document or did not answer in time.
	ErrApplyFailure = errors.New("apply failure")
	// ErrNotFound is returned when a target or revision does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPartialWrite is fatal for the operation: the store state after a write is inconsistent.
	ErrPartialWrite = errors.New("partial write")
)
