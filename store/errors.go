package store

import "errors"

var (
	// ErrStorageUnavailable means the database could not be opened or migrated.
	// It is permanent for the lifetime of the Manager.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrNotReady is returned for writes issued after the Manager was closed.
	ErrNotReady = errors.New("storage not ready")
	// ErrRecordNotFound is used for records that disappeared before they could be updated.
	ErrRecordNotFound = errors.New("record not found")
	// ErrUnknownCollection is returned for names outside the fixed schema.
	ErrUnknownCollection = errors.New("unknown collection")
	// ErrUnknownIndex is returned for index names a collection does not have.
	ErrUnknownIndex = errors.New("unknown index")
)
