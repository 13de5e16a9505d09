package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrDuplicateOpenIncident indicates another writer created the open
// incident for the same (service, endpoint, type) identity first.
var ErrDuplicateOpenIncident = errors.New("repository: open incident already exists")

// ErrVersionConflict indicates a compare-and-swap write lost to a concurrent
// update of the same record.
var ErrVersionConflict = errors.New("repository: version conflict")
