package identity

import "errors"

var (
	// ErrNotFound is returned when no record matches the phone query
	ErrNotFound = errors.New("no customer matches phone")

	// ErrEmptyQuery is returned when the query has no digits to match on
	ErrEmptyQuery = errors.New("phone query has no digits")

	// ErrAmbiguousMatch is returned by strict lookups when more than one record matches
	ErrAmbiguousMatch = errors.New("phone matches more than one customer")
)
