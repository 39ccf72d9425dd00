package ledger

import (
	"errors"

	"github.com/garyvish82-droid/hoodcup/internal/domain/identity"
)

var (
	// ErrNotFound is returned when the target customer does not exist
	ErrNotFound = errors.New("customer not found")

	// ErrPreconditionFailed is returned when a redemption is attempted below the threshold,
	// including when a concurrent redemption got there first
	ErrPreconditionFailed = errors.New("not enough points to redeem")

	// ErrStoreUnavailable is returned when the record store cannot be reached or timed out
	ErrStoreUnavailable = errors.New("record store unavailable")

	// ErrAmbiguousMatch is returned by strict phone lookups that match several customers
	ErrAmbiguousMatch = identity.ErrAmbiguousMatch

	ErrInvalidInput  = errors.New("invalid input")
	ErrPhoneTaken    = errors.New("phone number already enrolled")
	ErrAlreadyLinked = errors.New("customer already linked to an account")
	ErrIdentityInUse = errors.New("account already linked to another customer")
)

// Store-level outcomes of a conditional update.
var (
	// ErrConditionFailed means the stored record did not satisfy the update condition
	ErrConditionFailed = errors.New("update condition not met")

	// ErrConflict means the write lost a race and may be retried
	ErrConflict = errors.New("concurrent write conflict")
)
