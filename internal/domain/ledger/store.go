package ledger

import (
	"context"

	"github.com/google/uuid"
)

// Condition guards a conditional update. It is evaluated by the store
// atomically with the write. Zero values are not checked.
type Condition struct {
	// MinPoints requires stored points >= MinPoints.
	MinPoints int
	// Version requires the stored version to equal Version when > 0.
	Version int64
}

// Mutation describes a counter change applied by the store against its own
// current values, never against a caller-held copy.
type Mutation struct {
	ResetPoints      bool
	PointsDelta      int
	FreeRewardsDelta int
	PurchasesDelta   int
}

func (m Mutation) valid() bool {
	return m.PointsDelta >= 0 && m.FreeRewardsDelta >= 0 && m.PurchasesDelta >= 0
}

// Lookup selects customers by one identity key. Exactly one field is set.
type Lookup struct {
	// PhoneDigits is a normalized phone; matches when either side contains the other.
	PhoneDigits string
	// LinkedIdentity is the external principal a customer linked to their record.
	LinkedIdentity string
}

// Store is the durable record store the ledger runs against.
//
// ConditionalUpdate returns the record as written. It returns ErrNotFound
// for an unknown id, ErrConditionFailed when cond does not hold at write
// time, and ErrConflict for a transient write conflict. Find returns matches
// oldest enrollment first; an empty slice means no match.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (*Customer, error)
	Find(ctx context.Context, q Lookup, limit int) ([]Customer, error)
	ConditionalUpdate(ctx context.Context, id uuid.UUID, cond Condition, m Mutation) (*Customer, error)

	Create(ctx context.Context, c *Customer) error
	LinkIdentity(ctx context.Context, id uuid.UUID, principal string) (*Customer, error)
	List(ctx context.Context, p Pagination) ([]Customer, error)
}
