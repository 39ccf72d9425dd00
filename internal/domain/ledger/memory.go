package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/garyvish82-droid/hoodcup/internal/domain/identity"
)

// MemoryStore is an in-process Store. Every conditional update checks and
// writes inside one critical section, which is what a row lock gives the
// Postgres store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Customer
	order   []uuid.UUID // enrollment order, oldest first
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[uuid.UUID]*Customer),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Customer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *rec
	return &out, nil
}

func (s *MemoryStore) Find(ctx context.Context, q Lookup, limit int) ([]Customer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Customer, 0)
	for _, id := range s.order {
		rec := s.records[id]
		if !matchesLookup(rec, q) {
			continue
		}
		out = append(out, *rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func matchesLookup(rec *Customer, q Lookup) bool {
	switch {
	case q.LinkedIdentity != "":
		return rec.LinkedIdentity != nil && *rec.LinkedIdentity == q.LinkedIdentity
	case q.PhoneDigits != "":
		return identity.Matches(q.PhoneDigits, identity.Normalize(rec.Phone))
	default:
		return false
	}
}

func (s *MemoryStore) ConditionalUpdate(ctx context.Context, id uuid.UUID, cond Condition, m Mutation) (*Customer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !m.valid() {
		return nil, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Points < cond.MinPoints {
		return nil, ErrConditionFailed
	}
	if cond.Version > 0 && rec.Version != cond.Version {
		return nil, ErrConditionFailed
	}

	if m.ResetPoints {
		rec.Points = 0
	} else {
		rec.Points += m.PointsDelta
	}
	rec.FreeRewards += m.FreeRewardsDelta
	rec.TotalPurchases += m.PurchasesDelta
	rec.Version++
	rec.UpdatedAt = s.now()

	out := *rec
	return &out, nil
}

func (s *MemoryStore) Create(ctx context.Context, c *Customer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	digits := identity.Normalize(c.Phone)
	for _, rec := range s.records {
		if identity.Normalize(rec.Phone) == digits {
			return ErrPhoneTaken
		}
		if c.LinkedIdentity != nil && rec.LinkedIdentity != nil && *rec.LinkedIdentity == *c.LinkedIdentity {
			return ErrIdentityInUse
		}
	}

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := s.now()
	c.Version = 1
	c.CreatedAt = now
	c.UpdatedAt = now

	stored := *c
	s.records[c.ID] = &stored
	s.order = append(s.order, c.ID)
	return nil
}

func (s *MemoryStore) LinkIdentity(ctx context.Context, id uuid.UUID, principal string) (*Customer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.LinkedIdentity != nil {
		return nil, ErrAlreadyLinked
	}
	for _, other := range s.records {
		if other.LinkedIdentity != nil && *other.LinkedIdentity == principal {
			return nil, ErrIdentityInUse
		}
	}

	p := principal
	rec.LinkedIdentity = &p
	rec.Version++
	rec.UpdatedAt = s.now()

	out := *rec
	return &out, nil
}

// List returns customers newest enrollment first.
func (s *MemoryStore) List(ctx context.Context, p Pagination) ([]Customer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	out := make([]Customer, 0, limit)
	skipped := 0
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		if skipped < p.Offset {
			skipped++
			continue
		}
		out = append(out, *s.records[s.order[i]])
	}
	return out, nil
}
