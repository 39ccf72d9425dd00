package ledger

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/garyvish82-droid/hoodcup/internal/domain/identity"
	"github.com/garyvish82-droid/hoodcup/internal/pkg/logger"
)

const rosterPageSize = 200

// Lister pages through stored customers newest first.
type Lister interface {
	List(ctx context.Context, p Pagination) ([]Customer, error)
}

// Roster is an in-process snapshot of all customers for staff listing and
// search. It is filled from the store and afterwards patched only with
// records the store confirmed, never with locally computed values. Nothing
// read from the roster is ever written back.
type Roster struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]Customer
	order []uuid.UUID // oldest enrollment first
}

// NewRoster creates an empty roster
func NewRoster() *Roster {
	return &Roster{byID: make(map[uuid.UUID]Customer)}
}

// Load merges the store's current records into the roster. A cached record
// with a newer version than the one read is kept, so a reload running
// alongside Apply never rolls a record back. Records are never removed.
func (r *Roster) Load(ctx context.Context, src Lister) error {
	byID := make(map[uuid.UUID]Customer)
	for offset := 0; ; offset += rosterPageSize {
		page, err := src.List(ctx, Pagination{Limit: rosterPageSize, Offset: offset})
		if err != nil {
			return storeError(err)
		}
		for _, c := range page {
			if prev, ok := byID[c.ID]; !ok || c.Version > prev.Version {
				byID[c.ID] = c
			}
		}
		if len(page) < rosterPageSize {
			break
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, cur := range r.byID {
		if loaded, ok := byID[id]; !ok || cur.Version > loaded.Version {
			byID[id] = cur
		}
	}
	order := make([]uuid.UUID, 0, len(byID))
	for id := range byID {
		order = append(order, id)
	}
	sortByEnrollment(order, byID)

	r.byID = byID
	r.order = order
	return nil
}

// Refresh reloads the roster from src every interval until ctx is done.
// Failed reloads are logged and the cached records keep serving.
func (r *Roster) Refresh(ctx context.Context, src Lister, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Load(ctx, src); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.FromContext(ctx).Warn().Err(err).Msg("Roster refresh failed")
				continue
			}
			logger.FromContext(ctx).Debug().Int("customers", r.Len()).Msg("Roster refreshed")
		}
	}
}

// Apply patches one record. Stale versions are ignored so out-of-order
// deliveries cannot roll a record back. It reports whether the roster changed.
func (r *Roster) Apply(c Customer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byID[c.ID]
	if ok && cur.Version >= c.Version {
		return false
	}
	r.byID[c.ID] = c
	if !ok {
		r.order = append(r.order, c.ID)
		sortByEnrollment(r.order, r.byID)
	}
	return true
}

// Observe keeps the roster current from confirmed ledger events.
func (r *Roster) Observe(_ context.Context, e Event) {
	r.Apply(e.Customer)
}

// Len returns the number of cached customers
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Get returns a cached customer
func (r *Roster) Get(id uuid.UUID) (Customer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// Snapshot returns all customers, oldest enrollment first.
func (r *Roster) Snapshot() []Customer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Customer, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Search filters by case-insensitive name substring or phone match and
// returns one page newest first with the total match count. An empty query
// matches everything.
func (r *Roster) Search(q string, limit, offset int) ([]Customer, int) {
	q = strings.TrimSpace(q)
	name := strings.ToLower(q)
	digits := identity.Normalize(q)

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Customer, 0)
	total := 0
	for i := len(r.order) - 1; i >= 0; i-- {
		c := r.byID[r.order[i]]
		if q != "" && !strings.Contains(strings.ToLower(c.Name), name) && !identity.Matches(digits, identity.Normalize(c.Phone)) {
			continue
		}
		total++
		if total <= offset || (limit > 0 && len(out) == limit) {
			continue
		}
		out = append(out, c)
	}
	return out, total
}

// FindByPhone resolves phone input against the snapshot; first enrolled match wins.
func (r *Roster) FindByPhone(raw string) (Customer, error) {
	c, err := identity.FindByPhone(raw, r.Snapshot())
	switch {
	case errors.Is(err, identity.ErrEmptyQuery):
		return Customer{}, ErrInvalidInput
	case errors.Is(err, identity.ErrNotFound):
		return Customer{}, ErrNotFound
	}
	return c, err
}

func sortByEnrollment(ids []uuid.UUID, byID map[uuid.UUID]Customer) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := byID[ids[i]], byID[ids[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}
