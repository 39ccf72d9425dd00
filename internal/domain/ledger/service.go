package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/garyvish82-droid/hoodcup/internal/domain/identity"
	"github.com/garyvish82-droid/hoodcup/internal/pkg/logger"
)

const (
	defaultPurchaseAttempts = 5
	defaultRetryBackoff     = 20 * time.Millisecond
)

// Config tunes the ledger service.
type Config struct {
	// MaxPurchaseAttempts bounds RecordPurchase retries on write conflicts.
	MaxPurchaseAttempts int
	// RetryBackoff is the base delay between purchase attempts; it doubles per attempt plus jitter.
	RetryBackoff time.Duration
	// StrictPhoneLookup makes FindByPhone fail with ErrAmbiguousMatch instead of picking the oldest match.
	StrictPhoneLookup bool
}

// Service runs ledger operations against a Store.
// It holds no record state and no locks; every mutation is one conditional
// update evaluated by the store.
type Service struct {
	store     Store
	cfg       Config
	observers []Observer
}

// NewService creates a ledger service
func NewService(store Store, cfg Config) *Service {
	if cfg.MaxPurchaseAttempts <= 0 {
		cfg.MaxPurchaseAttempts = defaultPurchaseAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	return &Service{store: store, cfg: cfg}
}

// AddObserver registers an observer for confirmed events. Not safe to call
// concurrently with ledger operations; wire observers at startup.
func (s *Service) AddObserver(o Observer) {
	s.observers = append(s.observers, o)
}

// RecordPurchase adds one point and one purchase to the stored balance.
// The increment is computed by the store, so concurrent purchases never
// overwrite each other. Only write conflicts are retried.
func (s *Service) RecordPurchase(ctx context.Context, id uuid.UUID) (*Customer, error) {
	mutation := Mutation{PointsDelta: 1, PurchasesDelta: 1}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxPurchaseAttempts; attempt++ {
		c, err := s.store.ConditionalUpdate(ctx, id, Condition{}, mutation)
		if err == nil {
			logger.FromContext(ctx).Info().
				Str("customer_id", c.ID.String()).
				Int("points", c.Points).
				Int("total_purchases", c.TotalPurchases).
				Int("attempt", attempt).
				Msg("Purchase recorded")
			s.notify(ctx, newEvent(EventPurchaseRecorded, c))
			return c, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, storeError(err)
		}

		lastErr = err
		logger.FromContext(ctx).Warn().
			Str("customer_id", id.String()).
			Int("attempt", attempt).
			Msg("Purchase write conflict, retrying")

		if attempt == s.cfg.MaxPurchaseAttempts {
			break
		}
		if err := s.wait(ctx, attempt); err != nil {
			return nil, storeError(err)
		}
	}

	return nil, fmt.Errorf("%w: purchase gave up after %d attempts: %w", ErrStoreUnavailable, s.cfg.MaxPurchaseAttempts, lastErr)
}

// RedeemReward resets points to zero and grants one free reward, only if the
// stored balance is at least RewardThreshold at write time. A failed
// condition is never retried; of two concurrent redemptions exactly one wins.
func (s *Service) RedeemReward(ctx context.Context, id uuid.UUID) (*Customer, error) {
	c, err := s.store.ConditionalUpdate(ctx, id,
		Condition{MinPoints: RewardThreshold},
		Mutation{ResetPoints: true, FreeRewardsDelta: 1},
	)
	if err != nil {
		if errors.Is(err, ErrConditionFailed) || errors.Is(err, ErrConflict) {
			return nil, ErrPreconditionFailed
		}
		return nil, storeError(err)
	}

	logger.FromContext(ctx).Info().
		Str("customer_id", c.ID.String()).
		Int("free_rewards", c.FreeRewards).
		Msg("Reward redeemed")
	s.notify(ctx, newEvent(EventRewardRedeemed, c))
	return c, nil
}

// Enroll creates a customer with zeroed counters.
func (s *Service) Enroll(ctx context.Context, name, phone string) (*Customer, error) {
	name = strings.TrimSpace(name)
	phone = strings.TrimSpace(phone)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	digits := identity.Normalize(phone)
	if digits == "" {
		return nil, fmt.Errorf("%w: phone has no digits", ErrInvalidInput)
	}

	c := &Customer{Name: name, Phone: phone}
	if err := s.store.Create(ctx, c); err != nil {
		return nil, storeError(err)
	}

	logger.FromContext(ctx).Info().
		Str("customer_id", c.ID.String()).
		Str("phone_fp", identity.Fingerprint(digits)).
		Msg("Customer enrolled")
	s.notify(ctx, newEvent(EventCustomerEnrolled, c))
	return c, nil
}

// Get returns a customer by id
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Customer, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeError(err)
	}
	return c, nil
}

// FindByPhone resolves free-form phone input to the oldest matching customer,
// or fails with ErrAmbiguousMatch in strict mode.
func (s *Service) FindByPhone(ctx context.Context, raw string) (*Customer, error) {
	return s.findByPhone(ctx, raw, s.cfg.StrictPhoneLookup)
}

func (s *Service) findByPhone(ctx context.Context, raw string, strict bool) (*Customer, error) {
	digits := identity.Normalize(raw)
	if digits == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, identity.ErrEmptyQuery)
	}

	limit := 1
	if strict {
		limit = 2
	}
	matches, err := s.store.Find(ctx, Lookup{PhoneDigits: digits}, limit)
	if err != nil {
		return nil, storeError(err)
	}

	switch {
	case len(matches) == 0:
		return nil, ErrNotFound
	case strict && len(matches) > 1:
		logger.FromContext(ctx).Warn().
			Str("phone_fp", identity.Fingerprint(digits)).
			Msg("Phone matches several customers")
		return nil, ErrAmbiguousMatch
	}
	c := matches[0]
	return &c, nil
}

// FindByIdentity returns the customer linked to an authenticated principal.
func (s *Service) FindByIdentity(ctx context.Context, principal string) (*Customer, error) {
	if principal == "" {
		return nil, fmt.Errorf("%w: principal is required", ErrInvalidInput)
	}
	matches, err := s.store.Find(ctx, Lookup{LinkedIdentity: principal}, 1)
	if err != nil {
		return nil, storeError(err)
	}
	if len(matches) == 0 {
		return nil, ErrNotFound
	}
	c := matches[0]
	return &c, nil
}

// LinkIdentity attaches an authenticated principal to a customer. A record
// can be linked only once.
func (s *Service) LinkIdentity(ctx context.Context, id uuid.UUID, principal string) (*Customer, error) {
	if principal == "" {
		return nil, fmt.Errorf("%w: principal is required", ErrInvalidInput)
	}
	c, err := s.store.LinkIdentity(ctx, id, principal)
	if err != nil {
		return nil, storeError(err)
	}

	logger.FromContext(ctx).Info().
		Str("customer_id", c.ID.String()).
		Msg("Identity linked")
	s.notify(ctx, newEvent(EventIdentityLinked, c))
	return c, nil
}

// LinkByPhone claims the customer record matching phone for principal.
// Matching is always strict here: a principal must never be attached to a
// record picked from several candidates.
func (s *Service) LinkByPhone(ctx context.Context, principal, phone string) (*Customer, error) {
	c, err := s.findByPhone(ctx, phone, true)
	if err != nil {
		return nil, err
	}
	return s.LinkIdentity(ctx, c.ID, principal)
}

// List returns customers newest first
func (s *Service) List(ctx context.Context, limit, offset int) ([]Customer, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	customers, err := s.store.List(ctx, Pagination{Limit: limit, Offset: offset})
	if err != nil {
		return nil, storeError(err)
	}
	return customers, nil
}

func (s *Service) notify(ctx context.Context, e Event) {
	for _, o := range s.observers {
		o.Observe(ctx, e)
	}
}

// wait sleeps before the next purchase attempt: base * 2^(attempt-1) plus up to base of jitter.
func (s *Service) wait(ctx context.Context, attempt int) error {
	base := s.cfg.RetryBackoff
	delay := base<<(attempt-1) + rand.N(base)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// storeError passes domain outcomes through and wraps everything else,
// including deadlines, as ErrStoreUnavailable.
func storeError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrPhoneTaken),
		errors.Is(err, ErrAlreadyLinked),
		errors.Is(err, ErrIdentityInUse):
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
