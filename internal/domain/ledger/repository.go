package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const defaultQueryTimeout = 3 * time.Second

const customerColumns = `id, name, phone, points, free_rewards, total_purchases, linked_identity, version, created_at, updated_at`

// Unique indexes created by the schema migration.
const (
	phoneDigitsConstraint    = "loyalty_customers_phone_digits_key"
	linkedIdentityConstraint = "loyalty_customers_linked_identity_key"
)

// PostgresStore keeps customer records in the loyalty_customers table.
// Conditions are evaluated by Postgres inside the UPDATE itself.
type PostgresStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgresStore creates a Postgres-backed store. A zero timeout uses the default.
func NewPostgresStore(db *sqlx.DB, timeout time.Duration) *PostgresStore {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &PostgresStore{db: db, timeout: timeout}
}

func (r *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Customer, error) {
	ctx2, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var c Customer
	err := r.db.GetContext(ctx2, &c, `SELECT `+customerColumns+` FROM loyalty_customers WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return &c, nil
}

func (r *PostgresStore) Find(ctx context.Context, q Lookup, limit int) ([]Customer, error) {
	ctx2, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 1
	}

	var (
		query string
		arg   string
	)
	switch {
	case q.LinkedIdentity != "":
		query = `SELECT ` + customerColumns + ` FROM loyalty_customers
			WHERE linked_identity = $1
			ORDER BY created_at ASC, id ASC
			LIMIT $2`
		arg = q.LinkedIdentity
	case q.PhoneDigits != "":
		// Either side may be the partial number.
		query = `SELECT ` + customerColumns + ` FROM loyalty_customers
			WHERE phone_digits <> ''
			  AND (strpos(phone_digits, $1) > 0 OR strpos($1, phone_digits) > 0)
			ORDER BY created_at ASC, id ASC
			LIMIT $2`
		arg = q.PhoneDigits
	default:
		return []Customer{}, nil
	}

	customers := make([]Customer, 0, limit)
	if err := r.db.SelectContext(ctx2, &customers, query, arg, limit); err != nil {
		return nil, fmt.Errorf("find customers: %w", err)
	}
	return customers, nil
}

func (r *PostgresStore) ConditionalUpdate(ctx context.Context, id uuid.UUID, cond Condition, m Mutation) (*Customer, error) {
	if !m.valid() {
		return nil, ErrInvalidInput
	}

	ctx2, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var c Customer
	err := r.db.GetContext(ctx2, &c, `
		UPDATE loyalty_customers
		SET points = CASE WHEN $2::boolean THEN 0 ELSE points + $3 END,
		    free_rewards = free_rewards + $4,
		    total_purchases = total_purchases + $5,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND points >= $6
		  AND ($7::bigint = 0 OR version = $7::bigint)
		RETURNING `+customerColumns,
		id, m.ResetPoints, m.PointsDelta, m.FreeRewardsDelta, m.PurchasesDelta, cond.MinPoints, cond.Version)
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, classify("conditional update", err)
	}

	exists, err := r.exists(ctx2, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrConditionFailed
}

func (r *PostgresStore) Create(ctx context.Context, c *Customer) error {
	ctx2, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}

	row := r.db.QueryRowxContext(ctx2, `
		INSERT INTO loyalty_customers (id, name, phone, linked_identity)
		VALUES ($1, $2, $3, $4)
		RETURNING points, free_rewards, total_purchases, version, created_at, updated_at
	`, c.ID, c.Name, c.Phone, c.LinkedIdentity)

	err := row.Scan(&c.Points, &c.FreeRewards, &c.TotalPurchases, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return classify("insert customer", err)
	}
	return nil
}

func (r *PostgresStore) LinkIdentity(ctx context.Context, id uuid.UUID, principal string) (*Customer, error) {
	ctx2, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var c Customer
	err := r.db.GetContext(ctx2, &c, `
		UPDATE loyalty_customers
		SET linked_identity = $2,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1 AND linked_identity IS NULL
		RETURNING `+customerColumns, id, principal)
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, classify("link identity", err)
	}

	exists, err := r.exists(ctx2, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrAlreadyLinked
}

// List returns customers newest enrollment first.
func (r *PostgresStore) List(ctx context.Context, p Pagination) ([]Customer, error) {
	ctx2, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	customers := make([]Customer, 0, limit)
	err := r.db.SelectContext(ctx2, &customers, `
		SELECT `+customerColumns+`
		FROM loyalty_customers
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`, limit, p.Offset)
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	return customers, nil
}

func (r *PostgresStore) exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM loyalty_customers WHERE id = $1)`, id); err != nil {
		return false, fmt.Errorf("probe customer: %w", err)
	}
	return exists, nil
}

// classify maps Postgres error codes onto store errors.
func classify(op string, err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return fmt.Errorf("%s: %w", op, err)
	}

	switch pqErr.Code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return ErrConflict
	case "23505": // unique_violation
		switch pqErr.Constraint {
		case phoneDigitsConstraint:
			return ErrPhoneTaken
		case linkedIdentityConstraint:
			return ErrIdentityInUse
		}
	case "23514", "23502": // check_violation, not_null_violation
		return fmt.Errorf("%w: %s", ErrInvalidInput, pqErr.Message)
	}
	return fmt.Errorf("%s: %w", op, err)
}
