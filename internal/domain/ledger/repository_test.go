package ledger

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var customerRowColumns = []string{
	"id", "name", "phone", "points", "free_rewards", "total_purchases",
	"linked_identity", "version", "created_at", "updated_at",
}

// newMockPostgresStore creates a PostgresStore over a mocked SQL connection
func newMockPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, *sql.DB) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	return NewPostgresStore(sqlx.NewDb(mockDB, "postgres"), time.Second), mock, mockDB
}

func customerRow(id uuid.UUID, points, freeRewards, purchases int, version int64) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(customerRowColumns).
		AddRow(id.String(), "Ana", "+1 555 123 4567", points, freeRewards, purchases, nil, version, now, now)
}

func TestNewPostgresStore(t *testing.T) {
	t.Run("defaults the query timeout", func(t *testing.T) {
		mockDB, _, err := sqlmock.New()
		require.NoError(t, err)
		defer mockDB.Close()

		store := NewPostgresStore(sqlx.NewDb(mockDB, "postgres"), 0)
		assert.Equal(t, defaultQueryTimeout, store.timeout)
	})
}

func TestPostgresStore_Get(t *testing.T) {
	t.Run("returns the stored record", func(t *testing.T) {
		store, mock, mockDB := newMockPostgresStore(t)
		defer mockDB.Close()

		id := uuid.New()
		mock.ExpectQuery(`SELECT id, name, phone, .* FROM loyalty_customers WHERE id = \$1`).
			WithArgs(id).
			WillReturnRows(customerRow(id, 4, 1, 9, 3))

		c, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, id, c.ID)
		assert.Equal(t, 4, c.Points)
		assert.Nil(t, c.LinkedIdentity)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("maps no rows to ErrNotFound", func(t *testing.T) {
		store, mock, mockDB := newMockPostgresStore(t)
		defer mockDB.Close()

		id := uuid.New()
		mock.ExpectQuery(`SELECT .* FROM loyalty_customers WHERE id = \$1`).
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows(customerRowColumns))

		_, err := store.Get(context.Background(), id)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_ConditionalUpdate(t *testing.T) {
	redeem := Mutation{ResetPoints: true, FreeRewardsDelta: 1}
	cond := Condition{MinPoints: RewardThreshold}

	t.Run("returns the row as written", func(t *testing.T) {
		store, mock, mockDB := newMockPostgresStore(t)
		defer mockDB.Close()

		id := uuid.New()
		mock.ExpectQuery(`UPDATE loyalty_customers\s+SET points = CASE WHEN \$2::boolean THEN 0 ELSE points \+ \$3 END`).
			WithArgs(id, true, 0, 1, 0, RewardThreshold, int64(0)).
			WillReturnRows(customerRow(id, 0, 3, 31, 8))

		c, err := store.ConditionalUpdate(context.Background(), id, cond, redeem)
		require.NoError(t, err)
		assert.Equal(t, 0, c.Points)
		assert.Equal(t, 3, c.FreeRewards)
		assert.Equal(t, 31, c.TotalPurchases)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("condition not met on existing row", func(t *testing.T) {
		store, mock, mockDB := newMockPostgresStore(t)
		defer mockDB.Close()

		id := uuid.New()
		mock.ExpectQuery(`UPDATE loyalty_customers`).
			WithArgs(id, true, 0, 1, 0, RewardThreshold, int64(0)).
			WillReturnRows(sqlmock.NewRows(customerRowColumns))
		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		_, err := store.ConditionalUpdate(context.Background(), id, cond, redeem)
		assert.ErrorIs(t, err, ErrConditionFailed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row is ErrNotFound", func(t *testing.T) {
		store, mock, mockDB := newMockPostgresStore(t)
		defer mockDB.Close()

		id := uuid.New()
		mock.ExpectQuery(`UPDATE loyalty_customers`).
			WillReturnRows(sqlmock.NewRows(customerRowColumns))
		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		_, err := store.ConditionalUpdate(context.Background(), id, cond, redeem)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("serialization failure is a conflict", func(t *testing.T) {
		store, mock, mockDB := newMockPostgresStore(t)
		defer mockDB.Close()

		mock.ExpectQuery(`UPDATE loyalty_customers`).
			WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})

		_, err := store.ConditionalUpdate(context.Background(), uuid.New(), Condition{}, Mutation{PointsDelta: 1, PurchasesDelta: 1})
		assert.ErrorIs(t, err, ErrConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("connection errors are passed through", func(t *testing.T) {
		store, mock, mockDB := newMockPostgresStore(t)
		defer mockDB.Close()

		mock.ExpectQuery(`UPDATE loyalty_customers`).
			WillReturnError(sql.ErrConnDone)

		_, err := store.ConditionalUpdate(context.Background(), uuid.New(), Condition{}, Mutation{PointsDelta: 1, PurchasesDelta: 1})
		assert.ErrorIs(t, err, sql.ErrConnDone)
		assert.NotErrorIs(t, err, ErrConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects negative deltas without a query", func(t *testing.T) {
		store, mock, mockDB := newMockPostgresStore(t)
		defer mockDB.Close()

		_, err := store.ConditionalUpdate(context.Background(), uuid.New(), Condition{}, Mutation{PointsDelta: -1})
		assert.ErrorIs(t, err, ErrInvalidInput)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_Find(t *testing.T) {
	t.Run("matches phone digits both ways", func(t *testing.T) {
		store, mock, mockDB := newMockPostgresStore(t)
		defer mockDB.Close()

		id := uuid.New()
		mock.ExpectQuery(`WHERE phone_digits <> ''\s+AND \(strpos\(phone_digits, \$1\) > 0 OR strpos\(\$1, phone_digits\) > 0\)\s+ORDER BY created_at ASC, id ASC`).
			WithArgs("1234567", 2).
			WillReturnRows(customerRow(id, 0, 0, 0, 1))

		got, err := store.Find(context.Background(), Lookup{PhoneDigits: "1234567"}, 2)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, id, got[0].ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("looks up linked identity", func(t *testing.T) {
		store, mock, mockDB := newMockPostgresStore(t)
		defer mockDB.Close()

		mock.ExpectQuery(`WHERE linked_identity = \$1`).
			WithArgs("user-1", 1).
			WillReturnRows(sqlmock.NewRows(customerRowColumns))

		got, err := store.Find(context.Background(), Lookup{LinkedIdentity: "user-1"}, 1)
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty lookup matches nothing", func(t *testing.T) {
		store, mock, mockDB := newMockPostgresStore(t)
		defer mockDB.Close()

		got, err := store.Find(context.Background(), Lookup{}, 5)
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_Create(t *testing.T) {
	t.Run("fills store-assigned fields", func(t *testing.T) {
		store, mock, mockDB := newMockPostgresStore(t)
		defer mockDB.Close()

		now := time.Now().UTC()
		mock.ExpectQuery(`INSERT INTO loyalty_customers \(id, name, phone, linked_identity\)`).
			WithArgs(sqlmock.AnyArg(), "Ana", "555 123 4567", nil).
			WillReturnRows(sqlmock.NewRows([]string{"points", "free_rewards", "total_purchases", "version", "created_at", "updated_at"}).
				AddRow(0, 0, 0, 1, now, now))

		c := &Customer{Name: "Ana", Phone: "555 123 4567"}
		require.NoError(t, store.Create(context.Background(), c))
		assert.NotEqual(t, uuid.Nil, c.ID)
		assert.Equal(t, int64(1), c.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate phone digits", func(t *testing.T) {
		store, mock, mockDB := newMockPostgresStore(t)
		defer mockDB.Close()

		mock.ExpectQuery(`INSERT INTO loyalty_customers`).
			WillReturnError(&pq.Error{Code: "23505", Constraint: phoneDigitsConstraint})

		err := store.Create(context.Background(), &Customer{Name: "Ana", Phone: "5551234567"})
		assert.ErrorIs(t, err, ErrPhoneTaken)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("check violation is invalid input", func(t *testing.T) {
		store, mock, mockDB := newMockPostgresStore(t)
		defer mockDB.Close()

		mock.ExpectQuery(`INSERT INTO loyalty_customers`).
			WillReturnError(&pq.Error{Code: "23514", Message: "violates check constraint"})

		err := store.Create(context.Background(), &Customer{Name: " ", Phone: "5551234567"})
		assert.ErrorIs(t, err, ErrInvalidInput)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_LinkIdentity(t *testing.T) {
	t.Run("already linked", func(t *testing.T) {
		store, mock, mockDB := newMockPostgresStore(t)
		defer mockDB.Close()

		id := uuid.New()
		mock.ExpectQuery(`UPDATE loyalty_customers\s+SET linked_identity = \$2`).
			WithArgs(id, "user-1").
			WillReturnRows(sqlmock.NewRows(customerRowColumns))
		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		_, err := store.LinkIdentity(context.Background(), id, "user-1")
		assert.ErrorIs(t, err, ErrAlreadyLinked)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("principal used elsewhere", func(t *testing.T) {
		store, mock, mockDB := newMockPostgresStore(t)
		defer mockDB.Close()

		mock.ExpectQuery(`UPDATE loyalty_customers\s+SET linked_identity = \$2`).
			WillReturnError(&pq.Error{Code: "23505", Constraint: linkedIdentityConstraint})

		_, err := store.LinkIdentity(context.Background(), uuid.New(), "user-1")
		assert.ErrorIs(t, err, ErrIdentityInUse)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_List(t *testing.T) {
	store, mock, mockDB := newMockPostgresStore(t)
	defer mockDB.Close()

	mock.ExpectQuery(`ORDER BY created_at DESC, id DESC\s+LIMIT \$1 OFFSET \$2`).
		WithArgs(20, 40).
		WillReturnRows(customerRow(uuid.New(), 1, 0, 1, 2))

	got, err := store.List(context.Background(), Pagination{Offset: 40})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}
