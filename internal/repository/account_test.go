package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credpool/pool-server-go/internal/model"
)

var accountColumns = []string{
	"email", "local_id", "id_token", "refresh_token", "status", "session_id",
	"use_count", "created_at", "updated_at", "last_used_at", "last_refresh_at",
	"token_expires_at",
}

func newMockRepo(t *testing.T) (AccountRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	db := sqlx.NewDb(mockDB, "sqlmock")
	return NewAccountRepository(db, ""), mock, func() { mockDB.Close() }
}

func accountRow(email string, status model.AccountStatus, now time.Time) []driver.Value {
	return []driver.Value{
		email, "uid-" + email, "idtok", "rtok", string(status), nil,
		0, now, now, nil, nil, nil,
	}
}

func TestClaimAvailable(t *testing.T) {
	repo, mock, cleanup := newMockRepo(t)
	defer cleanup()

	now := time.Now()
	rows := sqlmock.NewRows(accountColumns).
		AddRow(accountRow("a@example.com", model.StatusInUse, now)...).
		AddRow(accountRow("b@example.com", model.StatusInUse, now)...)

	mock.ExpectQuery(`UPDATE accounts SET`).
		WithArgs("sess-1", 2, sqlmock.AnyArg()).
		WillReturnRows(rows)

	accounts, err := repo.ClaimAvailable(context.Background(), "sess-1", 2, now)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "a@example.com", accounts[0].Email)
	assert.Equal(t, model.StatusInUse, accounts[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimAvailable_ShortReturn(t *testing.T) {
	repo, mock, cleanup := newMockRepo(t)
	defer cleanup()

	now := time.Now()
	rows := sqlmock.NewRows(accountColumns).
		AddRow(accountRow("a@example.com", model.StatusInUse, now)...)

	mock.ExpectQuery(`UPDATE accounts SET`).
		WithArgs("sess-1", 5, sqlmock.AnyArg()).
		WillReturnRows(rows)

	accounts, err := repo.ClaimAvailable(context.Background(), "sess-1", 5, now)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseSession(t *testing.T) {
	repo, mock, cleanup := newMockRepo(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE accounts SET`).
		WithArgs("sess-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.ReleaseSession(context.Background(), "sess-1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusIf(t *testing.T) {
	t.Run("succeeds when status matches", func(t *testing.T) {
		repo, mock, cleanup := newMockRepo(t)
		defer cleanup()

		mock.ExpectExec(`UPDATE accounts SET status`).
			WithArgs("a@example.com", "available", "refreshing", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := repo.UpdateStatusIf(context.Background(), "a@example.com",
			model.StatusAvailable, model.StatusRefreshing, time.Now())
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("returns false when status changed underneath", func(t *testing.T) {
		repo, mock, cleanup := newMockRepo(t)
		defer cleanup()

		mock.ExpectExec(`UPDATE accounts SET status`).
			WithArgs("a@example.com", "available", "refreshing", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := repo.UpdateStatusIf(context.Background(), "a@example.com",
			model.StatusAvailable, model.StatusRefreshing, time.Now())
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestFinishRefresh(t *testing.T) {
	t.Run("returns updated account", func(t *testing.T) {
		repo, mock, cleanup := newMockRepo(t)
		defer cleanup()

		now := time.Now()
		rows := sqlmock.NewRows(accountColumns).
			AddRow(accountRow("a@example.com", model.StatusAvailable, now)...)

		mock.ExpectQuery(`UPDATE accounts SET`).
			WithArgs("a@example.com", sqlmock.AnyArg()).
			WillReturnRows(rows)

		account, err := repo.FinishRefresh(context.Background(), "a@example.com", now)
		require.NoError(t, err)
		require.NotNil(t, account)
		assert.Equal(t, model.StatusAvailable, account.Status)
	})

	t.Run("returns nil when account not refreshing", func(t *testing.T) {
		repo, mock, cleanup := newMockRepo(t)
		defer cleanup()

		mock.ExpectQuery(`UPDATE accounts SET`).
			WithArgs("a@example.com", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows(accountColumns))

		account, err := repo.FinishRefresh(context.Background(), "a@example.com", time.Now())
		require.NoError(t, err)
		assert.Nil(t, account)
	})
}

func TestInsert(t *testing.T) {
	t.Run("returns inserted account", func(t *testing.T) {
		repo, mock, cleanup := newMockRepo(t)
		defer cleanup()

		now := time.Now()
		rows := sqlmock.NewRows(accountColumns).
			AddRow(accountRow("new@example.com", model.StatusAvailable, now)...)

		mock.ExpectQuery(`INSERT INTO accounts`).
			WithArgs("new@example.com", "uid-1", "idtok", "rtok").
			WillReturnRows(rows)

		account, err := repo.Insert(context.Background(), model.CreateAccountParams{
			Email: "new@example.com", LocalID: "uid-1", IDToken: "idtok", RefreshToken: "rtok",
		})
		require.NoError(t, err)
		require.NotNil(t, account)
		assert.Equal(t, "new@example.com", account.Email)
	})

	t.Run("returns nil on duplicate email", func(t *testing.T) {
		repo, mock, cleanup := newMockRepo(t)
		defer cleanup()

		mock.ExpectQuery(`INSERT INTO accounts`).
			WithArgs("dup@example.com", "uid-1", "idtok", "rtok").
			WillReturnRows(sqlmock.NewRows(accountColumns))

		account, err := repo.Insert(context.Background(), model.CreateAccountParams{
			Email: "dup@example.com", LocalID: "uid-1", IDToken: "idtok", RefreshToken: "rtok",
		})
		require.NoError(t, err)
		assert.Nil(t, account)
	})
}

func TestFindByEmail(t *testing.T) {
	t.Run("returns nil when missing", func(t *testing.T) {
		repo, mock, cleanup := newMockRepo(t)
		defer cleanup()

		mock.ExpectQuery(`SELECT \* FROM accounts WHERE email`).
			WithArgs("ghost@example.com").
			WillReturnRows(sqlmock.NewRows(accountColumns))

		account, err := repo.FindByEmail(context.Background(), "ghost@example.com")
		require.NoError(t, err)
		assert.Nil(t, account)
	})

	t.Run("propagates store errors", func(t *testing.T) {
		repo, mock, cleanup := newMockRepo(t)
		defer cleanup()

		mock.ExpectQuery(`SELECT \* FROM accounts WHERE email`).
			WithArgs("a@example.com").
			WillReturnError(errors.New("connection refused"))

		_, err := repo.FindByEmail(context.Background(), "a@example.com")
		assert.Error(t, err)
	})
}

func TestDueForRefresh(t *testing.T) {
	repo, mock, cleanup := newMockRepo(t)
	defer cleanup()

	now := time.Now()
	rows := sqlmock.NewRows(accountColumns).
		AddRow(accountRow("stale@example.com", model.StatusAvailable, now)...)

	mock.ExpectQuery(`SELECT \* FROM accounts`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), 50).
		WillReturnRows(rows)

	accounts, err := repo.DueForRefresh(context.Background(), now, now.Add(-time.Hour), 50)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "stale@example.com", accounts[0].Email)
}

func TestCountsByStatus(t *testing.T) {
	repo, mock, cleanup := newMockRepo(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{"status", "count"}).
		AddRow("available", 7).
		AddRow("in_use", 2).
		AddRow("expired", 1)

	mock.ExpectQuery(`SELECT status, COUNT`).WillReturnRows(rows)

	counts, err := repo.CountsByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, counts[model.StatusAvailable])
	assert.Equal(t, 2, counts[model.StatusInUse])
	assert.Equal(t, 1, counts[model.StatusExpired])
	assert.Equal(t, 0, counts[model.StatusRetired])
}

func TestList(t *testing.T) {
	t.Run("filters by status with pagination", func(t *testing.T) {
		repo, mock, cleanup := newMockRepo(t)
		defer cleanup()

		now := time.Now()
		rows := sqlmock.NewRows(accountColumns).
			AddRow(accountRow("b@example.com", model.StatusAvailable, now)...).
			AddRow(accountRow("a@example.com", model.StatusAvailable, now)...)

		mock.ExpectQuery(`SELECT \* FROM accounts`).
			WithArgs("available", 50, 0).
			WillReturnRows(rows)

		accounts, err := repo.List(context.Background(), model.StatusAvailable, 50, 0)
		require.NoError(t, err)
		require.Len(t, accounts, 2)
		assert.Equal(t, "b@example.com", accounts[0].Email)
	})

	t.Run("empty status lists every account", func(t *testing.T) {
		repo, mock, cleanup := newMockRepo(t)
		defer cleanup()

		mock.ExpectQuery(`SELECT \* FROM accounts`).
			WithArgs("", 10, 20).
			WillReturnRows(sqlmock.NewRows(accountColumns))

		accounts, err := repo.List(context.Background(), "", 10, 20)
		require.NoError(t, err)
		assert.Empty(t, accounts)
	})
}

func TestDeleteTerminal(t *testing.T) {
	repo, mock, cleanup := newMockRepo(t)
	defer cleanup()

	mock.ExpectExec(`DELETE FROM accounts`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := repo.DeleteTerminal(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestReleaseAll(t *testing.T) {
	repo, mock, cleanup := newMockRepo(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE accounts SET`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 6))

	n, err := repo.ReleaseAll(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}

// notPlaintext matches any value except the given plaintext. Used to
// verify tokens are sealed before they reach the database.
type notPlaintext struct{ plain string }

func (m notPlaintext) Match(v driver.Value) bool {
	s, ok := v.(string)
	return ok && s != m.plain && s != ""
}

func TestInsert_SealsRefreshToken(t *testing.T) {
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mockDB.Close()

	key := "000102030405060708090a0b0c0d0e0f000102030405060708090a0b0c0d0e0f"
	repo := NewAccountRepository(sqlx.NewDb(mockDB, "sqlmock"), key)

	now := time.Now()
	rows := sqlmock.NewRows(accountColumns).
		AddRow(accountRow("new@example.com", model.StatusAvailable, now)...)

	mock.ExpectQuery(`INSERT INTO accounts`).
		WithArgs("new@example.com", "uid-1", "idtok", notPlaintext{plain: "plaintext-rtok"}).
		WillReturnRows(rows)

	_, err = repo.Insert(context.Background(), model.CreateAccountParams{
		Email: "new@example.com", LocalID: "uid-1", IDToken: "idtok", RefreshToken: "plaintext-rtok",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
