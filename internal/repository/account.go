package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/credpool/pool-server-go/internal/model"
	"github.com/credpool/pool-server-go/internal/util"
)

type AccountRepository interface {
	// ClaimAvailable atomically moves up to count available accounts to
	// in_use under the given session. Concurrent claimers never receive
	// the same account. Fewer than count rows may be returned.
	ClaimAvailable(ctx context.Context, sessionID string, count int, now time.Time) ([]model.Account, error)
	// ReleaseSession unlinks every account held by the session. Accounts
	// in in_use return to available; accounts mid-refresh keep their
	// refreshing status and land on available when the refresh finishes.
	ReleaseSession(ctx context.Context, sessionID string, now time.Time) (int, error)
	// UpdateStatusIf is a compare-and-set on status. It returns false
	// without error when the account was not in the expected status.
	UpdateStatusIf(ctx context.Context, email string, from, to model.AccountStatus, now time.Time) (bool, error)
	// FinishRefresh moves a refreshing account back into circulation:
	// available when no session holds it, in_use otherwise.
	FinishRefresh(ctx context.Context, email string, now time.Time) (*model.Account, error)
	// UpdateTokens stores a refresh result. Empty refreshToken or localID
	// keep the existing values.
	UpdateTokens(ctx context.Context, email, idToken, refreshToken, localID string, expiresAt *time.Time, now time.Time) (*model.Account, error)
	// Insert adds a new available account. Returns nil without error when
	// the email already exists.
	Insert(ctx context.Context, params model.CreateAccountParams) (*model.Account, error)
	FindByEmail(ctx context.Context, email string) (*model.Account, error)
	// DueForRefresh lists circulating accounts whose token is missing or
	// expires at or before the deadline, excluding accounts refreshed
	// after refreshedBefore.
	DueForRefresh(ctx context.Context, deadline, refreshedBefore time.Time, limit int) ([]model.Account, error)
	ListByStatus(ctx context.Context, status model.AccountStatus) ([]model.Account, error)
	// List pages through accounts newest first. An empty status matches
	// every account.
	List(ctx context.Context, status model.AccountStatus, limit, offset int) ([]model.Account, error)
	CountsByStatus(ctx context.Context) (map[model.AccountStatus]int, error)
	// DeleteTerminal removes expired and retired accounts last touched
	// before the cutoff.
	DeleteTerminal(ctx context.Context, cutoff time.Time) (int, error)
	// ReleaseAll force-returns every claimed or mid-refresh account to
	// available. Used at startup when no sessions can exist.
	ReleaseAll(ctx context.Context, now time.Time) (int, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) AccountRepository
}

type accountRepo struct {
	db sqlxDB
	// encKey is a hex-encoded AES-256 key. When set, refresh tokens are
	// stored sealed and unsealed on every read. Empty means plaintext.
	encKey string
}

// sqlxDB is an interface satisfied by both *sqlx.DB and *sqlx.Tx
type sqlxDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func NewAccountRepository(db *sqlx.DB, encryptionKey string) AccountRepository {
	return &accountRepo{db: db, encKey: encryptionKey}
}

func (r *accountRepo) WithTx(tx *sqlx.Tx) AccountRepository {
	return &accountRepo{db: tx, encKey: r.encKey}
}

// sealedPrefix marks encrypted values so pools upgraded from plaintext
// storage keep reading their old rows.
const sealedPrefix = "enc:"

func (r *accountRepo) seal(token string) (string, error) {
	if r.encKey == "" || token == "" {
		return token, nil
	}
	sealed, err := util.Encrypt(r.encKey, token)
	if err != nil {
		return "", err
	}
	return sealedPrefix + sealed, nil
}

func (r *accountRepo) unseal(account *model.Account) error {
	if account == nil || !strings.HasPrefix(account.RefreshToken, sealedPrefix) {
		return nil
	}
	if r.encKey == "" {
		return fmt.Errorf("account %s holds a sealed refresh token but no encryption key is configured", account.Email)
	}
	token, err := util.Decrypt(r.encKey, strings.TrimPrefix(account.RefreshToken, sealedPrefix))
	if err != nil {
		return fmt.Errorf("unseal refresh token for %s: %w", account.Email, err)
	}
	account.RefreshToken = token
	return nil
}

func (r *accountRepo) unsealAll(accounts []model.Account) error {
	for i := range accounts {
		if err := r.unseal(&accounts[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *accountRepo) ClaimAvailable(ctx context.Context, sessionID string, count int, now time.Time) ([]model.Account, error) {
	var accounts []model.Account
	// SKIP LOCKED keeps concurrent claimers from blocking on or double
	// claiming the same rows. Least recently refreshed accounts go out
	// first, spreading refresh load across the pool.
	err := r.db.SelectContext(ctx, &accounts, `
		UPDATE accounts SET
			status = 'in_use',
			session_id = $1,
			use_count = use_count + 1,
			last_used_at = $3,
			updated_at = $3
		WHERE email IN (
			SELECT email FROM accounts
			WHERE status = 'available'
			ORDER BY last_refresh_at ASC NULLS FIRST, email ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *
	`, sessionID, count, now)
	if err != nil {
		return nil, err
	}
	if err := r.unsealAll(accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *accountRepo) ReleaseSession(ctx context.Context, sessionID string, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET
			session_id = NULL,
			status = CASE WHEN status = 'in_use' THEN 'available' ELSE status END,
			updated_at = $2
		WHERE session_id = $1
	`, sessionID, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *accountRepo) UpdateStatusIf(ctx context.Context, email string, from, to model.AccountStatus, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET status = $3, updated_at = $4
		WHERE email = $1 AND status = $2
	`, email, from, to, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *accountRepo) FinishRefresh(ctx context.Context, email string, now time.Time) (*model.Account, error) {
	var account model.Account
	err := r.db.GetContext(ctx, &account, `
		UPDATE accounts SET
			status = CASE WHEN session_id IS NULL THEN 'available' ELSE 'in_use' END,
			updated_at = $2
		WHERE email = $1 AND status = 'refreshing'
		RETURNING *
	`, email, now)
	found, err := HandleNotFound(&account, err)
	if err != nil || found == nil {
		return found, err
	}
	return found, r.unseal(found)
}

func (r *accountRepo) UpdateTokens(ctx context.Context, email, idToken, refreshToken, localID string, expiresAt *time.Time, now time.Time) (*model.Account, error) {
	sealed, err := r.seal(refreshToken)
	if err != nil {
		return nil, err
	}
	var account model.Account
	err = r.db.GetContext(ctx, &account, `
		UPDATE accounts SET
			id_token = $2,
			refresh_token = CASE WHEN $3 = '' THEN refresh_token ELSE $3 END,
			local_id = CASE WHEN $4 = '' THEN local_id ELSE $4 END,
			token_expires_at = $5,
			last_refresh_at = $6,
			updated_at = $6
		WHERE email = $1
		RETURNING *
	`, email, idToken, sealed, localID, expiresAt, now)
	found, err := HandleNotFound(&account, err)
	if err != nil || found == nil {
		return found, err
	}
	return found, r.unseal(found)
}

func (r *accountRepo) Insert(ctx context.Context, params model.CreateAccountParams) (*model.Account, error) {
	sealed, err := r.seal(params.RefreshToken)
	if err != nil {
		return nil, err
	}
	var account model.Account
	err = r.db.GetContext(ctx, &account, `
		INSERT INTO accounts (email, local_id, id_token, refresh_token, status)
		VALUES ($1, $2, $3, $4, 'available')
		ON CONFLICT (email) DO NOTHING
		RETURNING *
	`, params.Email, params.LocalID, params.IDToken, sealed)
	found, err := HandleNotFound(&account, err)
	if err != nil || found == nil {
		return found, err
	}
	return found, r.unseal(found)
}

func (r *accountRepo) FindByEmail(ctx context.Context, email string) (*model.Account, error) {
	var account model.Account
	err := r.db.GetContext(ctx, &account, `
		SELECT * FROM accounts WHERE email = $1
	`, email)
	found, err := HandleNotFound(&account, err)
	if err != nil || found == nil {
		return found, err
	}
	return found, r.unseal(found)
}

func (r *accountRepo) DueForRefresh(ctx context.Context, deadline, refreshedBefore time.Time, limit int) ([]model.Account, error) {
	var accounts []model.Account
	err := r.db.SelectContext(ctx, &accounts, `
		SELECT * FROM accounts
		WHERE status IN ('available', 'in_use')
		  AND (token_expires_at IS NULL OR token_expires_at <= $1)
		  AND (last_refresh_at IS NULL OR last_refresh_at <= $2)
		ORDER BY token_expires_at ASC NULLS FIRST
		LIMIT $3
	`, deadline, refreshedBefore, limit)
	if err != nil {
		return nil, err
	}
	if err := r.unsealAll(accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *accountRepo) ListByStatus(ctx context.Context, status model.AccountStatus) ([]model.Account, error) {
	var accounts []model.Account
	err := r.db.SelectContext(ctx, &accounts, `
		SELECT * FROM accounts WHERE status = $1 ORDER BY email
	`, status)
	if err != nil {
		return nil, err
	}
	if err := r.unsealAll(accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *accountRepo) List(ctx context.Context, status model.AccountStatus, limit, offset int) ([]model.Account, error) {
	var accounts []model.Account
	err := r.db.SelectContext(ctx, &accounts, `
		SELECT * FROM accounts
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, email ASC
		LIMIT $2 OFFSET $3
	`, status, limit, offset)
	if err != nil {
		return nil, err
	}
	if err := r.unsealAll(accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *accountRepo) CountsByStatus(ctx context.Context) (map[model.AccountStatus]int, error) {
	var rows []struct {
		Status model.AccountStatus `db:"status"`
		Count  int                 `db:"count"`
	}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT status, COUNT(*) AS count FROM accounts GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	counts := make(map[model.AccountStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (r *accountRepo) DeleteTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM accounts
		WHERE status IN ('expired', 'retired') AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *accountRepo) ReleaseAll(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET
			session_id = NULL,
			status = CASE WHEN status IN ('in_use', 'refreshing') THEN 'available' ELSE status END,
			updated_at = $1
		WHERE session_id IS NOT NULL OR status IN ('in_use', 'refreshing')
	`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
