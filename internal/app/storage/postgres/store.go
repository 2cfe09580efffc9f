package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/riskledger/internal/app/domain/account"
	"github.com/R3E-Network/riskledger/internal/app/domain/institution"
	"github.com/R3E-Network/riskledger/internal/app/domain/reset"
	"github.com/R3E-Network/riskledger/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// NewFromSQL wraps a database/sql handle opened with the postgres driver.
func NewFromSQL(db *sql.DB) *Store {
	return New(sqlx.NewDb(db, "postgres"))
}

const accountColumns = `id, first_name, last_name, account_number, institution_code, password_hash, pin_hash,
	balance, daily_transaction_count, last_transaction_date, high_risk_aborted_count,
	last_transaction_risk_value, created_at, updated_at`

// --- AccountStore -----------------------------------------------------------

func (s *Store) CreateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, acct.ID, acct.FirstName, acct.LastName, acct.AccountNumber, acct.InstitutionCode,
		acct.PasswordHash, acct.PINHash, acct.Balance, acct.DailyTransactionCount,
		acct.LastTransactionDate, acct.HighRiskAbortedCount, acct.LastTransactionRiskValue,
		acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return account.Account{}, translate(err, "account "+acct.ID)
	}
	return acct, nil
}

func (s *Store) UpdateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	return updateAccount(ctx, s.db, acct)
}

func (s *Store) GetAccount(ctx context.Context, id string) (account.Account, error) {
	var acct account.Account
	err := s.db.GetContext(ctx, &acct, `SELECT `+accountColumns+` FROM ledger_accounts WHERE id = $1`, id)
	if err != nil {
		return account.Account{}, translate(err, "account "+id)
	}
	return acct, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]account.Account, error) {
	var result []account.Account
	err := s.db.SelectContext(ctx, &result, `SELECT `+accountColumns+` FROM ledger_accounts ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// --- InstitutionStore -------------------------------------------------------

func (s *Store) CreateInstitution(ctx context.Context, inst institution.Institution) (institution.Institution, error) {
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	inst.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_institutions (id, code, name, created_at)
		VALUES ($1, $2, $3, $4)
	`, inst.ID, inst.Code, inst.Name, inst.CreatedAt)
	if err != nil {
		return institution.Institution{}, translate(err, "institution "+inst.Code)
	}
	return inst, nil
}

func (s *Store) GetInstitution(ctx context.Context, id string) (institution.Institution, error) {
	var inst institution.Institution
	err := s.db.GetContext(ctx, &inst, `SELECT id, code, name, created_at FROM ledger_institutions WHERE id = $1`, id)
	if err != nil {
		return institution.Institution{}, translate(err, "institution "+id)
	}
	return inst, nil
}

func (s *Store) ListInstitutions(ctx context.Context) ([]institution.Institution, error) {
	var result []institution.Institution
	err := s.db.SelectContext(ctx, &result, `SELECT id, code, name, created_at FROM ledger_institutions ORDER BY code`)
	return result, err
}

func (s *Store) ListSecretCodes(ctx context.Context, institutionID string) ([]institution.SecretCode, error) {
	var result []institution.SecretCode
	err := s.db.SelectContext(ctx, &result, `
		SELECT id, institution_id, value, generated_at
		FROM ledger_secret_codes
		WHERE institution_id = $1
		ORDER BY generated_at, id
	`, institutionID)
	return result, err
}

// --- UnitOfWork -------------------------------------------------------------

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) GetAccountForUpdate(ctx context.Context, id string) (account.Account, error) {
	var acct account.Account
	err := t.tx.GetContext(ctx, &acct, `SELECT `+accountColumns+` FROM ledger_accounts WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return account.Account{}, translate(err, "account "+id)
	}
	return acct, nil
}

func (t *pgTx) UpdateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	return updateAccount(ctx, t.tx, acct)
}

func (t *pgTx) ResetDailyCounts(ctx context.Context) (int64, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE ledger_accounts
		SET daily_transaction_count = 0, updated_at = $1
		WHERE daily_transaction_count <> 0
	`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (t *pgTx) GetResetTracker(ctx context.Context) (reset.Tracker, bool, error) {
	var tracker reset.Tracker
	err := t.tx.GetContext(ctx, &tracker, `SELECT last_reset FROM ledger_reset_tracker WHERE id = 1 FOR UPDATE`)
	if errors.Is(err, sql.ErrNoRows) {
		return reset.Tracker{}, false, nil
	}
	if err != nil {
		return reset.Tracker{}, false, err
	}
	return tracker, true, nil
}

func (t *pgTx) SaveResetTracker(ctx context.Context, tracker reset.Tracker) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_reset_tracker (id, last_reset)
		VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET last_reset = EXCLUDED.last_reset
	`, tracker.LastReset.UTC())
	return err
}

func (t *pgTx) DeleteSecretCodes(ctx context.Context, institutionID string) (int64, error) {
	// Lock the owning row so two rotations of one institution serialize.
	var id string
	if err := t.tx.GetContext(ctx, &id, `SELECT id FROM ledger_institutions WHERE id = $1 FOR UPDATE`, institutionID); err != nil {
		return 0, translate(err, "institution "+institutionID)
	}
	result, err := t.tx.ExecContext(ctx, `DELETE FROM ledger_secret_codes WHERE institution_id = $1`, institutionID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (t *pgTx) InsertSecretCodes(ctx context.Context, codes []institution.SecretCode) error {
	for i := range codes {
		if codes[i].ID == "" {
			codes[i].ID = uuid.NewString()
		}
	}
	if len(codes) == 0 {
		return nil
	}
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO ledger_secret_codes (id, institution_id, value, generated_at)
		VALUES (:id, :institution_id, :value, :generated_at)
	`, codes)
	return translate(err, "secret codes")
}

// --- helpers ----------------------------------------------------------------

func updateAccount(ctx context.Context, exec sqlx.ExtContext, acct account.Account) (account.Account, error) {
	acct.UpdatedAt = time.Now().UTC()

	row := exec.QueryRowxContext(ctx, `
		UPDATE ledger_accounts
		SET first_name = $2, last_name = $3, account_number = $4, institution_code = $5,
			password_hash = $6, pin_hash = $7, balance = $8, daily_transaction_count = $9,
			last_transaction_date = $10, high_risk_aborted_count = $11,
			last_transaction_risk_value = $12, updated_at = $13
		WHERE id = $1
		RETURNING created_at
	`, acct.ID, acct.FirstName, acct.LastName, acct.AccountNumber, acct.InstitutionCode,
		acct.PasswordHash, acct.PINHash, acct.Balance, acct.DailyTransactionCount,
		acct.LastTransactionDate, acct.HighRiskAbortedCount, acct.LastTransactionRiskValue,
		acct.UpdatedAt)
	if err := row.Scan(&acct.CreatedAt); err != nil {
		return account.Account{}, translate(err, "account "+acct.ID)
	}
	return acct, nil
}

const (
	uniqueViolation = "23505"
	// numeric overflow, invalid text representation and friends
	dataException = "22"
)

func translate(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == uniqueViolation:
			return fmt.Errorf("%s: %w", what, storage.ErrConflict)
		case pqErr.Code.Class() == dataException:
			return fmt.Errorf("%s: %v: %w", what, pqErr.Message, storage.ErrInvalid)
		}
	}
	return err
}
