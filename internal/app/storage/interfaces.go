package storage

import (
	"context"
	"errors"

	"github.com/R3E-Network/riskledger/internal/app/domain/account"
	"github.com/R3E-Network/riskledger/internal/app/domain/institution"
	"github.com/R3E-Network/riskledger/internal/app/domain/reset"
)

var (
	// ErrNotFound is returned when a lookup matches no record.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a create violates a uniqueness constraint.
	ErrConflict = errors.New("record already exists")
	// ErrInvalid is returned when a value is rejected by a column's type or
	// range.
	ErrInvalid = errors.New("value rejected by store")
)

// AccountStore persists account records.
type AccountStore interface {
	CreateAccount(ctx context.Context, acct account.Account) (account.Account, error)
	UpdateAccount(ctx context.Context, acct account.Account) (account.Account, error)
	GetAccount(ctx context.Context, id string) (account.Account, error)
	ListAccounts(ctx context.Context) ([]account.Account, error)
}

// InstitutionStore persists institutions and reads their secret code pools.
type InstitutionStore interface {
	CreateInstitution(ctx context.Context, inst institution.Institution) (institution.Institution, error)
	GetInstitution(ctx context.Context, id string) (institution.Institution, error)
	ListInstitutions(ctx context.Context) ([]institution.Institution, error)
	ListSecretCodes(ctx context.Context, institutionID string) ([]institution.SecretCode, error)
}

// Tx is the set of mutations that must commit together. A Tx is only valid
// inside the callback passed to UnitOfWork.WithinTx.
type Tx interface {
	// GetAccountForUpdate reads an account and holds it against concurrent
	// writers until the transaction ends.
	GetAccountForUpdate(ctx context.Context, id string) (account.Account, error)
	UpdateAccount(ctx context.Context, acct account.Account) (account.Account, error)

	// ResetDailyCounts zeroes every account's daily transaction count and
	// reports how many rows changed.
	ResetDailyCounts(ctx context.Context) (int64, error)
	// GetResetTracker returns the singleton tracker; ok is false when it has
	// never been written.
	GetResetTracker(ctx context.Context) (tracker reset.Tracker, ok bool, err error)
	SaveResetTracker(ctx context.Context, tracker reset.Tracker) error

	DeleteSecretCodes(ctx context.Context, institutionID string) (int64, error)
	InsertSecretCodes(ctx context.Context, codes []institution.SecretCode) error
}

// UnitOfWork runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise. A failed commit is returned as an
// error and nothing fn did is visible afterwards.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Store is the full persistence surface used by the application.
type Store interface {
	AccountStore
	InstitutionStore
	UnitOfWork
}
