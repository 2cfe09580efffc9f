package accounts

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/R3E-Network/riskledger/internal/app/domain/account"
	"github.com/R3E-Network/riskledger/internal/app/storage"
	svcerrors "github.com/R3E-Network/riskledger/internal/errors"
	"github.com/R3E-Network/riskledger/pkg/logger"
)

// Store is the persistence the account service needs.
type Store interface {
	storage.AccountStore
	storage.UnitOfWork
}

// Registration carries the fields required to open an account.
type Registration struct {
	ID              string `json:"id"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	AccountNumber   string `json:"account_number"`
	InstitutionCode string `json:"institution_code"`
	Password        string `json:"password"`
}

// ProfileUpdate lists the optional profile fields; nil means unchanged.
type ProfileUpdate struct {
	FirstName       *string `json:"first_name"`
	LastName        *string `json:"last_name"`
	AccountNumber   *string `json:"account_number"`
	InstitutionCode *string `json:"institution_code"`
	Password        *string `json:"password"`
}

// RiskParams lists the optional risk counters an operator may overwrite.
type RiskParams struct {
	DailyTransactionCount    *int     `json:"daily_transaction_count"`
	LastTransactionDate      *string  `json:"last_transaction_date"`
	HighRiskAbortedCount     *int     `json:"high_risk_aborted_count"`
	LastTransactionRiskValue *float64 `json:"last_transaction_risk_value"`
}

// Service manages account records outside the authorization path.
type Service struct {
	store Store
	log   *logger.Logger
	cost  int
}

// New constructs an account service.
func New(store Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("accounts")
	}
	return &Service{store: store, log: log, cost: bcrypt.DefaultCost}
}

// WithHashCost sets the bcrypt cost. Tests use bcrypt.MinCost.
func (s *Service) WithHashCost(cost int) *Service {
	if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
		s.cost = cost
	}
	return s
}

// Register opens an account with a zero balance and zeroed counters.
func (s *Service) Register(ctx context.Context, reg Registration) (account.Account, error) {
	reg.ID = strings.TrimSpace(reg.ID)
	reg.AccountNumber = strings.TrimSpace(reg.AccountNumber)
	var missing []string
	for name, value := range map[string]string{
		"id":             reg.ID,
		"first_name":     reg.FirstName,
		"last_name":      reg.LastName,
		"account_number": reg.AccountNumber,
		"password":       reg.Password,
	} {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return account.Account{}, svcerrors.BadRequest("missing required fields").WithDetails("fields", missing)
	}

	hash, err := s.hash(reg.Password)
	if err != nil {
		return account.Account{}, err
	}

	acct, err := s.store.CreateAccount(ctx, account.Account{
		ID:              reg.ID,
		FirstName:       strings.TrimSpace(reg.FirstName),
		LastName:        strings.TrimSpace(reg.LastName),
		AccountNumber:   reg.AccountNumber,
		InstitutionCode: strings.TrimSpace(reg.InstitutionCode),
		PasswordHash:    hash,
		Balance:         decimal.Zero,
	})
	if err != nil {
		return account.Account{}, mapStoreError(err, reg.ID)
	}
	s.log.WithField("account_id", acct.ID).Info("account registered")
	return acct, nil
}

// Get returns one account.
func (s *Service) Get(ctx context.Context, id string) (account.Account, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return account.Account{}, mapStoreError(err, id)
	}
	return acct, nil
}

// List returns all accounts ordered by creation time.
func (s *Service) List(ctx context.Context) ([]account.Account, error) {
	accts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, svcerrors.Unavailable("list accounts", err)
	}
	return accts, nil
}

// UpdateProfile applies the non-nil fields of upd.
func (s *Service) UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) (account.Account, error) {
	var hash string
	if upd.Password != nil {
		if *upd.Password == "" {
			return account.Account{}, svcerrors.BadRequest("password must not be empty")
		}
		var err error
		if hash, err = s.hash(*upd.Password); err != nil {
			return account.Account{}, err
		}
	}
	return s.mutate(ctx, id, func(acct *account.Account) error {
		if upd.FirstName != nil {
			acct.FirstName = strings.TrimSpace(*upd.FirstName)
		}
		if upd.LastName != nil {
			acct.LastName = strings.TrimSpace(*upd.LastName)
		}
		if upd.AccountNumber != nil {
			number := strings.TrimSpace(*upd.AccountNumber)
			if number == "" {
				return svcerrors.BadRequest("account_number must not be empty")
			}
			acct.AccountNumber = number
		}
		if upd.InstitutionCode != nil {
			acct.InstitutionCode = strings.TrimSpace(*upd.InstitutionCode)
		}
		if hash != "" {
			acct.PasswordHash = hash
		}
		return nil
	})
}

// UpdatePIN sets the account's secure PIN. PINs are 4 to 6 digits.
func (s *Service) UpdatePIN(ctx context.Context, id, pin string) (account.Account, error) {
	if !validPIN(pin) {
		return account.Account{}, svcerrors.BadRequest("pin must be 4 to 6 digits")
	}
	hash, err := s.hash(pin)
	if err != nil {
		return account.Account{}, err
	}
	acct, err := s.mutate(ctx, id, func(acct *account.Account) error {
		acct.PINHash = hash
		return nil
	})
	if err == nil {
		s.log.LogSecurityEvent(ctx, "pin_updated", map[string]interface{}{"account_id": id})
	}
	return acct, err
}

// Credit increases the balance by amount, which must be positive.
func (s *Service) Credit(ctx context.Context, id string, amount decimal.Decimal) (account.Account, error) {
	if !amount.IsPositive() {
		return account.Account{}, svcerrors.BadRequest("amount must be positive")
	}
	if err := account.ValidateAmount(amount); err != nil {
		return account.Account{}, svcerrors.BadRequest(err.Error())
	}
	return s.mutate(ctx, id, func(acct *account.Account) error {
		balance := acct.Balance.Add(amount)
		if err := account.ValidateAmount(balance); err != nil {
			return svcerrors.BadRequest("resulting balance " + err.Error())
		}
		acct.Balance = balance
		return nil
	})
}

// UpdateRiskParams overwrites the supplied risk counters.
func (s *Service) UpdateRiskParams(ctx context.Context, id string, params RiskParams) (account.Account, error) {
	if v := params.DailyTransactionCount; v != nil && *v < 0 {
		return account.Account{}, svcerrors.BadRequest("daily_transaction_count must not be negative")
	}
	if v := params.HighRiskAbortedCount; v != nil && *v < 0 {
		return account.Account{}, svcerrors.BadRequest("high_risk_aborted_count must not be negative")
	}
	if v := params.LastTransactionRiskValue; v != nil && (math.IsNaN(*v) || *v < 0 || *v > 100) {
		return account.Account{}, svcerrors.BadRequest("last_transaction_risk_value must be between 0 and 100")
	}
	date := ""
	if v := params.LastTransactionDate; v != nil && strings.TrimSpace(*v) != "" {
		parsed, err := account.ParseTransactionDate(strings.TrimSpace(*v))
		if err != nil {
			return account.Account{}, svcerrors.BadRequest("last_transaction_date must be an ISO 8601 date")
		}
		date = account.FormatTransactionDate(parsed)
	}

	acct, err := s.mutate(ctx, id, func(acct *account.Account) error {
		if v := params.DailyTransactionCount; v != nil {
			acct.DailyTransactionCount = *v
		}
		if params.LastTransactionDate != nil {
			acct.LastTransactionDate = date
		}
		if v := params.HighRiskAbortedCount; v != nil {
			acct.HighRiskAbortedCount = *v
		}
		if v := params.LastTransactionRiskValue; v != nil {
			acct.LastTransactionRiskValue = *v
		}
		return nil
	})
	if err == nil {
		s.log.LogSecurityEvent(ctx, "risk_params_updated", map[string]interface{}{"account_id": id})
	}
	return acct, err
}

// VerifyPassword reports whether password matches the stored hash.
func (s *Service) VerifyPassword(ctx context.Context, id, password string) (bool, error) {
	acct, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	err = bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, svcerrors.Internal("compare password", err)
	}
	return true, nil
}

func (s *Service) mutate(ctx context.Context, id string, apply func(*account.Account) error) (account.Account, error) {
	var out account.Account
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		acct, err := tx.GetAccountForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := apply(&acct); err != nil {
			return err
		}
		out, err = tx.UpdateAccount(ctx, acct)
		return err
	})
	if err != nil {
		return account.Account{}, mapStoreError(err, id)
	}
	return out, nil
}

func (s *Service) hash(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return "", svcerrors.BadRequest(fmt.Sprintf("cannot hash secret: %v", err))
	}
	return string(b), nil
}

func validPIN(pin string) bool {
	if len(pin) < 4 || len(pin) > 6 {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func mapStoreError(err error, id string) error {
	if se := svcerrors.GetServiceError(err); se != nil {
		return se
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return svcerrors.NotFound("account", id)
	case errors.Is(err, storage.ErrConflict):
		return svcerrors.Conflict("account id or account number already exists")
	case errors.Is(err, storage.ErrInvalid):
		return svcerrors.BadRequest(err.Error())
	default:
		return svcerrors.Unavailable("account store", err)
	}
}
