package authorization

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/riskledger/internal/app/domain/account"
	domain "github.com/R3E-Network/riskledger/internal/app/domain/authorization"
	"github.com/R3E-Network/riskledger/internal/app/metrics"
	"github.com/R3E-Network/riskledger/internal/app/storage"
	svcerrors "github.com/R3E-Network/riskledger/internal/errors"
	"github.com/R3E-Network/riskledger/pkg/logger"
)

// Outcome is a committed decision together with the account as it stands
// after the decision's side effects.
type Outcome struct {
	Decision domain.Decision `json:"decision"`
	Account  account.Account `json:"account"`
}

// Service runs authorizations against stored accounts and commits their side
// effects.
type Service struct {
	uow    storage.UnitOfWork
	engine *Engine
	log    *logger.Logger
	now    func() time.Time
}

// New constructs an authorization service.
func New(uow storage.UnitOfWork, policy Policy, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("authorization")
	}
	return &Service{
		uow:    uow,
		engine: NewEngine(policy),
		log:    log,
		now:    time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (s *Service) WithClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Engine exposes the underlying decision engine.
func (s *Service) Engine() *Engine { return s.engine }

// Authorize evaluates a debit of amount against the account and, in the same
// unit of work, applies its side effects:
//
//	approved        count+1, last date = today, balance - amount
//	risk rejection  aborted count+1
//	other rejection nothing
//
// Rejections are returned as a normal Outcome. A failure to persist is
// returned as a retryable error and none of the side effects apply.
func (s *Service) Authorize(ctx context.Context, accountID string, amount decimal.Decimal) (Outcome, error) {
	if accountID == "" {
		return Outcome{}, svcerrors.BadRequest("account id is required")
	}
	if amount.IsNegative() {
		return Outcome{}, svcerrors.BadRequest("amount must not be negative")
	}
	if err := account.ValidateAmount(amount); err != nil {
		return Outcome{}, svcerrors.BadRequest(err.Error())
	}

	now := s.now()
	var out Outcome
	err := s.uow.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		acct, err := tx.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}

		decision := s.engine.Evaluate(acct, amount, now)
		switch {
		case decision.Approved:
			acct.DailyTransactionCount++
			acct.LastTransactionDate = account.FormatTransactionDate(now)
			acct.Balance = acct.Balance.Sub(amount)
		case decision.Reason.IsRiskRejection():
			acct.HighRiskAbortedCount++
		default:
			out = Outcome{Decision: decision, Account: acct}
			return nil
		}

		updated, err := tx.UpdateAccount(ctx, acct)
		if err != nil {
			return fmt.Errorf("apply decision: %w", err)
		}
		out = Outcome{Decision: decision, Account: updated}
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Outcome{}, svcerrors.NotFound("account", accountID)
		}
		if errors.Is(err, storage.ErrInvalid) {
			return Outcome{}, svcerrors.BadRequest(err.Error())
		}
		metrics.RecordCommitFailure()
		s.log.WithError(err).
			WithField("account_id", accountID).
			Warn("authorization not applied")
		return Outcome{}, svcerrors.Unavailable("authorization could not be recorded; retry", err)
	}

	metrics.RecordDecision(string(out.Decision.Reason), out.Decision.Approved)
	s.log.WithField("account_id", accountID).
		WithField("approved", out.Decision.Approved).
		WithField("reason", out.Decision.Reason).
		WithField("rule", out.Decision.Rule).
		Info("authorization decided")
	return out, nil
}
