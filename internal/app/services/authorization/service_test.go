package authorization

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/riskledger/internal/app/domain/account"
	domain "github.com/R3E-Network/riskledger/internal/app/domain/authorization"
	"github.com/R3E-Network/riskledger/internal/app/storage"
	"github.com/R3E-Network/riskledger/internal/app/storage/memory"
	svcerrors "github.com/R3E-Network/riskledger/internal/errors"
	"github.com/R3E-Network/riskledger/pkg/logger"
)

func newService(t *testing.T, seed account.Account) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	if _, err := store.CreateAccount(context.Background(), seed); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	svc := New(store, DefaultPolicy(), logger.NewNop())
	svc.WithClock(func() time.Time { return evalNow })
	return svc, store
}

func TestAuthorizeApprovalSideEffects(t *testing.T) {
	svc, store := newService(t, acct(100, 0, "", 0, 0))
	ctx := context.Background()

	out, err := svc.Authorize(ctx, "S1", decimal.RequireFromString("12.50"))
	require.NoError(t, err)
	assert.True(t, out.Decision.Approved)
	assert.Equal(t, 1, out.Account.DailyTransactionCount)
	assert.Equal(t, "2024-03-15", out.Account.LastTransactionDate)
	assert.True(t, out.Account.Balance.Equal(decimal.RequireFromString("87.50")))

	stored, err := store.GetAccount(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, out.Account.DailyTransactionCount, stored.DailyTransactionCount)
	assert.True(t, stored.Balance.Equal(out.Account.Balance))
}

func TestAuthorizeRoundTripReachesDailyLimit(t *testing.T) {
	svc, _ := newService(t, acct(100, 0, "", 0, 0))
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		out, err := svc.Authorize(ctx, "S1", decimal.NewFromInt(1))
		require.NoError(t, err)
		require.Equal(t, domain.ReasonAuthorizedUnderDailyLimit, out.Decision.Reason, "call %d", i)
	}
	// the sixth call sees count=5 and today's date from the previous commits
	out, err := svc.Authorize(ctx, "S1", decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonAuthorizedDespiteDailyLimit, out.Decision.Reason)
	assert.Equal(t, 6, out.Account.DailyTransactionCount)
}

func TestAuthorizeRiskRejectionCountsAbort(t *testing.T) {
	svc, store := newService(t, acct(100, 5, "2024-03-15", 1, 90))
	ctx := context.Background()

	out, err := svc.Authorize(ctx, "S1", decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.False(t, out.Decision.Approved)
	assert.Equal(t, domain.ReasonRiskTooHigh, out.Decision.Reason)

	stored, _ := store.GetAccount(ctx, "S1")
	assert.Equal(t, 2, stored.HighRiskAbortedCount)
	assert.Equal(t, 5, stored.DailyTransactionCount)
	assert.True(t, stored.Balance.Equal(decimal.NewFromInt(100)))
}

func TestAuthorizeInsufficientFundsWritesNothing(t *testing.T) {
	svc, store := newService(t, acct(1, 5, "2024-03-15", 1, 90))
	ctx := context.Background()
	before, _ := store.GetAccount(ctx, "S1")

	out, err := svc.Authorize(ctx, "S1", decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonInsufficientFunds, out.Decision.Reason)

	after, _ := store.GetAccount(ctx, "S1")
	assert.Equal(t, before, after)
}

func TestAuthorizeCommitFailureIsRetryable(t *testing.T) {
	svc, store := newService(t, acct(100, 0, "", 0, 0))
	ctx := context.Background()
	store.OnCommit(func() error { return errors.New("connection reset") })

	_, err := svc.Authorize(ctx, "S1", decimal.NewFromInt(10))
	require.Error(t, err)
	assert.True(t, svcerrors.IsRetryable(err))
	assert.Equal(t, 503, svcerrors.HTTPStatus(err))

	store.OnCommit(nil)
	stored, _ := store.GetAccount(ctx, "S1")
	assert.Equal(t, 0, stored.DailyTransactionCount)
	assert.True(t, stored.Balance.Equal(decimal.NewFromInt(100)))
}

func TestAuthorizeValidation(t *testing.T) {
	svc, _ := newService(t, acct(100, 0, "", 0, 0))
	ctx := context.Background()

	_, err := svc.Authorize(ctx, "S1", decimal.NewFromInt(-1))
	assert.Equal(t, 400, svcerrors.HTTPStatus(err))

	_, err = svc.Authorize(ctx, "missing", decimal.NewFromInt(1))
	assert.Equal(t, 404, svcerrors.HTTPStatus(err))
	assert.False(t, svcerrors.IsRetryable(err))
}

func TestAuthorizeRejectsUnstorableAmounts(t *testing.T) {
	svc, store := newService(t, acct(100, 0, "", 0, 0))
	ctx := context.Background()

	for _, raw := range []string{"0.00001", "1e20"} {
		_, err := svc.Authorize(ctx, "S1", decimal.RequireFromString(raw))
		require.Error(t, err, raw)
		assert.Equal(t, 400, svcerrors.HTTPStatus(err), raw)
		assert.False(t, svcerrors.IsRetryable(err), raw)
	}

	stored, _ := store.GetAccount(ctx, "S1")
	assert.Equal(t, 0, stored.DailyTransactionCount)
	assert.True(t, stored.Balance.Equal(decimal.NewFromInt(100)))

	out, err := svc.Authorize(ctx, "S1", decimal.RequireFromString("0.0001"))
	require.NoError(t, err)
	assert.True(t, out.Decision.Approved)
}

func TestAuthorizeStoreRejectedValueIsNotRetryable(t *testing.T) {
	svc, store := newService(t, acct(100, 0, "", 0, 0))
	ctx := context.Background()
	store.OnCommit(func() error {
		return fmt.Errorf("account S1: numeric field overflow: %w", storage.ErrInvalid)
	})
	defer store.OnCommit(nil)

	_, err := svc.Authorize(ctx, "S1", decimal.NewFromInt(10))
	require.Error(t, err)
	assert.Equal(t, 400, svcerrors.HTTPStatus(err))
	assert.False(t, svcerrors.IsRetryable(err))
}
