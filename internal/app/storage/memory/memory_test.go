package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/riskledger/internal/app/domain/account"
	"github.com/R3E-Network/riskledger/internal/app/domain/institution"
	"github.com/R3E-Network/riskledger/internal/app/domain/reset"
	"github.com/R3E-Network/riskledger/internal/app/storage"
)

func TestAccountCRUD(t *testing.T) {
	ctx := context.Background()
	store := New()

	acct, err := store.CreateAccount(ctx, account.Account{ID: "S100", AccountNumber: "DE01", Balance: decimal.NewFromInt(10)})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if acct.CreatedAt.IsZero() {
		t.Fatalf("created_at not set")
	}

	if _, err := store.CreateAccount(ctx, account.Account{ID: "S100"}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}
	if _, err := store.CreateAccount(ctx, account.Account{ID: "S101", AccountNumber: "de01"}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict on duplicate account number, got %v", err)
	}

	acct.FirstName = "Ada"
	updated, err := store.UpdateAccount(ctx, acct)
	if err != nil {
		t.Fatalf("update account: %v", err)
	}
	if !updated.CreatedAt.Equal(acct.CreatedAt) {
		t.Fatalf("created_at must be preserved")
	}

	got, err := store.GetAccount(ctx, "S100")
	if err != nil || got.FirstName != "Ada" {
		t.Fatalf("get account: %v %+v", err, got)
	}
	if _, err := store.GetAccount(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := New()
	if _, err := store.CreateAccount(ctx, account.Account{ID: "A", DailyTransactionCount: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}

	boom := errors.New("boom")
	err := store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.ResetDailyCounts(ctx); err != nil {
			return err
		}
		if err := tx.SaveResetTracker(ctx, reset.Tracker{LastReset: time.Now()}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}

	acct, _ := store.GetAccount(ctx, "A")
	if acct.DailyTransactionCount != 3 {
		t.Fatalf("reset leaked out of rolled back tx: %d", acct.DailyTransactionCount)
	}
	err = store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, ok, err := tx.GetResetTracker(ctx)
		if ok {
			t.Fatalf("tracker leaked out of rolled back tx")
		}
		return err
	})
	if err != nil {
		t.Fatalf("read tracker: %v", err)
	}
}

func TestCommitHookAbortsCommit(t *testing.T) {
	ctx := context.Background()
	store := New()
	if _, err := store.CreateAccount(ctx, account.Account{ID: "A"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	store.OnCommit(func() error { return errors.New("connection lost") })

	err := store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		acct, err := tx.GetAccountForUpdate(ctx, "A")
		if err != nil {
			return err
		}
		acct.DailyTransactionCount = 9
		_, err = tx.UpdateAccount(ctx, acct)
		return err
	})
	if err == nil {
		t.Fatalf("expected commit failure")
	}
	acct, _ := store.GetAccount(ctx, "A")
	if acct.DailyTransactionCount != 0 {
		t.Fatalf("failed commit must not apply writes")
	}
}

func TestSecretCodeReplace(t *testing.T) {
	ctx := context.Background()
	store := New()
	inst, err := store.CreateInstitution(ctx, institution.Institution{Code: "TG12345", Name: "Top Giro Bank"})
	if err != nil {
		t.Fatalf("create institution: %v", err)
	}
	if _, err := store.CreateInstitution(ctx, institution.Institution{Code: "tg12345"}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict on duplicate code, got %v", err)
	}

	replace := func(values ...string) {
		t.Helper()
		err := store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			if _, err := tx.DeleteSecretCodes(ctx, inst.ID); err != nil {
				return err
			}
			codes := make([]institution.SecretCode, 0, len(values))
			for _, v := range values {
				codes = append(codes, institution.SecretCode{InstitutionID: inst.ID, Value: v, GeneratedAt: time.Now()})
			}
			return tx.InsertSecretCodes(ctx, codes)
		})
		if err != nil {
			t.Fatalf("replace codes: %v", err)
		}
	}

	replace("AAAAAA", "BBBBBB")
	replace("CCCCCC")

	codes, err := store.ListSecretCodes(ctx, inst.ID)
	if err != nil {
		t.Fatalf("list codes: %v", err)
	}
	if len(codes) != 1 || codes[0].Value != "CCCCCC" || codes[0].ID == "" {
		t.Fatalf("unexpected pool: %+v", codes)
	}

	err = store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.DeleteSecretCodes(ctx, "unknown")
		return err
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found for unknown institution, got %v", err)
	}
}
