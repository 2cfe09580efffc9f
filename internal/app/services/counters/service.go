package counters

import (
	"context"
	"time"

	"github.com/R3E-Network/riskledger/internal/app/domain/reset"
	"github.com/R3E-Network/riskledger/internal/app/metrics"
	"github.com/R3E-Network/riskledger/internal/app/storage"
	svcerrors "github.com/R3E-Network/riskledger/internal/errors"
	"github.com/R3E-Network/riskledger/pkg/logger"
)

// DefaultWindow is the time that must pass between two resets.
const DefaultWindow = 24 * time.Hour

// Service zeroes every account's daily transaction count once per window.
// The window is a single global epoch anchored at the first check, not a
// per-account rolling day.
type Service struct {
	uow    storage.UnitOfWork
	log    *logger.Logger
	now    func() time.Time
	window time.Duration
}

// New constructs a reset service with the default window.
func New(uow storage.UnitOfWork, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("counters")
	}
	return &Service{uow: uow, log: log, now: time.Now, window: DefaultWindow}
}

// WithWindow overrides the reset window. Non-positive values are ignored.
func (s *Service) WithWindow(window time.Duration) *Service {
	if window > 0 {
		s.window = window
	}
	return s
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// MaybeReset zeroes all daily counts when the window has elapsed since the
// last reset and reports whether it did. The first call ever only records the
// current time. The tracker and the counts change in one transaction.
func (s *Service) MaybeReset(ctx context.Context) (bool, error) {
	now := s.now().UTC()
	outcome := "skipped"
	var zeroed int64

	err := s.uow.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		tracker, ok, err := tx.GetResetTracker(ctx)
		if err != nil {
			return err
		}
		if !ok {
			outcome = "initialized"
			return tx.SaveResetTracker(ctx, reset.Tracker{LastReset: now})
		}
		if !tracker.Due(now, s.window) {
			return nil
		}
		if zeroed, err = tx.ResetDailyCounts(ctx); err != nil {
			return err
		}
		outcome = "reset"
		return tx.SaveResetTracker(ctx, reset.Tracker{LastReset: now})
	})
	if err != nil {
		metrics.RecordResetCheck("error")
		s.log.WithError(err).Warn("daily counter reset failed")
		return false, svcerrors.Unavailable("daily counter reset failed", err)
	}

	metrics.RecordResetCheck(outcome)
	switch outcome {
	case "reset":
		s.log.WithField("accounts", zeroed).Info("daily transaction counters reset")
	case "initialized":
		s.log.Info("daily reset tracker initialized")
	}
	return outcome == "reset", nil
}
