package rotation

import (
	"context"
	"fmt"
	"time"

	"github.com/R3E-Network/riskledger/internal/app/domain/institution"
	"github.com/R3E-Network/riskledger/internal/app/metrics"
	"github.com/R3E-Network/riskledger/internal/app/storage"
	"github.com/R3E-Network/riskledger/pkg/logger"
)

// Store is the persistence the rotation service needs.
type Store interface {
	storage.InstitutionStore
	storage.UnitOfWork
}

// Failure records one institution that could not be rotated.
type Failure struct {
	InstitutionID string `json:"institution_id"`
	Code          string `json:"code"`
	Error         string `json:"error"`
}

// Report summarizes a rotation pass.
type Report struct {
	Rotated  []string      `json:"rotated"`
	Failed   []Failure     `json:"failed,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// Service replaces institutions' secret code pools.
type Service struct {
	store     Store
	generator Generator
	log       *logger.Logger
	now       func() time.Time
}

// New constructs a rotation service that draws codes from crypto/rand.
func New(store Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("rotation")
	}
	return &Service{store: store, generator: RandomGenerator{}, log: log, now: time.Now}
}

// WithGenerator replaces the code source.
func (s *Service) WithGenerator(g Generator) *Service {
	if g != nil {
		s.generator = g
	}
	return s
}

// WithClock replaces the time source used to stamp codes.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// RotateInstitution atomically replaces the pool of inst with PoolSize fresh
// codes. On error the previous pool is left intact.
func (s *Service) RotateInstitution(ctx context.Context, inst institution.Institution) ([]institution.SecretCode, error) {
	stamp := s.now().UTC()
	codes, err := s.freshPool(inst.ID, stamp)
	if err != nil {
		return nil, err
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.DeleteSecretCodes(ctx, inst.ID); err != nil {
			return fmt.Errorf("delete codes: %w", err)
		}
		if err := tx.InsertSecretCodes(ctx, codes); err != nil {
			return fmt.Errorf("insert codes: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rotate institution %s: %w", inst.Code, err)
	}
	return codes, nil
}

// RotateAll rotates every institution, each in its own transaction. A failing
// institution is logged and reported without stopping the others. The error
// is non-nil only when the institutions cannot be listed.
func (s *Service) RotateAll(ctx context.Context) (Report, error) {
	report := Report{Started: s.now().UTC()}
	start := time.Now()

	insts, err := s.store.ListInstitutions(ctx)
	if err != nil {
		return report, fmt.Errorf("list institutions: %w", err)
	}

	for _, inst := range insts {
		if ctx.Err() != nil {
			report.Failed = append(report.Failed, Failure{InstitutionID: inst.ID, Code: inst.Code, Error: ctx.Err().Error()})
			continue
		}
		if _, err := s.RotateInstitution(ctx, inst); err != nil {
			s.log.WithError(err).
				WithField("institution_id", inst.ID).
				WithField("institution_code", inst.Code).
				Error("secret code rotation failed")
			report.Failed = append(report.Failed, Failure{InstitutionID: inst.ID, Code: inst.Code, Error: err.Error()})
			continue
		}
		report.Rotated = append(report.Rotated, inst.ID)
	}

	report.Duration = time.Since(start)
	metrics.RecordRotation(len(report.Rotated), len(report.Failed), report.Duration)
	s.log.WithField("rotated", len(report.Rotated)).
		WithField("failed", len(report.Failed)).
		Info("secret code rotation finished")
	return report, nil
}

func (s *Service) freshPool(institutionID string, stamp time.Time) ([]institution.SecretCode, error) {
	seen := make(map[string]struct{}, institution.PoolSize)
	codes := make([]institution.SecretCode, 0, institution.PoolSize)
	for attempts := 0; len(codes) < institution.PoolSize; attempts++ {
		if attempts >= institution.PoolSize*8 {
			return nil, fmt.Errorf("generator produced too many duplicate codes")
		}
		value, err := s.generator.Generate()
		if err != nil {
			return nil, fmt.Errorf("generate code: %w", err)
		}
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		codes = append(codes, institution.SecretCode{
			InstitutionID: institutionID,
			Value:         value,
			GeneratedAt:   stamp,
		})
	}
	return codes, nil
}
