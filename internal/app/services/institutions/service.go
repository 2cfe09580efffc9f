package institutions

import (
	"context"
	"errors"
	"strings"

	"github.com/R3E-Network/riskledger/internal/app/domain/institution"
	"github.com/R3E-Network/riskledger/internal/app/services/rotation"
	"github.com/R3E-Network/riskledger/internal/app/storage"
	svcerrors "github.com/R3E-Network/riskledger/internal/errors"
	"github.com/R3E-Network/riskledger/pkg/logger"
)

// Seed describes an institution created on first start.
type Seed struct {
	Code string `yaml:"code" json:"code"`
	Name string `yaml:"name" json:"name"`
}

// DefaultSeeds are the institutions a fresh deployment starts with.
var DefaultSeeds = []Seed{
	{Code: "TG12345", Name: "Top Giro Bank"},
	{Code: "SR67890", Name: "Sparkasse Rosenheim"},
	{Code: "KC54321", Name: "K-Classic Bank"},
	{Code: "VR98765", Name: "VR Bank Rosenheim-Chiemsee"},
	{Code: "TH11223", Name: "TH Rosenheimbank"},
}

// Service exposes institutions and their current code pools.
type Service struct {
	store   storage.InstitutionStore
	rotator *rotation.Service
	log     *logger.Logger
}

// New constructs an institution service. rotator fills the initial pools of
// seeded institutions and serves on-demand rotation.
func New(store storage.InstitutionStore, rotator *rotation.Service, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("institutions")
	}
	return &Service{store: store, rotator: rotator, log: log}
}

// Seed creates seeds when no institution exists yet and gives each a full
// pool. It returns the number of institutions created.
func (s *Service) Seed(ctx context.Context, seeds []Seed) (int, error) {
	existing, err := s.store.ListInstitutions(ctx)
	if err != nil {
		return 0, svcerrors.Unavailable("list institutions", err)
	}
	if len(existing) > 0 {
		return 0, nil
	}

	created := 0
	for _, seed := range seeds {
		inst, err := s.store.CreateInstitution(ctx, institution.Institution{
			Code: strings.TrimSpace(seed.Code),
			Name: strings.TrimSpace(seed.Name),
		})
		if errors.Is(err, storage.ErrConflict) {
			// another process seeded concurrently
			continue
		}
		if err != nil {
			return created, svcerrors.Unavailable("create institution "+seed.Code, err)
		}
		created++
		if _, err := s.rotator.RotateInstitution(ctx, inst); err != nil {
			return created, svcerrors.Unavailable("initial code pool for "+seed.Code, err)
		}
	}
	s.log.WithField("count", created).Info("institutions seeded")
	return created, nil
}

// ListWithCodes returns every institution with its current pool.
func (s *Service) ListWithCodes(ctx context.Context) ([]institution.WithCodes, error) {
	insts, err := s.store.ListInstitutions(ctx)
	if err != nil {
		return nil, svcerrors.Unavailable("list institutions", err)
	}
	out := make([]institution.WithCodes, 0, len(insts))
	for _, inst := range insts {
		codes, err := s.store.ListSecretCodes(ctx, inst.ID)
		if err != nil {
			return nil, svcerrors.Unavailable("list secret codes", err)
		}
		out = append(out, institution.WithCodes{Institution: inst, Secrets: codes})
	}
	return out, nil
}

// Get returns one institution with its pool.
func (s *Service) Get(ctx context.Context, id string) (institution.WithCodes, error) {
	inst, err := s.store.GetInstitution(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return institution.WithCodes{}, svcerrors.NotFound("institution", id)
	}
	if err != nil {
		return institution.WithCodes{}, svcerrors.Unavailable("get institution", err)
	}
	codes, err := s.store.ListSecretCodes(ctx, id)
	if err != nil {
		return institution.WithCodes{}, svcerrors.Unavailable("list secret codes", err)
	}
	return institution.WithCodes{Institution: inst, Secrets: codes}, nil
}

// Rotate replaces one institution's pool immediately.
func (s *Service) Rotate(ctx context.Context, id string) (institution.WithCodes, error) {
	inst, err := s.store.GetInstitution(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return institution.WithCodes{}, svcerrors.NotFound("institution", id)
	}
	if err != nil {
		return institution.WithCodes{}, svcerrors.Unavailable("get institution", err)
	}
	codes, err := s.rotator.RotateInstitution(ctx, inst)
	if err != nil {
		return institution.WithCodes{}, svcerrors.Unavailable("rotate institution", err)
	}
	s.log.WithField("institution_id", id).Info("institution rotated on demand")
	return institution.WithCodes{Institution: inst, Secrets: codes}, nil
}
