package app

import (
	"context"
	"fmt"
	"time"

	"github.com/R3E-Network/riskledger/internal/app/services/accounts"
	"github.com/R3E-Network/riskledger/internal/app/services/authorization"
	"github.com/R3E-Network/riskledger/internal/app/services/counters"
	"github.com/R3E-Network/riskledger/internal/app/services/institutions"
	"github.com/R3E-Network/riskledger/internal/app/services/rotation"
	"github.com/R3E-Network/riskledger/internal/app/storage"
	"github.com/R3E-Network/riskledger/internal/app/storage/memory"
	"github.com/R3E-Network/riskledger/internal/app/system"
	"github.com/R3E-Network/riskledger/internal/config"
	"github.com/R3E-Network/riskledger/internal/platform/locking"
	"github.com/R3E-Network/riskledger/pkg/logger"
)

// Stores encapsulates persistence dependencies. A nil store defaults to the
// in-memory implementation.
type Stores struct {
	Ledger storage.Store
}

// Options tunes the services and background runners.
type Options struct {
	Policy authorization.Policy

	// Locker coordinates the background runners across processes. Nil means
	// an in-process lock.
	Locker locking.Locker

	RotationEnabled  bool
	RotationSchedule string
	RotationLockTTL  time.Duration
	RotationTimeout  time.Duration
	SeedInstitutions bool

	ResetEnabled  bool
	ResetSchedule string
	ResetWindow   time.Duration
	ResetLockTTL  time.Duration
	ResetOnList   bool
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		Policy:           authorization.DefaultPolicy(),
		RotationEnabled:  true,
		RotationSchedule: "@every 3m",
		RotationTimeout:  30 * time.Second,
		SeedInstitutions: true,
		ResetEnabled:     true,
		ResetSchedule:    "@every 1h",
		ResetWindow:      counters.DefaultWindow,
		ResetLockTTL:     time.Minute,
		ResetOnList:      true,
	}
}

// OptionsFromConfig maps loaded configuration onto Options.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	stop, err := authorization.ParseRiskStop(cfg.Authorization.RiskPolicy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Policy: authorization.Policy{
			DailyLimit:      cfg.Authorization.DailyLimit,
			RiskThreshold:   cfg.Authorization.RiskThreshold,
			MaxAbortsPerDay: cfg.Authorization.MaxAbortsPerDay,
			RiskStop:        stop,
		},
		RotationEnabled:  cfg.Rotation.Enabled,
		RotationSchedule: cfg.Rotation.Schedule,
		RotationLockTTL:  cfg.Rotation.LockTTL,
		RotationTimeout:  cfg.Rotation.Timeout,
		SeedInstitutions: cfg.Rotation.SeedInstitutions,
		ResetEnabled:     cfg.Reset.Enabled,
		ResetSchedule:    cfg.Reset.Schedule,
		ResetWindow:      cfg.Reset.Window,
		ResetLockTTL:     cfg.Reset.LockTTL,
		ResetOnList:      cfg.Reset.OnList,
	}, nil
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger
	opts    Options

	Accounts      *accounts.Service
	Authorization *authorization.Service
	Counters      *counters.Service
	Rotation      *rotation.Service
	Institutions  *institutions.Service
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if stores.Ledger == nil {
		log.Warn("no ledger store configured; using in-memory store")
		stores.Ledger = memory.New()
	}
	if opts.Locker == nil {
		opts.Locker = locking.NewLocal()
	}

	acctService := accounts.New(stores.Ledger, log.Named("accounts"))
	authzService := authorization.New(stores.Ledger, opts.Policy, log.Named("authorization"))
	resetService := counters.New(stores.Ledger, log.Named("counters")).WithWindow(opts.ResetWindow)
	rotationService := rotation.New(stores.Ledger, log.Named("rotation"))
	instService := institutions.New(stores.Ledger, rotationService, log.Named("institutions"))

	manager := system.NewManager()
	for _, name := range []string{"accounts", "authorization", "institutions"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	var services []system.Service
	if opts.RotationEnabled {
		services = append(services, rotation.NewRunner(rotationService, opts.Locker, opts.RotationSchedule, log.Named("rotation-runner")).
			WithLockTTL(opts.RotationLockTTL).
			WithTimeout(opts.RotationTimeout))
	} else {
		log.Warn("secret code rotation disabled")
	}
	if opts.ResetEnabled {
		services = append(services, counters.NewRunner(resetService, opts.Locker, opts.ResetSchedule, log.Named("counters-runner")).
			WithLockTTL(opts.ResetLockTTL))
	}

	for _, svc := range services {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:       manager,
		log:           log,
		opts:          opts,
		Accounts:      acctService,
		Authorization: authzService,
		Counters:      resetService,
		Rotation:      rotationService,
		Institutions:  instService,
	}, nil
}

// ResetOnList reports whether listing accounts should first check for a due
// counter reset.
func (a *Application) ResetOnList() bool { return a.opts.ResetOnList }

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start seeds institutions when enabled and begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	if a.opts.SeedInstitutions {
		if _, err := a.Institutions.Seed(ctx, institutions.DefaultSeeds); err != nil {
			return fmt.Errorf("seed institutions: %w", err)
		}
	}
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
