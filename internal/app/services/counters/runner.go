package counters

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/riskledger/internal/app/system"
	"github.com/R3E-Network/riskledger/internal/platform/locking"
	"github.com/R3E-Network/riskledger/internal/platform/schedule"
	"github.com/R3E-Network/riskledger/pkg/logger"
)

// LockKey names the lease held while a reset check runs.
const LockKey = "counters-reset"

var _ system.Service = (*Runner)(nil)

// Runner checks for a due reset on a cron schedule.
type Runner struct {
	service *Service
	locker  locking.Locker
	log     *logger.Logger

	spec    string
	lockTTL time.Duration
	timeout time.Duration

	mu        sync.Mutex
	scheduler *schedule.Scheduler
}

// NewRunner creates a lifecycle-managed reset runner firing on spec.
func NewRunner(service *Service, locker locking.Locker, spec string, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.NewDefault("counters-runner")
	}
	if locker == nil {
		locker = locking.NewLocal()
	}
	if spec == "" {
		spec = "@every 1h"
	}
	return &Runner{
		service: service,
		locker:  locker,
		log:     log,
		spec:    spec,
		lockTTL: time.Minute,
		timeout: 30 * time.Second,
	}
}

// WithLockTTL sets how long a tick's lease lives if it is never released.
func (r *Runner) WithLockTTL(ttl time.Duration) *Runner {
	if ttl > 0 {
		r.lockTTL = ttl
	}
	return r
}

func (r *Runner) Name() string { return "counters-reset" }

func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scheduler != nil {
		return nil
	}

	s := schedule.New(r.log)
	job := schedule.Exclusive(r.locker, LockKey, r.lockTTL, r.timeout, r.log, r.Tick)
	if err := s.Add(r.spec, r.Name(), job); err != nil {
		return err
	}
	s.Start()
	r.scheduler = s
	r.log.WithField("schedule", r.spec).Info("daily counter reset runner started")
	return nil
}

func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	s := r.scheduler
	r.scheduler = nil
	r.mu.Unlock()
	if s == nil {
		return nil
	}
	if err := s.Stop(ctx); err != nil {
		return err
	}
	r.log.Info("daily counter reset runner stopped")
	return nil
}

// Tick runs one reset check.
func (r *Runner) Tick(ctx context.Context) error {
	_, err := r.service.MaybeReset(ctx)
	return err
}
