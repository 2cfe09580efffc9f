package rotation

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/riskledger/internal/app/system"
	"github.com/R3E-Network/riskledger/internal/platform/locking"
	"github.com/R3E-Network/riskledger/internal/platform/schedule"
	"github.com/R3E-Network/riskledger/pkg/logger"
)

// LockKey names the lease taken by a rotation pass. A successful pass keeps
// it for one schedule period.
const LockKey = "rotation"

// fallbackLockTTL applies when the schedule period cannot be derived.
const fallbackLockTTL = 2 * time.Minute

var _ system.Service = (*Runner)(nil)

// Runner rotates all institutions on a cron schedule. Ticks never overlap in
// one process. The shared lock is held for just under one period after a
// successful pass, so a fleet of runners rotates once per period.
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

// NewRunner creates a lifecycle-managed rotation runner.
func NewRunner(service *Service, locker locking.Locker, spec string, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.NewDefault("rotation-runner")
	}
	if locker == nil {
		locker = locking.NewLocal()
	}
	if spec == "" {
		spec = "@every 3m"
	}
	return &Runner{
		service: service,
		locker:  locker,
		log:     log,
		spec:    spec,
		timeout: 30 * time.Second,
	}
}

// WithLockTTL overrides how long a successful pass holds the lease. It should
// exceed the tick timeout and stay below the schedule period. Zero derives it
// from the schedule.
func (r *Runner) WithLockTTL(ttl time.Duration) *Runner {
	if ttl > 0 {
		r.lockTTL = ttl
	}
	return r
}

// WithTimeout bounds each tick.
func (r *Runner) WithTimeout(timeout time.Duration) *Runner {
	if timeout > 0 {
		r.timeout = timeout
	}
	return r
}

func (r *Runner) Name() string { return "rotation-scheduler" }

func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scheduler != nil {
		return nil
	}

	s := schedule.New(r.log)
	if err := s.Add(r.spec, r.Name(), r.Job()); err != nil {
		return err
	}
	s.Start()
	r.scheduler = s
	r.log.WithField("schedule", r.spec).Info("secret code rotation scheduler started")
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
	r.log.Info("secret code rotation scheduler stopped")
	return nil
}

// Job returns the lock-guarded tick function registered with the scheduler.
func (r *Runner) Job() schedule.Job {
	return schedule.ExclusiveHold(r.locker, LockKey, r.LockTTL(), r.timeout, r.log, func(ctx context.Context) error {
		_, err := r.service.RotateAll(ctx)
		return err
	})
}

// LockTTL is the configured lease lifetime, or 95% of the schedule period.
func (r *Runner) LockTTL() time.Duration {
	if r.lockTTL > 0 {
		return r.lockTTL
	}
	period, err := schedule.Interval(r.spec, time.Now())
	if err != nil || period <= 0 {
		return fallbackLockTTL
	}
	return period - period/20
}
