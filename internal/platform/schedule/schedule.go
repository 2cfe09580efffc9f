// Package schedule runs named jobs on cron specs. Jobs never overlap with
// themselves and a panicking job is logged instead of killing the process.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/riskledger/internal/platform/locking"
	"github.com/R3E-Network/riskledger/pkg/logger"
)

// Job is invoked on every tick with a context cancelled when the scheduler
// stops.
type Job func(ctx context.Context)

// Scheduler wraps a cron instance.
type Scheduler struct {
	log  *logger.Logger
	cron *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// New creates a stopped scheduler.
func New(log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	cl := cronLogger{log: log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		log: log,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers job under spec. Standard five-field specs and descriptors such
// as "@every 3m" are accepted.
func (s *Scheduler) Add(spec, name string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		job(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	s.log.WithField("job", name).WithField("spec", spec).Debug("job scheduled")
	return nil
}

// Start begins firing jobs. It returns immediately.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
}

// Stop prevents new ticks, cancels the context of running jobs and waits for
// them to return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	done := s.cron.Stop()
	cancel()

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exclusive wraps fn so that each tick first takes key from locker and skips
// the tick when someone else holds it. Every run is bounded by timeout and
// the lease is released when fn returns.
func Exclusive(locker locking.Locker, key string, ttl, timeout time.Duration, log *logger.Logger, fn func(ctx context.Context) error) Job {
	return exclusive(locker, key, ttl, timeout, log, fn, false)
}

// ExclusiveHold is Exclusive for jobs that must run once per period across a
// fleet. A successful run keeps the lease until ttl expires, so ticks fired by
// other holders within the same period are skipped. A failed run releases the
// lease and the next tick on any holder retries.
func ExclusiveHold(locker locking.Locker, key string, ttl, timeout time.Duration, log *logger.Logger, fn func(ctx context.Context) error) Job {
	return exclusive(locker, key, ttl, timeout, log, fn, true)
}

func exclusive(locker locking.Locker, key string, ttl, timeout time.Duration, log *logger.Logger, fn func(ctx context.Context) error, hold bool) Job {
	return func(ctx context.Context) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		entry := log.WithField("job", key)

		lease, ok, err := locker.TryLock(ctx, key, ttl)
		if err != nil {
			entry.WithError(err).Warn("acquire job lock failed")
			return
		}
		if !ok {
			entry.Debug("job held elsewhere; skipping tick")
			return
		}

		succeeded := false
		defer func() {
			if hold && succeeded {
				entry.WithField("hold", ttl.String()).Debug("job lock held until expiry")
				return
			}
			if err := lease.Release(context.Background()); err != nil {
				entry.WithError(err).Warn("release job lock failed")
			}
		}()

		if err := fn(ctx); err != nil {
			entry.WithError(err).Warn("job run failed")
			return
		}
		succeeded = true
	}
}

// Interval reports the gap between the first two activations of spec after
// from. For "@every d" specs it is d.
func Interval(spec string, from time.Time) (time.Duration, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return 0, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	first := sched.Next(from)
	return sched.Next(first).Sub(first), nil
}

type cronLogger struct {
	log *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.WithFields(fields(keysAndValues)).Debug(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.WithFields(fields(keysAndValues)).WithError(err).Error(msg)
}

func fields(kv []interface{}) logrus.Fields {
	out := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		out[key] = kv[i+1]
	}
	return out
}
