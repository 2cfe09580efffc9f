package rotation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/R3E-Network/riskledger/internal/app/domain/institution"
	"github.com/R3E-Network/riskledger/internal/app/storage"
	"github.com/R3E-Network/riskledger/internal/app/storage/memory"
	"github.com/R3E-Network/riskledger/internal/platform/locking"
	"github.com/R3E-Network/riskledger/pkg/logger"
)

func seedInstitutions(t *testing.T, store *memory.Store, codes ...string) []institution.Institution {
	t.Helper()
	out := make([]institution.Institution, 0, len(codes))
	for _, code := range codes {
		inst, err := store.CreateInstitution(context.Background(), institution.Institution{Code: code, Name: code + " Bank"})
		if err != nil {
			t.Fatalf("create institution: %v", err)
		}
		out = append(out, inst)
	}
	return out
}

func TestRandomGenerator(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		code, err := RandomGenerator{}.Generate()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(code) != institution.CodeLength {
			t.Fatalf("unexpected length %q", code)
		}
		for _, r := range code {
			if !strings.ContainsRune(institution.CodeAlphabet, r) {
				t.Fatalf("code %q has character outside alphabet", code)
			}
		}
		seen[code] = struct{}{}
	}
	if len(seen) < 190 {
		t.Fatalf("suspiciously few distinct codes: %d", len(seen))
	}
}

// sequenceGenerator yields distinct codes in order so pools from successive
// runs never share a value.
func sequenceGenerator() Generator {
	var n int
	return GeneratorFunc(func() (string, error) {
		n++
		v := n
		code := make([]byte, institution.CodeLength)
		for i := len(code) - 1; i >= 0; i-- {
			code[i] = institution.CodeAlphabet[v%len(institution.CodeAlphabet)]
			v /= len(institution.CodeAlphabet)
		}
		return string(code), nil
	})
}

func TestRotateAllIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	insts := seedInstitutions(t, store, "TG12345", "SR67890")
	stamp := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := New(store, logger.NewNop()).
		WithGenerator(sequenceGenerator()).
		WithClock(func() time.Time { return stamp })

	var previousIDs, previousValues map[string]bool
	var previousStamp time.Time
	for run := 0; run < 3; run++ {
		report, err := svc.RotateAll(ctx)
		if err != nil {
			t.Fatalf("rotate: %v", err)
		}
		if len(report.Rotated) != 2 || len(report.Failed) != 0 {
			t.Fatalf("unexpected report: %+v", report)
		}

		ids := make(map[string]bool)
		allValues := make(map[string]bool)
		for _, inst := range insts {
			codes, _ := store.ListSecretCodes(ctx, inst.ID)
			if len(codes) != institution.PoolSize {
				t.Fatalf("institution %s has %d codes", inst.Code, len(codes))
			}
			values := make(map[string]bool)
			for _, c := range codes {
				if values[c.Value] {
					t.Fatalf("duplicate code %s in pool", c.Value)
				}
				values[c.Value] = true
				allValues[c.Value] = true
				ids[c.ID] = true
				if !c.GeneratedAt.Equal(stamp) {
					t.Fatalf("run %d: code stamped %v, want %v", run, c.GeneratedAt, stamp)
				}
				if run > 0 && !c.GeneratedAt.After(previousStamp) {
					t.Fatalf("run %d: generation time did not advance", run)
				}
			}
		}
		for id := range previousIDs {
			if ids[id] {
				t.Fatalf("code %s survived a rotation", id)
			}
		}
		for value := range previousValues {
			if allValues[value] {
				t.Fatalf("code value %s carried over into the next pool", value)
			}
		}
		previousIDs, previousValues, previousStamp = ids, allValues, stamp
		stamp = stamp.Add(3 * time.Minute)
	}
}

// failingStore makes every transaction touching one institution fail after
// the delete, so the rollback path is exercised.
type failingStore struct {
	*memory.Store
	badID string
}

type failingTx struct {
	storage.Tx
	badID string
}

func (f failingStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	return f.Store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return fn(ctx, failingTx{Tx: tx, badID: f.badID})
	})
}

func (t failingTx) InsertSecretCodes(ctx context.Context, codes []institution.SecretCode) error {
	if len(codes) > 0 && codes[0].InstitutionID == t.badID {
		return errors.New("constraint violation")
	}
	return t.Tx.InsertSecretCodes(ctx, codes)
}

func TestRotateAllIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	insts := seedInstitutions(t, mem, "AA00001", "BB00002", "CC00003")
	good := New(mem, logger.NewNop())
	if _, err := good.RotateAll(ctx); err != nil {
		t.Fatalf("initial rotation: %v", err)
	}
	before, _ := mem.ListSecretCodes(ctx, insts[1].ID)

	svc := New(failingStore{Store: mem, badID: insts[1].ID}, logger.NewNop())
	report, err := svc.RotateAll(ctx)
	if err != nil {
		t.Fatalf("rotate all: %v", err)
	}
	if len(report.Rotated) != 2 || len(report.Failed) != 1 || report.Failed[0].InstitutionID != insts[1].ID {
		t.Fatalf("unexpected report: %+v", report)
	}

	after, _ := mem.ListSecretCodes(ctx, insts[1].ID)
	if len(after) != institution.PoolSize || after[0].ID != before[0].ID {
		t.Fatalf("failed institution must keep its previous pool")
	}
	for _, i := range []int{0, 2} {
		codes, _ := mem.ListSecretCodes(ctx, insts[i].ID)
		if len(codes) != institution.PoolSize {
			t.Fatalf("institution %s not rotated", insts[i].Code)
		}
	}
}

func TestFreshPoolRejectsDegenerateGenerator(t *testing.T) {
	store := memory.New()
	inst := seedInstitutions(t, store, "ZZ99999")[0]
	svc := New(store, logger.NewNop()).WithGenerator(GeneratorFunc(func() (string, error) { return "AAAAAA", nil }))
	if _, err := svc.RotateInstitution(context.Background(), inst); err == nil {
		t.Fatalf("expected error when generator cannot fill a pool of distinct codes")
	}
}

func TestRunnerSingleFlightAcrossProcesses(t *testing.T) {
	store := memory.New()
	seedInstitutions(t, store, "TG12345")

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var calls int32
	gen := GeneratorFunc(func() (string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			entered <- struct{}{}
			<-release
		}
		return RandomGenerator{}.Generate()
	})
	svc := New(store, logger.NewNop()).WithGenerator(gen)

	// two runners sharing one lock stand in for two processes
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	locker := locking.NewLocal().WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	first := NewRunner(svc, locker, "@every 3m", logger.NewNop())
	second := NewRunner(svc, locker, "@every 3m", logger.NewNop())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		first.Job()(context.Background())
	}()
	<-entered

	second.Job()(context.Background())
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("second runner must skip while the first holds the lock, generator calls=%d", got)
	}

	close(release)
	wg.Wait()

	second.Job()(context.Background())
	if got := atomic.LoadInt32(&calls); got != institution.PoolSize {
		t.Fatalf("second runner must skip for the rest of the period, generator calls=%d", got)
	}

	mu.Lock()
	now = now.Add(3 * time.Minute)
	mu.Unlock()
	second.Job()(context.Background())
	if got := atomic.LoadInt32(&calls); got != 2*institution.PoolSize {
		t.Fatalf("expected a second rotation in the next period, generator calls=%d", got)
	}
}

func TestRunnersRotateOncePerPeriod(t *testing.T) {
	store := memory.New()
	seedInstitutions(t, store, "TG12345", "SR67890")

	var calls int32
	gen := GeneratorFunc(func() (string, error) {
		atomic.AddInt32(&calls, 1)
		return RandomGenerator{}.Generate()
	})
	svc := New(store, logger.NewNop()).WithGenerator(gen)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	locker := locking.NewLocal().WithClock(func() time.Time { return now })
	runners := make([]*Runner, 3)
	for i := range runners {
		runners[i] = NewRunner(svc, locker, "@every 3m", logger.NewNop())
	}
	if ttl := runners[0].LockTTL(); ttl <= 2*time.Minute || ttl >= 3*time.Minute {
		t.Fatalf("lease should last just under one period, got %s", ttl)
	}

	perPass := int32(2 * institution.PoolSize)
	// each process ticks at its own offset within the period
	offsets := []time.Duration{0, 50 * time.Second, 110 * time.Second}
	for period := 0; period < 4; period++ {
		base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(period) * 3 * time.Minute)
		for i, r := range runners {
			now = base.Add(offsets[i])
			r.Job()(context.Background())
		}
		if got, want := atomic.LoadInt32(&calls), int32(period+1)*perPass; got != want {
			t.Fatalf("period %d: expected %d generator calls, got %d", period, want, got)
		}
	}
}

func TestRunnerStartStop(t *testing.T) {
	runner := NewRunner(New(memory.New(), logger.NewNop()), nil, "@every 3m", logger.NewNop())
	ctx := context.Background()
	if err := runner.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := runner.Start(ctx); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}
	if err := runner.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := runner.Stop(ctx); err != nil {
		t.Fatalf("second stop should be a no-op: %v", err)
	}
}
