package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/riskledger/internal/app/domain/account"
	"github.com/R3E-Network/riskledger/internal/app/domain/institution"
	"github.com/R3E-Network/riskledger/internal/app/domain/reset"
	"github.com/R3E-Network/riskledger/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
//
// Units of work are serialized: WithinTx holds the store lock for the whole
// callback and applies a staged copy of the state only when the callback and
// the commit hook both succeed.
type Store struct {
	mu    sync.RWMutex
	state state

	commitHook func() error
}

type state struct {
	accounts     map[string]account.Account
	institutions map[string]institution.Institution
	codes        map[string][]institution.SecretCode
	tracker      *reset.Tracker
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{state: state{
		accounts:     make(map[string]account.Account),
		institutions: make(map[string]institution.Institution),
		codes:        make(map[string][]institution.SecretCode),
	}}
}

// OnCommit installs a hook run just before a transaction is applied. A
// non-nil error aborts the commit, which lets tests simulate store failures.
func (s *Store) OnCommit(hook func() error) {
	s.mu.Lock()
	s.commitHook = hook
	s.mu.Unlock()
}

// AccountStore implementation -------------------------------------------------

func (s *Store) CreateAccount(_ context.Context, acct account.Account) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	if _, exists := s.state.accounts[acct.ID]; exists {
		return account.Account{}, fmt.Errorf("account %s: %w", acct.ID, storage.ErrConflict)
	}
	for _, other := range s.state.accounts {
		if acct.AccountNumber != "" && strings.EqualFold(other.AccountNumber, acct.AccountNumber) {
			return account.Account{}, fmt.Errorf("account number %s: %w", acct.AccountNumber, storage.ErrConflict)
		}
	}

	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	s.state.accounts[acct.ID] = acct
	return acct, nil
}

func (s *Store) UpdateAccount(_ context.Context, acct account.Account) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.updateAccount(acct)
}

func (s *Store) GetAccount(_ context.Context, id string) (account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.state.accounts[id]
	if !ok {
		return account.Account{}, fmt.Errorf("account %s: %w", id, storage.ErrNotFound)
	}
	return acct, nil
}

func (s *Store) ListAccounts(_ context.Context) ([]account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]account.Account, 0, len(s.state.accounts))
	for _, acct := range s.state.accounts {
		result = append(result, acct)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// InstitutionStore implementation ---------------------------------------------

func (s *Store) CreateInstitution(_ context.Context, inst institution.Institution) (institution.Institution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	for _, other := range s.state.institutions {
		if other.ID == inst.ID || strings.EqualFold(other.Code, inst.Code) {
			return institution.Institution{}, fmt.Errorf("institution %s: %w", inst.Code, storage.ErrConflict)
		}
	}
	inst.CreatedAt = time.Now().UTC()
	s.state.institutions[inst.ID] = inst
	return inst, nil
}

func (s *Store) GetInstitution(_ context.Context, id string) (institution.Institution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.state.institutions[id]
	if !ok {
		return institution.Institution{}, fmt.Errorf("institution %s: %w", id, storage.ErrNotFound)
	}
	return inst, nil
}

func (s *Store) ListInstitutions(_ context.Context) ([]institution.Institution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]institution.Institution, 0, len(s.state.institutions))
	for _, inst := range s.state.institutions {
		result = append(result, inst)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Code < result[j].Code })
	return result, nil
}

func (s *Store) ListSecretCodes(_ context.Context, institutionID string) ([]institution.SecretCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	codes := s.state.codes[institutionID]
	out := make([]institution.SecretCode, len(codes))
	copy(out, codes)
	return out, nil
}

// UnitOfWork implementation ---------------------------------------------------

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	staged := s.state.clone()
	if err := fn(ctx, &memTx{state: &staged}); err != nil {
		return err
	}
	if s.commitHook != nil {
		if err := s.commitHook(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
	s.state = staged
	return nil
}

type memTx struct {
	state *state
}

func (t *memTx) GetAccountForUpdate(_ context.Context, id string) (account.Account, error) {
	acct, ok := t.state.accounts[id]
	if !ok {
		return account.Account{}, fmt.Errorf("account %s: %w", id, storage.ErrNotFound)
	}
	return acct, nil
}

func (t *memTx) UpdateAccount(_ context.Context, acct account.Account) (account.Account, error) {
	return t.state.updateAccount(acct)
}

func (t *memTx) ResetDailyCounts(_ context.Context) (int64, error) {
	var changed int64
	now := time.Now().UTC()
	for id, acct := range t.state.accounts {
		if acct.DailyTransactionCount == 0 {
			continue
		}
		acct.DailyTransactionCount = 0
		acct.UpdatedAt = now
		t.state.accounts[id] = acct
		changed++
	}
	return changed, nil
}

func (t *memTx) GetResetTracker(_ context.Context) (reset.Tracker, bool, error) {
	if t.state.tracker == nil {
		return reset.Tracker{}, false, nil
	}
	return *t.state.tracker, true, nil
}

func (t *memTx) SaveResetTracker(_ context.Context, tracker reset.Tracker) error {
	t.state.tracker = &tracker
	return nil
}

func (t *memTx) DeleteSecretCodes(_ context.Context, institutionID string) (int64, error) {
	if _, ok := t.state.institutions[institutionID]; !ok {
		return 0, fmt.Errorf("institution %s: %w", institutionID, storage.ErrNotFound)
	}
	removed := int64(len(t.state.codes[institutionID]))
	delete(t.state.codes, institutionID)
	return removed, nil
}

func (t *memTx) InsertSecretCodes(_ context.Context, codes []institution.SecretCode) error {
	for _, code := range codes {
		if _, ok := t.state.institutions[code.InstitutionID]; !ok {
			return fmt.Errorf("institution %s: %w", code.InstitutionID, storage.ErrNotFound)
		}
		if code.ID == "" {
			code.ID = uuid.NewString()
		}
		t.state.codes[code.InstitutionID] = append(t.state.codes[code.InstitutionID], code)
	}
	return nil
}

// helpers ---------------------------------------------------------------------

func (st *state) updateAccount(acct account.Account) (account.Account, error) {
	original, ok := st.accounts[acct.ID]
	if !ok {
		return account.Account{}, fmt.Errorf("account %s: %w", acct.ID, storage.ErrNotFound)
	}
	if acct.AccountNumber != "" && !strings.EqualFold(acct.AccountNumber, original.AccountNumber) {
		for id, other := range st.accounts {
			if id != acct.ID && strings.EqualFold(other.AccountNumber, acct.AccountNumber) {
				return account.Account{}, fmt.Errorf("account number %s: %w", acct.AccountNumber, storage.ErrConflict)
			}
		}
	}
	acct.CreatedAt = original.CreatedAt
	acct.UpdatedAt = time.Now().UTC()
	st.accounts[acct.ID] = acct
	return acct, nil
}

func (st state) clone() state {
	out := state{
		accounts:     make(map[string]account.Account, len(st.accounts)),
		institutions: make(map[string]institution.Institution, len(st.institutions)),
		codes:        make(map[string][]institution.SecretCode, len(st.codes)),
	}
	for k, v := range st.accounts {
		out.accounts[k] = v
	}
	for k, v := range st.institutions {
		out.institutions[k] = v
	}
	for k, v := range st.codes {
		cp := make([]institution.SecretCode, len(v))
		copy(cp, v)
		out.codes[k] = cp
	}
	if st.tracker != nil {
		tr := *st.tracker
		out.tracker = &tr
	}
	return out
}
