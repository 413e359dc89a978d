// Package memory provides mutex-backed implementations of every store port.
// They are correct within a single process only and exist for development
// mode and tests; production deployments use the redis and sql adapters.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/usagegate/usagegate/internal/clock"
	"github.com/usagegate/usagegate/internal/core/domain"
	"github.com/usagegate/usagegate/internal/core/ports"
)

// WindowStore counts attempts per key in fixed windows.
type WindowStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	windows map[string]*window
}

type window struct {
	count   int64
	resetAt time.Time
}

var _ ports.WindowStore = (*WindowStore)(nil)

func NewWindowStore(clk clock.Clock) *WindowStore {
	if clk == nil {
		clk = clock.System()
	}
	return &WindowStore{clock: clk, windows: make(map[string]*window)}
}

func (s *WindowStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, time.Time, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !w.resetAt.After(now) {
		w = &window{resetAt: now.Add(ttl)}
		s.windows[key] = w
	}
	w.count++
	return w.count, w.resetAt, nil
}

// QuotaStore keeps per-period ledgers under one mutex, so the conditional
// increment is atomic the same way the SQL reserve is.
type QuotaStore struct {
	mu       sync.Mutex
	clock    clock.Clock
	accounts map[quotaKey]*domain.QuotaAccount
}

type quotaKey struct {
	subjectID string
	period    string
}

var _ ports.QuotaStore = (*QuotaStore)(nil)

func NewQuotaStore(clk clock.Clock) *QuotaStore {
	if clk == nil {
		clk = clock.System()
	}
	return &QuotaStore{clock: clk, accounts: make(map[quotaKey]*domain.QuotaAccount)}
}

func (s *QuotaStore) GetAccount(_ context.Context, subjectID, period string) (*domain.QuotaAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[quotaKey{subjectID, period}]
	if !ok {
		return nil, nil
	}
	copied := *account
	return &copied, nil
}

func (s *QuotaStore) Reserve(_ context.Context, subjectID, plan, period string, limit int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := quotaKey{subjectID, period}
	account, ok := s.accounts[key]
	if !ok {
		account = &domain.QuotaAccount{SubjectID: subjectID, Plan: plan, Period: period}
		s.accounts[key] = account
	}
	account.Plan = plan

	if limit != domain.UnlimitedQuota && account.Used >= limit {
		return account.Used, false, nil
	}
	account.Used++
	account.UpdatedAt = s.clock.Now()
	return account.Used, true, nil
}

func (s *QuotaStore) DeleteExpired(_ context.Context, beforePeriod string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.accounts {
		if key.period < beforePeriod {
			delete(s.accounts, key)
		}
	}
	return nil
}

// CodeStore is the in-process activation code registry.
type CodeStore struct {
	mu    sync.Mutex
	codes map[string]*domain.ActivationCode
}

var _ ports.CodeStore = (*CodeStore)(nil)

func NewCodeStore() *CodeStore {
	return &CodeStore{codes: make(map[string]*domain.ActivationCode)}
}

func (s *CodeStore) Create(_ context.Context, code *domain.ActivationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[code.Code]; exists {
		return domain.ErrCodeExists
	}
	copied := *code
	s.codes[code.Code] = &copied
	return nil
}

func (s *CodeStore) GetCode(_ context.Context, code string) (*domain.ActivationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.codes[code]
	if !ok {
		return nil, nil
	}
	copied := *stored
	return &copied, nil
}

func (s *CodeStore) ConsumeUse(_ context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.codes[code]
	if !ok || stored.CurrentUses >= stored.MaxUses {
		return false, nil
	}
	stored.CurrentUses++
	return true, nil
}

// GrantStore enforces the (subject, feature) uniqueness the same way the
// SQL constraint does: the insert under the mutex is the arbiter.
type GrantStore struct {
	mu     sync.Mutex
	grants map[grantKey]*domain.FeatureGrant
}

type grantKey struct {
	subjectID   string
	featureCode string
}

var _ ports.GrantStore = (*GrantStore)(nil)

func NewGrantStore() *GrantStore {
	return &GrantStore{grants: make(map[grantKey]*domain.FeatureGrant)}
}

func (s *GrantStore) Insert(_ context.Context, grant *domain.FeatureGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := grantKey{grant.SubjectID, grant.FeatureCode}
	if existing, ok := s.grants[key]; ok && existing.Active(grant.ActivatedAt) {
		return domain.ErrAlreadyGranted
	}
	copied := *grant
	s.grants[key] = &copied
	return nil
}

func (s *GrantStore) Active(_ context.Context, subjectID, featureCode string, now time.Time) (*domain.FeatureGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[grantKey{subjectID, featureCode}]
	if !ok || !grant.Active(now) {
		return nil, nil
	}
	copied := *grant
	return &copied, nil
}

func (s *GrantStore) BySubject(_ context.Context, subjectID string, now time.Time) ([]domain.FeatureGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.FeatureGrant
	for key, grant := range s.grants {
		if key.subjectID == subjectID && grant.Active(now) {
			out = append(out, *grant)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeatureCode < out[j].FeatureCode })
	return out, nil
}
