// Package ports defines the contracts between the core services and their
// external collaborators.
package ports

import (
	"context"
	"time"

	"github.com/usagegate/usagegate/internal/core/domain"
)

// WindowStore backs the rate limiter with fixed-window counters. The
// increment must be atomic across processes: concurrent calls for the same
// key never lose updates.
type WindowStore interface {
	// Incr bumps the counter under key, starting a window of ttl if none is
	// running, and returns the new count together with the instant the
	// window expires.
	Incr(ctx context.Context, key string, ttl time.Duration) (count int64, resetAt time.Time, err error)
}

// QuotaStore persists monthly consumption ledgers. Reserve is the only
// mutation path; nothing else may read-modify-write an account.
type QuotaStore interface {
	// GetAccount returns the account for (subjectID, period), or nil when
	// the subject has not consumed anything this period.
	GetAccount(ctx context.Context, subjectID, period string) (*domain.QuotaAccount, error)

	// Reserve atomically consumes one unit, lazily creating the account on
	// first use. When limit is domain.UnlimitedQuota the increment is
	// unconditional. ok=false means the limit had already been met, possibly
	// by a racing call; used then reports the current consumption.
	Reserve(ctx context.Context, subjectID, plan, period string, limit int64) (used int64, ok bool, err error)

	// DeleteExpired removes ledgers for periods strictly before the given
	// period key. Housekeeping only; correctness never depends on it.
	DeleteExpired(ctx context.Context, beforePeriod string) error
}

// CodeStore is the restricted-privilege activation code registry.
type CodeStore interface {
	// Create provisions a code; a duplicate code fails with
	// domain.ErrCodeExists.
	Create(ctx context.Context, code *domain.ActivationCode) error

	// GetCode returns the code, or nil when it does not exist.
	GetCode(ctx context.Context, code string) (*domain.ActivationCode, error)

	// ConsumeUse increments current_uses only while current_uses < max_uses
	// and reports whether a use was consumed.
	ConsumeUse(ctx context.Context, code string) (bool, error)
}

// GrantStore persists feature grants. The (subject, feature) uniqueness
// constraint is the concurrency arbiter for duplicate redemptions.
type GrantStore interface {
	// Insert stores the grant. When an active grant for the same
	// (subject, feature) already exists it fails with
	// domain.ErrAlreadyGranted; an expired one is replaced instead.
	Insert(ctx context.Context, grant *domain.FeatureGrant) error

	// Active returns the non-expired grant for (subjectID, featureCode),
	// or nil.
	Active(ctx context.Context, subjectID, featureCode string, now time.Time) (*domain.FeatureGrant, error)

	// BySubject lists the subject's active grants.
	BySubject(ctx context.Context, subjectID string, now time.Time) ([]domain.FeatureGrant, error)
}
