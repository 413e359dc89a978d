package domain

import "time"

// ActivationCode is a limited-use token provisioned out-of-band that grants
// a named feature. CurrentUses is mutated only by the redemption engine;
// codes are retained after exhaustion for audit.
type ActivationCode struct {
	Code        string
	FeatureCode string
	MaxUses     int64
	CurrentUses int64
	ValidUntil  *time.Time
	GrantTTL    time.Duration // 0 = permanent grant
	CreatedAt   time.Time
}

// Expired reports whether the code can no longer be redeemed because its
// validity window has passed.
func (c *ActivationCode) Expired(now time.Time) bool {
	return c.ValidUntil != nil && c.ValidUntil.Before(now)
}

// Exhausted reports whether every use of the code has been consumed.
func (c *ActivationCode) Exhausted() bool {
	return c.CurrentUses >= c.MaxUses
}

// FeatureGrant records that a subject unlocked a feature. At most one active
// grant exists per (subject, feature); the storage layer enforces that with
// a uniqueness constraint.
type FeatureGrant struct {
	ID          string
	SubjectID   string
	FeatureCode string
	SourceCode  string
	ActivatedAt time.Time
	ExpiresAt   *time.Time // nil = permanent
}

// Active reports whether the grant still applies at the given instant.
func (g *FeatureGrant) Active(now time.Time) bool {
	return g.ExpiresAt == nil || g.ExpiresAt.After(now)
}
