package services

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/usagegate/usagegate/internal/clock"
	"github.com/usagegate/usagegate/internal/core/domain"
	"github.com/usagegate/usagegate/internal/core/ports"
)

// DefaultCodePattern accepts the provisioned 8-character uppercase
// alphanumeric format.
const DefaultCodePattern = `^[A-Z0-9]{8}$`

// RedemptionService validates and consumes activation codes. Each
// precondition must still hold at commit time: the grant insert relies on
// the store's uniqueness constraint rather than on its own earlier read, and
// the use-count increment is conditional in the store.
type RedemptionService struct {
	codes   ports.CodeStore
	grants  ports.GrantStore
	pattern *regexp.Regexp
	clock   clock.Clock
	logger  *slog.Logger
}

func NewRedemptionService(codes ports.CodeStore, grants ports.GrantStore, codePattern string, clk clock.Clock, logger *slog.Logger) (*RedemptionService, error) {
	if codes == nil || grants == nil {
		return nil, fmt.Errorf("code and grant stores are required")
	}
	if codePattern == "" {
		codePattern = DefaultCodePattern
	}
	pattern, err := regexp.Compile(codePattern)
	if err != nil {
		return nil, fmt.Errorf("invalid code pattern %q: %w", codePattern, err)
	}
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RedemptionService{codes: codes, grants: grants, pattern: pattern, clock: clk, logger: logger}, nil
}

// Redeem consumes one use of the code and grants its feature to the subject.
// Malformed codes are rejected before any storage access and report the same
// failure as unknown ones.
func (s *RedemptionService) Redeem(ctx context.Context, subjectID, rawCode string) (*domain.FeatureGrant, error) {
	codeStr := strings.ToUpper(strings.TrimSpace(rawCode))
	if !s.pattern.MatchString(codeStr) {
		return nil, domain.ErrInvalidCode
	}

	code, err := s.codes.GetCode(ctx, codeStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if code == nil {
		return nil, domain.ErrInvalidCode
	}

	now := s.clock.Now()
	if code.Expired(now) {
		return nil, domain.ErrCodeExpired
	}
	if code.Exhausted() {
		return nil, domain.ErrCodeExhausted
	}

	active, err := s.grants.Active(ctx, subjectID, code.FeatureCode, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if active != nil {
		return nil, domain.ErrAlreadyGranted
	}

	grant := &domain.FeatureGrant{
		ID:          uuid.NewString(),
		SubjectID:   subjectID,
		FeatureCode: code.FeatureCode,
		SourceCode:  code.Code,
		ActivatedAt: now,
	}
	if code.GrantTTL > 0 {
		expires := now.Add(code.GrantTTL)
		grant.ExpiresAt = &expires
	}

	// The insert is the commit point. A racing redemption by the same
	// subject loses here, on the uniqueness constraint, regardless of what
	// the Active check saw above.
	if err := s.grants.Insert(ctx, grant); err != nil {
		if domain.IsAlreadyGranted(err) {
			return nil, domain.ErrAlreadyGranted
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	// Best effort: the grant above stands even if the use count cannot be
	// recorded. The mismatch is logged for reconciliation, never rolled
	// back onto the user.
	consumed, err := s.codes.ConsumeUse(ctx, code.Code)
	if err != nil || !consumed {
		s.logger.Warn("activation code use not recorded; grant stands",
			"code", code.Code,
			"subject", subjectID,
			"feature", code.FeatureCode,
			"consumed", consumed,
			"error", err,
		)
	}

	return grant, nil
}

// Grants lists the subject's active feature grants.
func (s *RedemptionService) Grants(ctx context.Context, subjectID string) ([]domain.FeatureGrant, error) {
	grants, err := s.grants.BySubject(ctx, subjectID, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return grants, nil
}

// Provision registers a new activation code. Used by the administrative
// surface; redemption never creates codes.
func (s *RedemptionService) Provision(ctx context.Context, code *domain.ActivationCode) error {
	normalized := strings.ToUpper(strings.TrimSpace(code.Code))
	if !s.pattern.MatchString(normalized) {
		return domain.ErrInvalidCode
	}
	if code.FeatureCode == "" {
		return fmt.Errorf("feature code is required")
	}
	if code.MaxUses <= 0 {
		return fmt.Errorf("max uses must be positive")
	}

	code.Code = normalized
	code.CreatedAt = s.clock.Now()
	if err := s.codes.Create(ctx, code); err != nil {
		if domain.IsCodeExists(err) {
			return domain.ErrCodeExists
		}
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}
