package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/usagegate/usagegate/internal/clock"
	"github.com/usagegate/usagegate/internal/core/domain"
	"github.com/usagegate/usagegate/internal/core/ports"
)

// RateLimiterService applies a fixed-window counter per (subject, action).
// The window is fixed, not sliding: up to twice the configured attempts can
// pass across a window boundary, which is the accepted tradeoff for a single
// atomic increment per check.
type RateLimiterService struct {
	store ports.WindowStore
	rules map[string]domain.ActionRule
	clock clock.Clock
}

// NewRateLimiterService creates a new instance of the service.
func NewRateLimiterService(store ports.WindowStore, rules map[string]domain.ActionRule, clk clock.Clock) (*RateLimiterService, error) {
	if store == nil {
		return nil, fmt.Errorf("window store is required")
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("at least one action rule is required")
	}
	for action, rule := range rules {
		if rule.MaxAttempts <= 0 || rule.Window <= 0 {
			return nil, fmt.Errorf("action %q must have positive limits", action)
		}
	}
	if clk == nil {
		clk = clock.System()
	}

	return &RateLimiterService{store: store, rules: rules, clock: clk}, nil
}

// Check consumes one attempt for the subject and reports whether it may
// proceed. Denied attempts are counted too, so hammering a closed window
// never reopens it early.
func (s *RateLimiterService) Check(ctx context.Context, subjectID, action string) (domain.RateDecision, error) {
	rule, ok := s.rules[action]
	if !ok {
		return domain.RateDecision{}, fmt.Errorf("%w: %q", domain.ErrUnknownAction, action)
	}

	count, resetAt, err := s.store.Incr(ctx, windowKey(subjectID, action), rule.Window)
	if err != nil {
		return domain.RateDecision{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	decision := domain.RateDecision{
		Limit:   rule.MaxAttempts,
		ResetAt: resetAt,
	}

	if count > int64(rule.MaxAttempts) {
		retry := resetAt.Sub(s.clock.Now())
		if retry < 0 {
			retry = 0
		}
		decision.RetryAfter = retry
		return decision, nil
	}

	decision.Allowed = true
	decision.Remaining = rule.MaxAttempts - int(count)
	return decision, nil
}

// Rule exposes the configuration for an action, for callers that render
// limit headers before any check has run.
func (s *RateLimiterService) Rule(action string) (domain.ActionRule, bool) {
	rule, ok := s.rules[action]
	return rule, ok
}

func windowKey(subjectID, action string) string {
	return fmt.Sprintf("rate:%s:%s", action, strings.ToLower(strings.TrimSpace(subjectID)))
}
