package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/usagegate/usagegate/internal/core/domain"
	"github.com/usagegate/usagegate/internal/core/ports"
)

// Action kinds recognized by the gate. Each must have a rule configured or
// the check fails as a deployment defect.
const (
	ActionGenerate = "generate"
	ActionRedeem   = "redeem"
)

// GateService sequences the admission checks for one request: rate limit
// first (cheapest, saves quota units from already-throttled callers), then
// the atomic quota reserve, then any expensive work. There is no separate
// commit: the reserve is final, so work failing after it still costs a unit.
type GateService struct {
	limiter      *RateLimiterService
	ledger       *QuotaLedgerService
	redemption   *RedemptionService
	generator    ports.Generator
	storeTimeout time.Duration
	logger       *slog.Logger
}

var _ ports.Gate = (*GateService)(nil)

func NewGateService(limiter *RateLimiterService, ledger *QuotaLedgerService, redemption *RedemptionService, generator ports.Generator, storeTimeout time.Duration, logger *slog.Logger) (*GateService, error) {
	if limiter == nil || ledger == nil || redemption == nil {
		return nil, fmt.Errorf("limiter, ledger and redemption services are required")
	}
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &GateService{
		limiter:      limiter,
		ledger:       ledger,
		redemption:   redemption,
		generator:    generator,
		storeTimeout: storeTimeout,
		logger:       logger,
	}, nil
}

// Admit runs rate check then quota reserve. A stuck store fails the request
// within the configured timeout; the fail-safe outcome is deny, never allow.
func (g *GateService) Admit(ctx context.Context, subject domain.Subject, action string) (domain.Admission, error) {
	rate, err := g.checkRate(ctx, subject.ID, action)
	if err != nil {
		return domain.Admission{}, err
	}
	if !rate.Allowed {
		return domain.Admission{Rate: rate}, nil
	}

	// UX pre-check: reject an obviously exhausted account before the
	// reserve. The reserve below re-validates atomically, so a stale read
	// here can never over-admit.
	if usage, err := g.peekQuota(ctx, subject); err == nil {
		if usage.Limit != domain.UnlimitedQuota && usage.Used >= usage.Limit {
			return domain.Admission{Rate: rate}, &domain.LimitError{
				Plan:    usage.Plan,
				Limit:   usage.Limit,
				Used:    usage.Used,
				ResetAt: usage.ResetAt,
			}
		}
	}

	reservation, err := g.reserveQuota(ctx, subject)
	if err != nil {
		return domain.Admission{Rate: rate}, err
	}

	return domain.Admission{Rate: rate, Quota: reservation}, nil
}

// Generate admits the subject and calls the upstream generator. Once the
// reserve has succeeded, cancellation or generator failure does not roll it
// back.
func (g *GateService) Generate(ctx context.Context, subject domain.Subject, prompt string) (domain.GenerateResult, error) {
	admission, err := g.Admit(ctx, subject, ActionGenerate)
	if err != nil || !admission.Rate.Allowed {
		return domain.GenerateResult{Admission: admission}, err
	}

	if g.generator == nil {
		return domain.GenerateResult{Admission: admission}, fmt.Errorf("no generator configured")
	}

	text, err := g.generator.Generate(ctx, subject.ID, prompt)
	if err != nil {
		g.logger.Warn("generation failed after quota reserve",
			"subject", subject.ID,
			"used", admission.Quota.Used,
			"error", err,
		)
		return domain.GenerateResult{Admission: admission}, fmt.Errorf("generator: %w", err)
	}

	return domain.GenerateResult{Admission: admission, Text: text}, nil
}

// Redeem rate-limits the redemption action, then hands off to the engine.
// Redemptions do not consume quota units.
func (g *GateService) Redeem(ctx context.Context, subject domain.Subject, code string) (*domain.FeatureGrant, error) {
	rate, err := g.checkRate(ctx, subject.ID, ActionRedeem)
	if err != nil {
		return nil, err
	}
	if !rate.Allowed {
		return nil, &domain.RateLimitedError{Decision: rate}
	}

	ctx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()
	return g.redemption.Redeem(ctx, subject.ID, code)
}

func (g *GateService) Usage(ctx context.Context, subject domain.Subject) (domain.Usage, error) {
	return g.peekQuota(ctx, subject)
}

func (g *GateService) Features(ctx context.Context, subject domain.Subject) ([]domain.FeatureGrant, error) {
	ctx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()
	return g.redemption.Grants(ctx, subject.ID)
}

func (g *GateService) checkRate(ctx context.Context, subjectID, action string) (domain.RateDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()
	return g.limiter.Check(ctx, subjectID, action)
}

func (g *GateService) peekQuota(ctx context.Context, subject domain.Subject) (domain.Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()
	return g.ledger.Peek(ctx, subject)
}

func (g *GateService) reserveQuota(ctx context.Context, subject domain.Subject) (domain.Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()
	return g.ledger.Reserve(ctx, subject)
}
