package services

import (
	"context"
	"fmt"
	"time"

	"github.com/usagegate/usagegate/internal/clock"
	"github.com/usagegate/usagegate/internal/core/domain"
	"github.com/usagegate/usagegate/internal/core/ports"
)

// QuotaLedgerService tracks monthly consumption per subject. All mutation
// goes through the store's atomic reserve; the ledger itself never
// read-modify-writes an account.
type QuotaLedgerService struct {
	store       ports.QuotaStore
	plans       map[string]int64
	defaultPlan string
	clock       clock.Clock
}

func NewQuotaLedgerService(store ports.QuotaStore, plans map[string]int64, defaultPlan string, clk clock.Clock) (*QuotaLedgerService, error) {
	if store == nil {
		return nil, fmt.Errorf("quota store is required")
	}
	if len(plans) == 0 {
		return nil, fmt.Errorf("at least one plan is required")
	}
	if _, ok := plans[defaultPlan]; !ok {
		return nil, fmt.Errorf("default plan %q has no limit configured", defaultPlan)
	}
	if clk == nil {
		clk = clock.System()
	}

	return &QuotaLedgerService{store: store, plans: plans, defaultPlan: defaultPlan, clock: clk}, nil
}

// Peek returns the subject's current-period usage without consuming a unit.
// The read is not atomic with any later reserve; it exists for fast rejection
// and rendering, never for admission.
func (l *QuotaLedgerService) Peek(ctx context.Context, subject domain.Subject) (domain.Usage, error) {
	plan, limit, err := l.resolvePlan(subject.Plan)
	if err != nil {
		return domain.Usage{}, err
	}

	now := l.clock.Now().UTC()
	account, err := l.store.GetAccount(ctx, subject.ID, periodKey(now))
	if err != nil {
		return domain.Usage{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	usage := domain.Usage{Plan: plan, Limit: limit, ResetAt: periodEnd(now)}
	if account != nil {
		usage.Used = account.Used
	}
	return usage, nil
}

// Reserve consumes one unit for the current period, creating the account on
// first use. A reached limit comes back as *domain.LimitError whether this
// call hit it or a racing one did.
func (l *QuotaLedgerService) Reserve(ctx context.Context, subject domain.Subject) (domain.Reservation, error) {
	plan, limit, err := l.resolvePlan(subject.Plan)
	if err != nil {
		return domain.Reservation{}, err
	}

	now := l.clock.Now().UTC()
	used, ok, err := l.store.Reserve(ctx, subject.ID, plan, periodKey(now), limit)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if !ok {
		return domain.Reservation{}, &domain.LimitError{
			Plan:    plan,
			Limit:   limit,
			Used:    used,
			ResetAt: periodEnd(now),
		}
	}

	return domain.Reservation{Plan: plan, Used: used, Limit: limit, ResetAt: periodEnd(now)}, nil
}

// CurrentPeriod returns the ledger key for the instant's month.
func (l *QuotaLedgerService) CurrentPeriod() string {
	return periodKey(l.clock.Now().UTC())
}

func (l *QuotaLedgerService) resolvePlan(plan string) (string, int64, error) {
	if plan == "" {
		plan = l.defaultPlan
	}
	limit, ok := l.plans[plan]
	if !ok {
		return "", 0, fmt.Errorf("%w: %q", domain.ErrUnknownPlan, plan)
	}
	return plan, limit, nil
}

func periodKey(now time.Time) string {
	return now.Format("2006-01")
}

func periodEnd(now time.Time) time.Time {
	year, month, _ := now.Date()
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
