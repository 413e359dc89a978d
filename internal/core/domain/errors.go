package domain

import (
	"errors"
	"fmt"
	"time"
)

// Configuration errors. These indicate a deployment defect and are never
// retried.
var (
	ErrUnknownAction = errors.New("unknown action kind")
	ErrUnknownPlan   = errors.New("unknown plan")
)

// Redemption failures. Malformed and unknown codes deliberately share one
// sentinel so the caller cannot distinguish them (no code enumeration).
var (
	ErrInvalidCode    = errors.New("invalid activation code")
	ErrCodeExpired    = errors.New("activation code expired")
	ErrCodeExhausted  = errors.New("activation code exhausted")
	ErrAlreadyGranted = errors.New("feature already granted")
	ErrCodeExists     = errors.New("activation code already exists")
)

// ErrStoreUnavailable wraps transient persistence failures. The core never
// retries these; retry policy belongs to the caller.
var ErrStoreUnavailable = errors.New("store unavailable")

// LimitError is the quota ledger's limit-reached result. It carries the
// figures the caller needs to render an upgrade prompt.
type LimitError struct {
	Plan    string
	Limit   int64
	Used    int64
	ResetAt time.Time
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("monthly quota reached: %d/%d on plan %q", e.Used, e.Limit, e.Plan)
}

func IsLimitReached(err error) bool {
	var le *LimitError
	return errors.As(err, &le)
}

func IsAlreadyGranted(err error) bool {
	return errors.Is(err, ErrAlreadyGranted)
}

func IsCodeExists(err error) bool {
	return errors.Is(err, ErrCodeExists)
}

// RateLimitedError reports a throttled attempt on flows that have no
// admission payload to carry the decision in (redemption).
type RateLimitedError struct {
	Decision RateDecision
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry in %s", e.Decision.RetryAfter)
}

func IsRateLimited(err error) bool {
	var re *RateLimitedError
	return errors.As(err, &re)
}
