// Package domain holds the entities and decision types shared by the core
// services.
package domain

import "time"

// ActionRule configures the fixed window applied to one action kind.
type ActionRule struct {
	MaxAttempts int
	Window      time.Duration
}

// RateDecision is the outcome of a rate-limit check. Remaining counts the
// attempts still admissible in the current window after this call.
type RateDecision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Subject is the caller on whose behalf state is tracked. The identifier is
// opaque and already authenticated by the layer in front of this core; Plan
// is the subscription tier that layer resolved for it (empty means the
// configured default).
type Subject struct {
	ID   string
	Plan string
}
