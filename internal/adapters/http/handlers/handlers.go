// Package handlers exposes the gate over HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/usagegate/usagegate/internal/adapters/http/middleware"
	"github.com/usagegate/usagegate/internal/core/domain"
	"github.com/usagegate/usagegate/internal/core/ports"
)

type Handler struct {
	gate   ports.Gate
	logger *slog.Logger
}

func New(gate ports.Gate, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{gate: gate, logger: logger}
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	Text  string `json:"text"`
	Used  int64  `json:"used"`
	Limit int64  `json:"limit"`
	Plan  string `json:"plan"`
}

// Generate admits the caller and runs the upstream generation.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	subject, ok := middleware.SubjectFrom(r.Context())
	if !ok {
		http.Error(w, "subject could not be resolved", http.StatusBadRequest)
		return
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return
	}

	result, err := h.gate.Generate(r.Context(), subject, req.Prompt)
	writeRateHeaders(w, result.Rate)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if !result.Rate.Allowed {
		writeTooManyRequests(w, result.Rate)
		return
	}

	writeJSON(w, http.StatusOK, generateResponse{
		Text:  result.Text,
		Used:  result.Quota.Used,
		Limit: result.Quota.Limit,
		Plan:  result.Quota.Plan,
	})
}

type redeemRequest struct {
	Code string `json:"code"`
}

type redeemResponse struct {
	FeatureCode string     `json:"feature_code"`
	ActivatedAt time.Time  `json:"activated_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Redeem consumes an activation code for the caller.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	subject, ok := middleware.SubjectFrom(r.Context())
	if !ok {
		http.Error(w, "subject could not be resolved", http.StatusBadRequest)
		return
	}

	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		http.Error(w, "code is required", http.StatusBadRequest)
		return
	}

	grant, err := h.gate.Redeem(r.Context(), subject, req.Code)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, redeemResponse{
		FeatureCode: grant.FeatureCode,
		ActivatedAt: grant.ActivatedAt,
		ExpiresAt:   grant.ExpiresAt,
	})
}

type usageResponse struct {
	Plan      string    `json:"plan"`
	Used      int64     `json:"used"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Usage reports the caller's current-period consumption without charging.
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	subject, ok := middleware.SubjectFrom(r.Context())
	if !ok {
		http.Error(w, "subject could not be resolved", http.StatusBadRequest)
		return
	}

	usage, err := h.gate.Usage(r.Context(), subject)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, usageResponse{
		Plan:      usage.Plan,
		Used:      usage.Used,
		Limit:     usage.Limit,
		Remaining: usage.Remaining(),
		ResetAt:   usage.ResetAt,
	})
}

type featuresResponse struct {
	Features []featurePayload `json:"features"`
}

type featurePayload struct {
	FeatureCode string     `json:"feature_code"`
	ActivatedAt time.Time  `json:"activated_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Features lists the caller's active grants.
func (h *Handler) Features(w http.ResponseWriter, r *http.Request) {
	subject, ok := middleware.SubjectFrom(r.Context())
	if !ok {
		http.Error(w, "subject could not be resolved", http.StatusBadRequest)
		return
	}

	grants, err := h.gate.Features(r.Context(), subject)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	payload := featuresResponse{Features: make([]featurePayload, 0, len(grants))}
	for _, grant := range grants {
		payload.Features = append(payload.Features, featurePayload{
			FeatureCode: grant.FeatureCode,
			ActivatedAt: grant.ActivatedAt,
			ExpiresAt:   grant.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, payload)
}

type limitReachedResponse struct {
	Error           string    `json:"error"`
	Plan            string    `json:"plan"`
	Limit           int64     `json:"limit"`
	Current         int64     `json:"current"`
	ResetAt         time.Time `json:"reset_at"`
	UpgradeRequired bool      `json:"upgrade_required"`
}

// writeFailure maps core failures onto HTTP statuses. Expected contention
// outcomes carry structured payloads; only genuinely exceptional conditions
// end up as 5xx.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var limitErr *domain.LimitError
	if errors.As(err, &limitErr) {
		writeJSON(w, http.StatusPaymentRequired, limitReachedResponse{
			Error:           "monthly quota reached",
			Plan:            limitErr.Plan,
			Limit:           limitErr.Limit,
			Current:         limitErr.Used,
			ResetAt:         limitErr.ResetAt,
			UpgradeRequired: true,
		})
		return
	}

	var rateErr *domain.RateLimitedError
	if errors.As(err, &rateErr) {
		writeRateHeaders(w, rateErr.Decision)
		writeTooManyRequests(w, rateErr.Decision)
		return
	}

	switch {
	case errors.Is(err, domain.ErrInvalidCode),
		errors.Is(err, domain.ErrCodeExpired),
		errors.Is(err, domain.ErrCodeExhausted):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrAlreadyGranted):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrStoreUnavailable):
		h.logger.Error("store unavailable", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	case errors.Is(err, domain.ErrUnknownAction), errors.Is(err, domain.ErrUnknownPlan):
		h.logger.Error("configuration defect", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "misconfigured deployment")
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadGateway, "generation failed")
	}
}

func writeRateHeaders(w http.ResponseWriter, decision domain.RateDecision) {
	if decision.Limit == 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
}

func writeTooManyRequests(w http.ResponseWriter, decision domain.RateDecision) {
	seconds := int64(decision.RetryAfter / time.Second)
	if decision.RetryAfter%time.Second != 0 {
		seconds++
	}
	w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
