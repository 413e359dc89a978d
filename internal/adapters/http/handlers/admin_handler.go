package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/usagegate/usagegate/internal/core/domain"
	"github.com/usagegate/usagegate/internal/core/services"
)

// AdminHandler is the out-of-band provisioning surface for activation codes.
type AdminHandler struct {
	redemption *services.RedemptionService
	logger     *slog.Logger
}

func NewAdmin(redemption *services.RedemptionService, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{redemption: redemption, logger: logger}
}

type createCodeRequest struct {
	Code            string     `json:"code"`
	FeatureCode     string     `json:"feature_code"`
	MaxUses         int64      `json:"max_uses"`
	ValidUntil      *time.Time `json:"valid_until,omitempty"`
	GrantTTLSeconds int64      `json:"grant_ttl_seconds,omitempty"`
}

type createCodeResponse struct {
	Code        string     `json:"code"`
	FeatureCode string     `json:"feature_code"`
	MaxUses     int64      `json:"max_uses"`
	ValidUntil  *time.Time `json:"valid_until,omitempty"`
}

// CreateCode provisions a new activation code.
func (h *AdminHandler) CreateCode(w http.ResponseWriter, r *http.Request) {
	var req createCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	code := &domain.ActivationCode{
		Code:        req.Code,
		FeatureCode: req.FeatureCode,
		MaxUses:     req.MaxUses,
		ValidUntil:  req.ValidUntil,
		GrantTTL:    time.Duration(req.GrantTTLSeconds) * time.Second,
	}

	if err := h.redemption.Provision(r.Context(), code); err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidCode):
			writeError(w, http.StatusBadRequest, "code does not match the configured format")
		case errors.Is(err, domain.ErrCodeExists):
			writeError(w, http.StatusConflict, "code already exists")
		case errors.Is(err, domain.ErrStoreUnavailable):
			h.logger.Error("code provisioning failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, createCodeResponse{
		Code:        code.Code,
		FeatureCode: code.FeatureCode,
		MaxUses:     code.MaxUses,
		ValidUntil:  code.ValidUntil,
	})
}
