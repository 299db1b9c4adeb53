package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/renderdeck/backend/internal/middleware"
)

// BalanceReader is the ledger slice the dashboard needs.
type BalanceReader interface {
	BalanceOf(ctx context.Context, userID uuid.UUID) (int64, error)
	VerifyBalance(ctx context.Context, userID uuid.UUID) (stored, computed int64, err error)
}

// AccountUpdater mutates account settings.
type AccountUpdater interface {
	UpdateDisplayName(ctx context.Context, id uuid.UUID, displayName string) error
}

// Handler serves the account self-service endpoints.
type Handler struct {
	ledger   BalanceReader
	accounts AccountUpdater
	log      *slog.Logger
}

func NewHandler(ledger BalanceReader, accounts AccountUpdater, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{ledger: ledger, accounts: accounts, log: log}
}

type meResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	IsAdmin     bool   `json:"is_admin"`
	Balance     int64  `json:"balance"`
}

// GetMe handles GET /api/v1/account/me.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	balance, err := h.ledger.BalanceOf(r.Context(), acc.ID)
	if err != nil {
		h.log.Error("get balance", "user_id", acc.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		ID:          acc.ID.String(),
		Email:       acc.Email,
		DisplayName: acc.DisplayName,
		IsAdmin:     acc.IsAdmin,
		Balance:     balance,
	})
}

type updateSettingsRequest struct {
	DisplayName string `json:"display_name"`
}

// UpdateSettings handles PATCH /api/v1/account/settings.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req updateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.DisplayName == "" {
		http.Error(w, `{"error":"display_name is required"}`, http.StatusBadRequest)
		return
	}
	if err := h.accounts.UpdateDisplayName(r.Context(), acc.ID, req.DisplayName); err != nil {
		h.log.Error("update settings", "user_id", acc.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"display_name": req.DisplayName})
}

// VerifyCredits handles GET /api/v1/admin/credits/verify. It recomputes the
// given user's balance from the transaction log and reports any drift from
// the denormalized column.
func (h *Handler) VerifyCredits(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		http.Error(w, `{"error":"invalid user_id"}`, http.StatusBadRequest)
		return
	}
	stored, computed, err := h.ledger.VerifyBalance(r.Context(), userID)
	if err != nil {
		h.log.Error("verify balance", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    userID.String(),
		"stored":     stored,
		"computed":   computed,
		"consistent": stored == computed,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
