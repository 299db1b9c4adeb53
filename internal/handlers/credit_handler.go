package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/renderdeck/backend/internal/ledger"
	"github.com/renderdeck/backend/internal/middleware"
	"github.com/renderdeck/backend/internal/models"
)

// LedgerService is the subset of the credit ledger needed by the handler.
type LedgerService interface {
	BalanceOf(ctx context.Context, userID uuid.UUID) (int64, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.CreditTransaction, error)
	Grant(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, kind, description string, performedBy *uuid.UUID) (int64, error)
	AdminAdjust(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, description string, performedBy uuid.UUID) (int64, error)
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// CreditHandler serves the credit balance, ledger, and admin endpoints.
type CreditHandler struct {
	Pool   TxBeginner
	Ledger LedgerService
	Logger *slog.Logger
}

// GetBalance handles GET /api/v1/credits/balance.
func (h *CreditHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	balance, err := h.Ledger.BalanceOf(r.Context(), acc.ID)
	if err != nil {
		h.Logger.Error("get balance", "user_id", acc.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

// ListLedger handles GET /api/v1/credits/ledger.
func (h *CreditHandler) ListLedger(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}

	entries, err := h.Ledger.ListTransactions(r.Context(), acc.ID, limit, offset)
	if err != nil {
		h.Logger.Error("list ledger", "user_id", acc.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": entries})
}

type adminGrantRequest struct {
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// AdminGrant handles POST /api/v1/admin/credits/grant. Positive amounts are
// recorded as grants; signed corrections go through AdminAdjust so the
// non-negative balance invariant is enforced either way.
func (h *CreditHandler) AdminGrant(w http.ResponseWriter, r *http.Request) {
	admin := middleware.AccountFromCtx(r.Context())
	if admin == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req adminGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		http.Error(w, `{"error":"invalid user_id"}`, http.StatusBadRequest)
		return
	}
	if req.Amount == 0 {
		http.Error(w, `{"error":"amount must be non-zero"}`, http.StatusBadRequest)
		return
	}
	if req.Description == "" {
		req.Description = "admin credit"
	}

	tx, err := h.Pool.Begin(r.Context())
	if err != nil {
		h.Logger.Error("begin tx", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	defer tx.Rollback(r.Context())

	var balance int64
	if req.Amount > 0 {
		balance, err = h.Ledger.Grant(r.Context(), tx, userID, req.Amount, models.CreditKindGrant, req.Description, &admin.ID)
	} else {
		balance, err = h.Ledger.AdminAdjust(r.Context(), tx, userID, req.Amount, req.Description, admin.ID)
	}
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			http.Error(w, `{"error":"adjustment would make balance negative"}`, http.StatusConflict)
			return
		}
		h.Logger.Error("admin grant", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(r.Context()); err != nil {
		h.Logger.Error("commit tx", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID.String(), "balance": balance})
}
