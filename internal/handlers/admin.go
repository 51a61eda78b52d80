package handlers

import (
	"net/http"
	"strings"

	"marketplace/internal/middleware"
	"marketplace/internal/money"
	"marketplace/internal/services"
	"marketplace/internal/validator"

	"github.com/shopspring/decimal"
)

type giftRequest struct {
	UserID  string          `json:"user_id" validate:"required"`
	Amount  decimal.Decimal `json:"amount" validate:"amount"`
	Message string          `json:"message" validate:"max=500"`
}

// AdminGift credits a user from the marketplace itself.
func (h *Handler) AdminGift(w http.ResponseWriter, r *http.Request) {
	adminID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req giftRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := validator.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := h.accountSvc.Gift(r.Context(), services.GiftRequest{
		AdminID:     adminID,
		RecipientID: strings.TrimSpace(req.UserID),
		Amount:      req.Amount,
		Message:     req.Message,
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	response := map[string]any{
		"status":      "gifted",
		"transfer_id": result.TransferID,
		"amount":      money.Format(req.Amount),
	}
	if result.PayeeBalance != nil {
		response["recipient_balance"] = money.Format(*result.PayeeBalance)
	}
	respondJSON(w, http.StatusCreated, response)
}

type promoteRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

func (h *Handler) AdminPromote(w http.ResponseWriter, r *http.Request) {
	adminID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req promoteRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := validator.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.accountSvc.Promote(r.Context(), adminID, strings.TrimSpace(req.UserID)); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "promoted"})
}

func (h *Handler) AdminListAccounts(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50)
	rows, err := h.accounts.ListAllWithUsers(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to list accounts")
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

func (h *Handler) AdminListTransactions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50)
	rows, err := h.transactions.ListAll(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to list transactions")
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50)
	rows, err := h.audit.List(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to list audit logs")
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

// Reconcile lists every account whose stored balance disagrees with its
// ledger.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	mismatches, err := h.accounts.Reconcile(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "reconcile failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"consistent": len(mismatches) == 0,
		"mismatches": mismatches,
	})
}

func (h *Handler) RebuildStats(w http.ResponseWriter, r *http.Request) {
	if err := h.stats.Rebuild(r.Context()); err != nil {
		h.logger.Error("stats rebuild failed", "error", err)
		respondError(w, http.StatusInternalServerError, "stats rebuild failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "rebuilt"})
}
