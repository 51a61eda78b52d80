package handlers

import (
	"database/sql"
	"errors"
	"net/http"

	"marketplace/internal/middleware"
	"marketplace/internal/money"
)

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	account, err := h.accounts.GetByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "account_not_found")
			return
		}
		respondError(w, http.StatusInternalServerError, "unable to load account")
		return
	}
	respondJSON(w, http.StatusOK, account)
}

// SelfCheck compares the caller's stored balance with the sum of their
// transaction history.
func (h *Handler) SelfCheck(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	check, err := h.accounts.Check(r.Context(), userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "account_not_found")
			return
		}
		respondError(w, http.StatusInternalServerError, "self-check failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"account_id":         check.AccountID,
		"stored_balance":     money.Format(check.Stored),
		"calculated_balance": money.Format(check.Calculated),
		"difference":         money.Format(check.Difference),
		"consistent":         check.Consistent(),
	})
}
