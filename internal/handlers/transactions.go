package handlers

import (
	"net/http"
	"time"

	"marketplace/internal/middleware"
	"marketplace/internal/models"
)

const leaderboardSize = 10

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	kind := r.URL.Query().Get("kind")
	if kind != "" && !models.Kind(kind).Valid() {
		respondError(w, http.StatusBadRequest, "invalid kind")
		return
	}
	limit, offset := pagination(r, 20)
	rows, err := h.transactions.ListByAccount(r.Context(), userID, kind, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to list transactions")
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit, offset := pagination(r, 20)
	rows, err := h.purchases.ListByBuyer(r.Context(), userID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to list purchases")
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

// Leaderboard ranks sellers by sale income over period=week|month|all.
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	var since *time.Time
	now := time.Now().UTC()
	switch period {
	case "", "all":
		period = "all"
	case "week":
		start := now.AddDate(0, 0, -7)
		since = &start
	case "month":
		start := now.AddDate(0, -1, 0)
		since = &start
	default:
		respondError(w, http.StatusBadRequest, "invalid period")
		return
	}
	rows, err := h.transactions.TopEarners(r.Context(), since, leaderboardSize)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load leaderboard")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"period":  period,
		"earners": rows,
	})
}
