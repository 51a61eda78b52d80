package handlers

import (
	"net/http"

	"marketplace/internal/middleware"
	"marketplace/internal/websocket"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) SubscribeVerification(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	result, err := h.verification.Subscribe(r.Context(), userID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

// CancelVerification ends the badge immediately. Nothing is refunded.
func (h *Handler) CancelVerification(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := h.verification.Cancel(r.Context(), userID); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) ReferralStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	stats, err := h.referrals.Stats(r.Context(), userID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *Handler) GenerateReferral(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	link, err := h.referrals.Generate(r.Context(), userID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, link)
}

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	unreadOnly := r.URL.Query().Get("unread") == "true"
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	if limit > maxPageSize {
		limit = maxPageSize
	}
	rows, err := h.notifications.ListByUser(r.Context(), userID, unreadOnly, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to list notifications")
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	updated, err := h.notifications.MarkRead(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to update notification")
		return
	}
	if !updated {
		respondError(w, http.StatusNotFound, "notification not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

func (h *Handler) WSBalances(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	websocket.ServeWS(w, r, h.upgrader, h.hub, userID, h.logger)
}
