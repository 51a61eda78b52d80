package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"marketplace/internal/idempotency"
	"marketplace/internal/ledger"
	"marketplace/internal/money"
	"marketplace/internal/services"
)

const maxPageSize = 100

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parseInt(raw string, fallback int) int {
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

// pagination reads page and limit query parameters. Pages start at 1.
func pagination(r *http.Request, defaultLimit int) (limit, offset int) {
	query := r.URL.Query()
	limit = parseInt(query.Get("limit"), defaultLimit)
	if limit > maxPageSize {
		limit = maxPageSize
	}
	page := parseInt(query.Get("page"), 1)
	return limit, (page - 1) * limit
}

// respondServiceError maps service and ledger errors to status codes and
// stable error codes. Anything unrecognised is reported as a retryable
// persistence failure.
func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *ledger.InsufficientFundsError
	var priceChanged *services.PriceChangedError
	switch {
	case errors.As(err, &insufficient):
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error":     "insufficient_funds",
			"balance":   money.Format(insufficient.Balance),
			"required":  money.Format(insufficient.Amount),
			"shortfall": money.Format(insufficient.Shortfall()),
		})
	case errors.Is(err, services.ErrAlreadyOwned):
		respondJSON(w, http.StatusOK, map[string]string{"status": "already_owned"})
	case errors.Is(err, services.ErrAlreadyEnrolled):
		respondJSON(w, http.StatusOK, map[string]string{"status": "already_enrolled"})
	case errors.As(err, &priceChanged):
		respondJSON(w, http.StatusConflict, map[string]string{
			"error":         "price_changed",
			"current_price": money.Format(priceChanged.Current),
		})
	case errors.Is(err, services.ErrRaceLost):
		respondError(w, http.StatusConflict, "race_lost")
	case errors.Is(err, services.ErrArtifactNotFound):
		respondError(w, http.StatusNotFound, "artifact_not_found")
	case errors.Is(err, ledger.ErrAccountNotFound):
		respondError(w, http.StatusNotFound, "account_not_found")
	case errors.Is(err, services.ErrUserNotFound):
		respondError(w, http.StatusNotFound, "user_not_found")
	case errors.Is(err, services.ErrOwnArtifact):
		respondError(w, http.StatusBadRequest, "own_artifact")
	case errors.Is(err, services.ErrEmptyBundle):
		respondError(w, http.StatusBadRequest, "empty_bundle")
	case errors.Is(err, services.ErrInvalidBundle):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrNotFileOwner):
		respondError(w, http.StatusForbidden, "not_file_owner")
	case errors.Is(err, idempotency.ErrKeyReused):
		respondError(w, http.StatusUnprocessableEntity, "idempotency_key_reused")
	case errors.Is(err, idempotency.ErrInvalidKey):
		respondError(w, http.StatusBadRequest, "invalid_idempotency_key")
	case errors.Is(err, ledger.ErrInvalidAmount):
		respondError(w, http.StatusBadRequest, "invalid_amount")
	case errors.Is(err, ledger.ErrSameAccount):
		respondError(w, http.StatusBadRequest, "same_account")
	case errors.Is(err, services.ErrAlreadyVerified):
		respondError(w, http.StatusConflict, "already_verified")
	case errors.Is(err, services.ErrNotVerified):
		respondError(w, http.StatusConflict, "not_verified")
	case errors.Is(err, services.ErrUsernameTaken):
		respondError(w, http.StatusConflict, "username_taken")
	case errors.Is(err, services.ErrInvalidCredentials):
		respondError(w, http.StatusUnauthorized, "invalid_credentials")
	case errors.Is(err, services.ErrNotAdmin):
		respondError(w, http.StatusForbidden, "admin_required")
	default:
		h.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":   "persistence_failure",
			"message": "Something went wrong. Please try again.",
		})
	}
}
