package handlers

import (
	"context"
	"net/http"
	"strings"

	"marketplace/internal/middleware"
	"marketplace/internal/money"
	"marketplace/internal/services"

	"github.com/shopspring/decimal"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayHeader      = "Idempotent-Replayed"
)

type checkoutRequest struct {
	FileID        string `json:"file_id"`
	BundleID      string `json:"bundle_id"`
	CourseID      string `json:"course_id"`
	ExpectedPrice string `json:"expected_price"`
}

type checkoutFunc func(ctx context.Context, req services.PurchaseRequest) (services.PurchaseResult, error)

func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	h.checkout(w, r, "file_id", func(req checkoutRequest) string { return req.FileID }, h.purchaseSvc.Purchase)
}

func (h *Handler) PurchaseBundle(w http.ResponseWriter, r *http.Request) {
	h.checkout(w, r, "bundle_id", func(req checkoutRequest) string { return req.BundleID }, h.purchaseSvc.PurchaseBundle)
}

func (h *Handler) EnrollCourse(w http.ResponseWriter, r *http.Request) {
	h.checkout(w, r, "course_id", func(req checkoutRequest) string { return req.CourseID }, h.purchaseSvc.EnrollCourse)
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request, field string, target func(checkoutRequest) string, run checkoutFunc) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	artifactID := strings.TrimSpace(target(req))
	if artifactID == "" {
		respondError(w, http.StatusBadRequest, field+" is required")
		return
	}
	var expected *decimal.Decimal
	if req.ExpectedPrice != "" {
		price, err := decimal.NewFromString(strings.TrimSpace(req.ExpectedPrice))
		if err != nil || price.IsNegative() || !price.Equal(price.Truncate(money.Scale)) {
			respondError(w, http.StatusBadRequest, "invalid expected_price")
			return
		}
		expected = &price
	}
	result, err := run(r.Context(), services.PurchaseRequest{
		BuyerID:        userID,
		ArtifactID:     artifactID,
		ExpectedPrice:  expected,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(idempotencyHeader)),
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		w.Header().Set(replayHeader, "true")
		status = http.StatusOK
	}
	respondJSON(w, status, result)
}
